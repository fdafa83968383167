package jobs

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/OpenPrinting/goipp"
	"github.com/google/uuid"

	"github.com/openspool/printd/pkg/attr"
	"github.com/openspool/printd/pkg/types"
)

// ValidationError identifies the attribute a submission was rejected
// for, so handlers can echo it in the unsupported group.
type ValidationError struct {
	Attr   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Attr, e.Reason)
}

// Attributes the client may not supply; the server generates them.
var readOnlyAttrs = map[string]bool{
	"job-id":                       true,
	"job-uri":                      true,
	"job-uuid":                     true,
	"job-state":                    true,
	"job-state-reasons":            true,
	"job-state-message":            true,
	"job-originating-host-name":    true,
	"job-printer-up-time":          true,
	"job-printer-uri":              true,
	"job-k-octets-completed":       true,
	"job-impressions-completed":    true,
	"job-media-sheets-completed":   true,
	"number-of-documents":          true,
	"number-of-intervening-jobs":   true,
	"time-at-creation":             true,
	"time-at-processing":           true,
	"time-at-completed":            true,
	"date-time-at-creation":        true,
	"date-time-at-processing":      true,
	"date-time-at-completed":       true,
	"document-format-detected":     true,
	"job-detailed-status-messages": true,
	"job-document-access-errors":   true,
}

// ReadOnly reports whether the named job attribute is server-managed
// and must be rejected in Set-Job-Attributes requests.
func ReadOnly(name string) bool {
	return readOnlyAttrs[name]
}

var knownBanners = map[string]bool{
	"none":         true,
	"classified":   true,
	"confidential": true,
	"secret":       true,
	"standard":     true,
	"topsecret":    true,
	"unclassified": true,
}

var numberUpSupported = map[int]bool{1: true, 2: true, 4: true, 6: true, 9: true, 16: true}

// Add creates a new job for the destination from the supplied
// job-template attributes. multiFile jobs start held awaiting
// documents; single-file jobs start pending unless a hold applies.
func (s *Store) Add(dest *types.Printer, user, host string, attrs goipp.Attributes, multiFile bool) (*types.Job, error) {
	if !dest.Accepting {
		return nil, ErrNotAccepting
	}
	if dest.Remote && !dest.Shared {
		return nil, ErrNotShared
	}

	attrs, err := s.vetAttrs(dest, attrs)
	if err != nil {
		return nil, err
	}

	name, _ := attr.String(attrs, "job-name")
	if name == "" {
		name = "Untitled"
	}
	j := &types.Job{
		UUID:        "urn:uuid:" + uuid.NewString(),
		Name:        name,
		User:        user,
		Host:        host,
		Dest:        dest.Name,
		DestIsClass: dest.IsClass,
		Priority:    50,
		State:       types.JobPending,
		CreatedAt:   time.Now(),
		Attrs:       attrs,
	}
	if p, ok := attr.Integer(attrs, "job-priority"); ok && p > 0 {
		j.Priority = p
	}

	switch {
	case multiFile:
		j.State = types.JobHeld
		j.StateReasons = []string{types.JobReasonIncoming}
		// A hold must outlive intake; Close checks these fields.
		if dest.HoldingNewJobs {
			j.HoldIndefinite = true
		} else if hu, _ := attr.String(attrs, "job-hold-until"); hu != "" && hu != "no-hold" {
			applyHoldUntil(j, hu)
		}
	case dest.HoldingNewJobs:
		j.State = types.JobHeld
		j.HoldIndefinite = true
		j.StateReasons = []string{types.JobReasonHoldUntil}
	default:
		if hu, _ := attr.String(attrs, "job-hold-until"); hu != "" && hu != "no-hold" {
			j.State = types.JobHeld
			j.StateReasons = []string{types.JobReasonHoldUntil}
			applyHoldUntil(j, hu)
		} else {
			j.StateReasons = []string{types.JobReasonNone}
		}
	}

	s.mu.Lock()
	j.ID = s.nextID
	s.nextID++
	s.jobs[j.ID] = j
	s.machines[j.ID] = newMachine(j.State)
	if multiFile {
		s.intake[j.ID] = time.Now()
	}
	s.mu.Unlock()

	s.logger.Info().Int("job_id", j.ID).Str("printer", dest.Name).Str("user", user).Msg("job created")
	s.emit(types.EventJobCreated, j, fmt.Sprintf("Job %d created.", j.ID))
	s.dirty()
	return j, nil
}

// Validate runs the add-job attribute checks without creating a job.
func (s *Store) Validate(dest *types.Printer, attrs goipp.Attributes) error {
	if !dest.Accepting {
		return ErrNotAccepting
	}
	if dest.Remote && !dest.Shared {
		return ErrNotShared
	}
	_, err := s.vetAttrs(dest, attrs)
	return err
}

// vetAttrs enforces the submission rules and applies destination
// defaults without overriding client choices. In strict mode a
// read-only attribute fails the request; otherwise it is dropped.
func (s *Store) vetAttrs(dest *types.Printer, in goipp.Attributes) (goipp.Attributes, error) {
	var out goipp.Attributes
	seen := make(map[string]bool)

	for _, a := range in {
		if readOnlyAttrs[a.Name] {
			if s.limits.Strict {
				return nil, &ValidationError{Attr: a.Name, Reason: "read-only attribute"}
			}
			continue
		}
		if err := attr.Validate(a); err != nil {
			return nil, &ValidationError{Attr: a.Name, Reason: err.Error()}
		}
		if err := checkTemplate(a, s.limits.MaxCopies); err != nil {
			return nil, err
		}
		out.Add(a)
		seen[a.Name] = true
	}

	// Destination defaults fill in what the client left unset.
	names := make([]string, 0, len(dest.Defaults))
	for name := range dest.Defaults {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		base := strings.TrimSuffix(name, "-default")
		if base == name || seen[base] {
			continue
		}
		out.Add(goipp.MakeAttribute(base, goipp.TagKeyword, goipp.String(dest.Defaults[name])))
	}
	return out, nil
}

func checkTemplate(a goipp.Attribute, maxCopies int) error {
	switch a.Name {
	case "copies":
		n := intValue(a)
		if n < 1 || n > maxCopies {
			return &ValidationError{Attr: a.Name, Reason: fmt.Sprintf("value %d out of range [1,%d]", n, maxCopies)}
		}
	case "job-priority":
		n := intValue(a)
		if n < 1 || n > 100 {
			return &ValidationError{Attr: a.Name, Reason: "value out of range [1,100]"}
		}
	case "number-up":
		if !numberUpSupported[intValue(a)] {
			return &ValidationError{Attr: a.Name, Reason: "unsupported value"}
		}
	case "job-sheets":
		if len(a.Values) > 2 {
			return &ValidationError{Attr: a.Name, Reason: "more than two values"}
		}
		for _, v := range a.Values {
			name, ok := v.V.(goipp.String)
			if !ok || !knownBanners[string(name)] {
				return &ValidationError{Attr: a.Name, Reason: "unknown banner"}
			}
		}
	case "job-hold-until":
		if _, _, err := parseHoldUntil(attrFirstString(a)); err != nil {
			return &ValidationError{Attr: a.Name, Reason: err.Error()}
		}
	case "page-ranges":
		prev := 0
		for _, v := range a.Values {
			r, ok := v.V.(goipp.Range)
			if !ok {
				return &ValidationError{Attr: a.Name, Reason: "not a range"}
			}
			if r.Lower < 1 || r.Upper < r.Lower {
				return &ValidationError{Attr: a.Name, Reason: "malformed range"}
			}
			if r.Lower <= prev {
				return &ValidationError{Attr: a.Name, Reason: "ranges overlap or decrease"}
			}
			prev = r.Upper
		}
	}
	return nil
}

func intValue(a goipp.Attribute) int {
	if len(a.Values) == 0 {
		return 0
	}
	if n, ok := a.Values[0].V.(goipp.Integer); ok {
		return int(n)
	}
	return 0
}

func attrFirstString(a goipp.Attribute) string {
	if len(a.Values) == 0 {
		return ""
	}
	if v, ok := a.Values[0].V.(goipp.String); ok {
		return string(v)
	}
	return ""
}

// parseHoldUntil resolves a job-hold-until keyword or HH:MM[:SS] time
// to the next matching absolute time. indefinite and no-hold yield a
// zero time.
func parseHoldUntil(value string) (at time.Time, indefinite bool, err error) {
	now := time.Now()
	nextAt := func(hour int) time.Time {
		t := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
		if !t.After(now) {
			t = t.AddDate(0, 0, 1)
		}
		return t
	}

	switch value {
	case "", "no-hold":
		return time.Time{}, false, nil
	case "indefinite":
		return time.Time{}, true, nil
	case "day-time":
		return nextAt(6), false, nil
	case "evening":
		return nextAt(18), false, nil
	case "night":
		return nextAt(22), false, nil
	case "second-shift":
		return nextAt(16), false, nil
	case "third-shift":
		return nextAt(0), false, nil
	case "weekend":
		t := nextAt(0)
		for t.Weekday() != time.Saturday && t.Weekday() != time.Sunday {
			t = t.AddDate(0, 0, 1)
		}
		return t, false, nil
	}

	for _, layout := range []string{"15:04:05", "15:04"} {
		if clock, perr := time.Parse(layout, value); perr == nil {
			t := time.Date(now.Year(), now.Month(), now.Day(),
				clock.Hour(), clock.Minute(), clock.Second(), 0, now.Location())
			if !t.After(now) {
				t = t.AddDate(0, 0, 1)
			}
			return t, false, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("unrecognized hold time %q", value)
}

// applyHoldUntil stores the parsed hold time on the job. An empty or
// unparsable value holds indefinitely.
func applyHoldUntil(j *types.Job, value string) {
	at, indefinite, err := parseHoldUntil(value)
	if err != nil || value == "" {
		j.HoldIndefinite = true
		j.HoldUntil = time.Time{}
		return
	}
	j.HoldIndefinite = indefinite
	j.HoldUntil = at
}
