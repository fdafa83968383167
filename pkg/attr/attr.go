package attr

import (
	"github.com/OpenPrinting/goipp"
)

// Never copied by the generic filter; these attributes are handled by
// dedicated code paths (credential cache, job routing).
var neverCopy = map[string]bool{
	"document-password":       true,
	"job-authorization-uri":   true,
	"job-password":            true,
	"job-password-encryption": true,
	"job-printer-uri":         true,
}

// Find returns the first attribute with the given name.
func Find(attrs goipp.Attributes, name string) (goipp.Attribute, bool) {
	for _, a := range attrs {
		if a.Name == name {
			return a, true
		}
	}
	return goipp.Attribute{}, false
}

// FindIndex returns the index of the first attribute with the given
// name, or -1.
func FindIndex(attrs goipp.Attributes, name string) int {
	for i, a := range attrs {
		if a.Name == name {
			return i
		}
	}
	return -1
}

// String returns the first value of the named attribute rendered as a
// string.
func String(attrs goipp.Attributes, name string) (string, bool) {
	a, ok := Find(attrs, name)
	if !ok || len(a.Values) == 0 {
		return "", false
	}
	return a.Values[0].V.String(), true
}

// Integer returns the first value of the named attribute as an int.
func Integer(attrs goipp.Attributes, name string) (int, bool) {
	a, ok := Find(attrs, name)
	if !ok || len(a.Values) == 0 {
		return 0, false
	}
	v, ok := a.Values[0].V.(goipp.Integer)
	if !ok {
		return 0, false
	}
	return int(v), true
}

// Boolean returns the first value of the named attribute as a bool.
func Boolean(attrs goipp.Attributes, name string) (bool, bool) {
	a, ok := Find(attrs, name)
	if !ok || len(a.Values) == 0 {
		return false, false
	}
	v, ok := a.Values[0].V.(goipp.Boolean)
	if !ok {
		return false, false
	}
	return bool(v), true
}

// Strings returns all values of the named attribute rendered as
// strings.
func Strings(attrs goipp.Attributes, name string) []string {
	a, ok := Find(attrs, name)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(a.Values))
	for _, v := range a.Values {
		out = append(out, v.V.String())
	}
	return out
}

// Adder returns an append helper bound to attrs, in the shape used
// throughout the handlers: a("printer-name", goipp.TagName, value).
func Adder(attrs *goipp.Attributes) func(name string, tag goipp.Tag, values ...goipp.Value) {
	return func(name string, tag goipp.Tag, values ...goipp.Value) {
		if len(values) == 0 {
			return
		}
		a := goipp.Attribute{Name: name}
		for _, v := range values {
			a.Values.Add(tag, v)
		}
		attrs.Add(a)
	}
}

// StringValues converts strings into goipp values for Adder.
func StringValues(ss ...string) []goipp.Value {
	out := make([]goipp.Value, len(ss))
	for i, s := range ss {
		out[i] = goipp.String(s)
	}
	return out
}

// CopyOptions controls CopyInto filtering.
type CopyOptions struct {
	// Requested limits the copy to the named attributes; nil copies
	// everything.
	Requested map[string]bool

	// Exclude names attributes withheld from this caller (policy
	// redaction).
	Exclude map[string]bool

	// WithCollections permits collection values. Responses to 1.x
	// requesters leave it false unless the attribute was explicitly
	// requested.
	WithCollections bool
}

// CopyInto appends src attributes to dst subject to opts. Attributes on
// the never-copy list are always skipped. Insertion order is preserved.
func CopyInto(dst *goipp.Attributes, src goipp.Attributes, opts CopyOptions) {
	for _, a := range src {
		if neverCopy[a.Name] {
			continue
		}
		if opts.Exclude != nil && opts.Exclude[a.Name] {
			continue
		}
		requested := opts.Requested == nil || opts.Requested[a.Name]
		if !requested {
			continue
		}
		if !opts.WithCollections && hasCollection(a) && (opts.Requested == nil || !opts.Requested[a.Name]) {
			continue
		}
		dst.Add(a)
	}
}

func hasCollection(a goipp.Attribute) bool {
	for _, v := range a.Values {
		if v.V.Type() == goipp.TypeCollection {
			return true
		}
	}
	return false
}

// Requested extracts the requested-attributes set from an operation
// group. A missing attribute or the "all" keyword yields nil (all).
func Requested(op goipp.Attributes) map[string]bool {
	names := Strings(op, "requested-attributes")
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		switch n {
		case "all":
			return nil
		case "job-template":
			set["copies"] = true
			set["finishings"] = true
			set["job-hold-until"] = true
			set["job-priority"] = true
			set["job-sheets"] = true
			set["media"] = true
			set["number-up"] = true
			set["orientation-requested"] = true
			set["page-ranges"] = true
			set["sides"] = true
		case "job-description":
			set["job-id"] = true
			set["job-name"] = true
			set["job-originating-user-name"] = true
			set["job-state"] = true
			set["job-state-reasons"] = true
			set["job-uri"] = true
			set["time-at-creation"] = true
			set["time-at-completed"] = true
		default:
			set[n] = true
		}
	}
	return set
}

// CheckGroupOrder verifies that group tags appear in non-decreasing
// order, treating zero tags as separators.
func CheckGroupOrder(groups goipp.Groups) bool {
	prev := goipp.TagZero
	for _, g := range groups {
		if g.Tag == goipp.TagZero {
			prev = goipp.TagZero
			continue
		}
		if prev != goipp.TagZero && g.Tag < prev {
			return false
		}
		prev = g.Tag
	}
	return true
}
