package quota

import (
	"strings"
	"sync"
	"time"

	"github.com/openspool/printd/pkg/types"
)

// Verdict is the outcome of a quota check.
type Verdict int

const (
	// OK admits the job.
	OK Verdict = iota
	// Denied rejects the user per the destination ACL.
	Denied
	// Limit rejects the job because a page/k quota or job cap is
	// reached.
	Limit
)

// Record is the rolling-window usage for one (destination, user) pair.
type Record struct {
	Pages   int
	KOctets int
}

type entry struct {
	at    time.Time
	pages int
	k     int
}

// Tracker keeps per-(destination, user) usage over each destination's
// rolling quota_period. Entries age out lazily on read.
type Tracker struct {
	mu      sync.Mutex
	usage   map[string][]entry
	groups  func(user string) []string
	nowFunc func() time.Time
}

// NewTracker builds a tracker. lookupGroups resolves "@group" ACL
// entries; nil disables group matching.
func NewTracker(lookupGroups func(user string) []string) *Tracker {
	return &Tracker{
		usage:   make(map[string][]entry),
		groups:  lookupGroups,
		nowFunc: time.Now,
	}
}

func key(dest, user string) string {
	return dest + "\x00" + user
}

// Update records pages and kbytes for the pair and returns the summed
// window.
func (t *Tracker) Update(p *types.Printer, user string, pages, kbytes int) Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key(p.Name, user)
	now := t.nowFunc()
	entries := t.trim(k, p.QuotaPeriod, now)
	entries = append(entries, entry{at: now, pages: pages, k: kbytes})
	t.usage[k] = entries
	return sum(entries)
}

// Check evaluates the destination ACL and quota limits for user.
func (t *Tracker) Check(p *types.Printer, user string) Verdict {
	if !t.allowed(p, user) {
		return Denied
	}
	if p.PageLimit <= 0 && p.KLimit <= 0 {
		return OK
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	rec := sum(t.trim(key(p.Name, user), p.QuotaPeriod, t.nowFunc()))
	if p.PageLimit > 0 && rec.Pages >= p.PageLimit {
		return Limit
	}
	if p.KLimit > 0 && rec.KOctets >= p.KLimit {
		return Limit
	}
	return OK
}

// Forget drops the usage window for a destination, e.g. when it is
// deleted.
func (t *Tracker) Forget(dest string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prefix := dest + "\x00"
	for k := range t.usage {
		if strings.HasPrefix(k, prefix) {
			delete(t.usage, k)
		}
	}
}

// trim drops entries older than the window. Caller holds t.mu.
func (t *Tracker) trim(k string, period int, now time.Time) []entry {
	entries := t.usage[k]
	if period <= 0 || len(entries) == 0 {
		return entries
	}
	cutoff := now.Add(-time.Duration(period) * time.Second)
	i := 0
	for i < len(entries) && entries[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		entries = entries[i:]
		t.usage[k] = entries
	}
	return entries
}

func sum(entries []entry) Record {
	var r Record
	for _, e := range entries {
		r.Pages += e.pages
		r.KOctets += e.k
	}
	return r
}

func (t *Tracker) allowed(p *types.Printer, user string) bool {
	if len(p.Users) == 0 {
		return true
	}
	match := false
	for _, u := range p.Users {
		if group, ok := strings.CutPrefix(u, "@"); ok {
			if t.groups != nil {
				for _, g := range t.groups(user) {
					if g == group {
						match = true
					}
				}
			}
			continue
		}
		if u == user {
			match = true
		}
	}
	if p.DenyUsers {
		return !match
	}
	return match
}

// Caps bundles the global job limits from configuration.
type Caps struct {
	MaxJobs           int
	MaxJobsPerPrinter int
	MaxJobsPerUser    int
}

// CheckCaps evaluates the global job caps against current active
// counts. Zero caps are unlimited.
func CheckCaps(caps Caps, totalActive, destActive, userActive int) Verdict {
	if caps.MaxJobs > 0 && totalActive >= caps.MaxJobs {
		return Limit
	}
	if caps.MaxJobsPerPrinter > 0 && destActive >= caps.MaxJobsPerPrinter {
		return Limit
	}
	if caps.MaxJobsPerUser > 0 && userActive >= caps.MaxJobsPerUser {
		return Limit
	}
	return OK
}
