package policy

import (
	"strings"
	"sync"

	"github.com/OpenPrinting/goipp"
)

// AuthType names the authentication an operation requires.
type AuthType string

const (
	AuthNone     AuthType = "none"
	AuthBasic    AuthType = "basic"
	AuthBasicTLS AuthType = "basic-tls"
)

// Result is the outcome of a policy check.
type Result int

const (
	// OK permits the operation.
	OK Result = iota
	// Forbidden denies it outright.
	Forbidden
	// Unauthorized requires (re)authentication first.
	Unauthorized
	// UpgradeRequired requires a TLS connection first.
	UpgradeRequired
)

// Identity is the transport-supplied caller identity. The daemon never
// authenticates; it only enforces what the transport established.
type Identity struct {
	User          string
	Authenticated bool
	TLS           bool
	Local         bool
}

// Rule is the per-operation policy entry.
type Rule struct {
	Auth AuthType

	// RequireOwner limits the operation to the resource owner or an
	// admin identity.
	RequireOwner bool

	// RequireAdmin limits the operation to admin identities.
	RequireAdmin bool

	// Users, when non-empty, lists the only identities (or "@group"
	// entries) permitted.
	Users []string
}

// Policy maps operations to rules and names the attributes withheld
// from callers other than the resource owner.
type Policy struct {
	Name         string
	Rules        map[goipp.Op]*Rule
	Default      *Rule
	PrivateAttrs []string
}

// Engine evaluates named policies. DefaultPolicy applies where no
// destination scope exists.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*Policy
	fallback string

	// AdminUsers and AdminGroups define the admin identity set shared
	// by every policy.
	adminUsers  map[string]bool
	adminGroups map[string]bool
	memberships func(user string) []string
}

// NewEngine builds an engine holding the built-in default policy.
// lookupGroups resolves a user's group memberships; nil means no
// group support.
func NewEngine(defaultName string, lookupGroups func(user string) []string) *Engine {
	e := &Engine{
		policies:    make(map[string]*Policy),
		fallback:    defaultName,
		adminUsers:  map[string]bool{"root": true},
		adminGroups: map[string]bool{"admin": true, "lpadmin": true},
		memberships: lookupGroups,
	}
	e.Register(builtinDefault(defaultName))
	return e
}

// Register installs or replaces a policy.
func (e *Engine) Register(p *Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[p.Name] = p
}

// AddAdmin marks a user name as an admin identity.
func (e *Engine) AddAdmin(user string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.adminUsers[user] = true
}

// Lookup returns the named policy, falling back to the default.
func (e *Engine) Lookup(name string) *Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if p, ok := e.policies[name]; ok {
		return p
	}
	return e.policies[e.fallback]
}

// Check evaluates (policy, operation, identity, owner). An empty owner
// means the resource has no owner (printer-scoped operations).
func (e *Engine) Check(policyName string, op goipp.Op, id Identity, owner string) Result {
	p := e.Lookup(policyName)
	rule := p.Rules[op]
	if rule == nil {
		rule = p.Default
	}
	if rule == nil {
		return OK
	}

	switch rule.Auth {
	case AuthBasicTLS:
		if !id.TLS && !id.Local {
			return UpgradeRequired
		}
		if !id.Authenticated {
			return Unauthorized
		}
	case AuthBasic:
		if !id.Authenticated {
			return Unauthorized
		}
	}

	if len(rule.Users) > 0 && !e.matches(id.User, rule.Users) {
		return Forbidden
	}
	if rule.RequireAdmin && !e.isAdmin(id.User) {
		return Forbidden
	}
	if rule.RequireOwner && owner != "" && id.User != owner && !e.isAdmin(id.User) {
		return Forbidden
	}
	return OK
}

// PrivateAttributes returns the attribute names to redact from a
// response about a resource owned by owner, for the given caller.
// Owners and admins see everything.
func (e *Engine) PrivateAttributes(policyName string, id Identity, owner string) map[string]bool {
	if owner == "" || id.User == owner || e.isAdmin(id.User) {
		return nil
	}
	p := e.Lookup(policyName)
	if len(p.PrivateAttrs) == 0 {
		return nil
	}
	set := make(map[string]bool, len(p.PrivateAttrs))
	for _, name := range p.PrivateAttrs {
		set[name] = true
	}
	return set
}

func (e *Engine) isAdmin(user string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.adminUsers[user] {
		return true
	}
	if e.memberships == nil {
		return false
	}
	for _, g := range e.memberships(user) {
		if e.adminGroups[g] {
			return true
		}
	}
	return false
}

func (e *Engine) matches(user string, list []string) bool {
	for _, entry := range list {
		if group, ok := strings.CutPrefix(entry, "@"); ok {
			if e.memberships == nil {
				continue
			}
			for _, g := range e.memberships(user) {
				if g == group {
					return true
				}
			}
			continue
		}
		if entry == user {
			return true
		}
	}
	return false
}

// builtinDefault mirrors the stock cupsd policy: job operations are
// owner-scoped, administrative operations require an authenticated
// admin, everything else is open.
func builtinDefault(name string) *Policy {
	owner := &Rule{RequireOwner: true}
	admin := &Rule{Auth: AuthBasic, RequireAdmin: true}

	rules := map[goipp.Op]*Rule{
		goipp.OpCancelJob:           owner,
		goipp.OpHoldJob:             owner,
		goipp.OpReleaseJob:          owner,
		goipp.OpRestartJob:          owner,
		goipp.OpSendDocument:        owner,
		goipp.OpCloseJob:            owner,
		goipp.OpSetJobAttributes:    owner,
		goipp.OpGetJobAttributes:    owner,
		goipp.OpCancelMyJobs:        owner,
		goipp.OpCupsAuthenticateJob: owner,
		goipp.OpCupsGetDocument:     owner,

		goipp.OpCancelSubscription:        owner,
		goipp.OpRenewSubscription:         owner,
		goipp.OpGetSubscriptionAttributes: owner,
		goipp.OpGetNotifications:          owner,

		goipp.OpPausePrinter:           admin,
		goipp.OpResumePrinter:          admin,
		goipp.OpPurgeJobs:              admin,
		goipp.OpCancelJobs:             admin,
		goipp.OpSetPrinterAttributes:   admin,
		goipp.OpHoldNewJobs:            admin,
		goipp.OpReleaseHeldNewJobs:     admin,
		goipp.OpCupsAddModifyPrinter:   admin,
		goipp.OpCupsDeletePrinter:      admin,
		goipp.OpCupsAddModifyClass:     admin,
		goipp.OpCupsDeleteClass:        admin,
		goipp.OpCupsAcceptJobs:         admin,
		goipp.OpCupsRejectJobs:         admin,
		goipp.OpCupsSetDefault:         admin,
		goipp.OpCupsMoveJob:            admin,
		goipp.OpCupsGetDevices:         admin,
		goipp.OpCupsGetPpds:            admin,
	}

	return &Policy{
		Name:  name,
		Rules: rules,
		PrivateAttrs: []string{
			"job-name",
			"job-originating-host-name",
			"job-originating-user-name",
			"phone",
		},
	}
}
