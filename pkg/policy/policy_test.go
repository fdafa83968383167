package policy

import (
	"testing"

	"github.com/OpenPrinting/goipp"
	"github.com/stretchr/testify/assert"
)

func groups(user string) []string {
	if user == "opr" {
		return []string{"operators"}
	}
	if user == "carol" {
		return []string{"lpadmin"}
	}
	return nil
}

func TestCheckOwnerRule(t *testing.T) {
	e := NewEngine("default", groups)

	tests := []struct {
		name   string
		op     goipp.Op
		id     Identity
		owner  string
		expect Result
	}{
		{
			name:   "owner cancels own job",
			op:     goipp.OpCancelJob,
			id:     Identity{User: "alice"},
			owner:  "alice",
			expect: OK,
		},
		{
			name:   "stranger cancels foreign job",
			op:     goipp.OpCancelJob,
			id:     Identity{User: "bob"},
			owner:  "alice",
			expect: Forbidden,
		},
		{
			name:   "root cancels foreign job",
			op:     goipp.OpCancelJob,
			id:     Identity{User: "root"},
			owner:  "alice",
			expect: OK,
		},
		{
			name:   "lpadmin group member cancels foreign job",
			op:     goipp.OpCancelJob,
			id:     Identity{User: "carol"},
			owner:  "alice",
			expect: OK,
		},
		{
			name:   "open operation",
			op:     goipp.OpGetPrinterAttributes,
			id:     Identity{User: "anonymous"},
			expect: OK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, e.Check("default", tt.op, tt.id, tt.owner))
		})
	}
}

func TestCheckAdminRule(t *testing.T) {
	e := NewEngine("default", groups)

	// Unauthenticated admin op: challenge first.
	got := e.Check("default", goipp.OpPausePrinter, Identity{User: "root"}, "")
	assert.Equal(t, Unauthorized, got)

	// Authenticated non-admin: forbidden.
	got = e.Check("default", goipp.OpPausePrinter, Identity{User: "bob", Authenticated: true}, "")
	assert.Equal(t, Forbidden, got)

	// Authenticated admin: allowed.
	got = e.Check("default", goipp.OpPausePrinter, Identity{User: "root", Authenticated: true}, "")
	assert.Equal(t, OK, got)
}

func TestCheckTLSRule(t *testing.T) {
	e := NewEngine("default", nil)
	e.Register(&Policy{
		Name: "secure",
		Rules: map[goipp.Op]*Rule{
			goipp.OpPrintJob: {Auth: AuthBasicTLS},
		},
	})

	got := e.Check("secure", goipp.OpPrintJob, Identity{User: "alice"}, "")
	assert.Equal(t, UpgradeRequired, got)

	got = e.Check("secure", goipp.OpPrintJob, Identity{User: "alice", TLS: true}, "")
	assert.Equal(t, Unauthorized, got)

	got = e.Check("secure", goipp.OpPrintJob, Identity{User: "alice", TLS: true, Authenticated: true}, "")
	assert.Equal(t, OK, got)

	// Local connections satisfy the TLS requirement.
	got = e.Check("secure", goipp.OpPrintJob, Identity{User: "alice", Local: true, Authenticated: true}, "")
	assert.Equal(t, OK, got)
}

func TestCheckUserList(t *testing.T) {
	e := NewEngine("default", groups)
	e.Register(&Policy{
		Name: "restricted",
		Rules: map[goipp.Op]*Rule{
			goipp.OpPrintJob: {Users: []string{"alice", "@operators"}},
		},
	})

	assert.Equal(t, OK, e.Check("restricted", goipp.OpPrintJob, Identity{User: "alice"}, ""))
	assert.Equal(t, OK, e.Check("restricted", goipp.OpPrintJob, Identity{User: "opr"}, ""))
	assert.Equal(t, Forbidden, e.Check("restricted", goipp.OpPrintJob, Identity{User: "bob"}, ""))
}

func TestPrivateAttributes(t *testing.T) {
	e := NewEngine("default", groups)

	// Owner sees everything.
	assert.Nil(t, e.PrivateAttributes("default", Identity{User: "alice"}, "alice"))

	// Admin sees everything.
	assert.Nil(t, e.PrivateAttributes("default", Identity{User: "root"}, "alice"))

	// Stranger gets the redaction set.
	set := e.PrivateAttributes("default", Identity{User: "bob"}, "alice")
	assert.True(t, set["job-name"])
	assert.True(t, set["job-originating-user-name"])
}

func TestLookupFallsBack(t *testing.T) {
	e := NewEngine("default", nil)
	p := e.Lookup("no-such-policy")
	assert.Equal(t, "default", p.Name)
}
