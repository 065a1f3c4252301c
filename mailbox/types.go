package mailbox

import (
	"github.com/mjl-/mboxcache/itemstate"
)

// Flags is a bitmask of folder flags.
type Flags int

const (
	FlagSubscribed      Flags = 1 << iota // Listed in clients.
	FlagChecked                           // Included in "check all" views.
	FlagExcludeFreeBusy                   // Appointments don't count for free/busy.
	FlagNoInherit                         // Rights are not inherited from the parent.
	FlagSyncFolder                        // Synchronized with an external data source.
)

// Color of a folder, either a predefined color index or an RGB value like
// "#ff8000".
type Color struct {
	Index int8   `json:",omitempty"`
	RGB   string `json:",omitempty"`
}

// Grant gives a grantee rights on a folder.
type Grant struct {
	Grantee string // E.g. an account ID, group name or "public".
	Type    string // "usr", "grp", "pub".
	Rights  string // E.g. "rwidx".
}

// ACL is the list of grants for a folder.
type ACL []Grant

// Policy is a retention or purge policy.
type Policy struct {
	ID       string `json:",omitempty"` // For system policies.
	Name     string `json:",omitempty"`
	Lifetime string `json:",omitempty"` // Duration like "30d".
}

// RetentionPolicy determines how long items in a folder are kept.
type RetentionPolicy struct {
	Keep  []Policy `json:",omitempty"`
	Purge []Policy `json:",omitempty"`
}

// Codecs for the structured folder fields, stored as JSON. Zero values have no
// data and are not stored remotely.
var (
	ColorCodec           = itemstate.JSON(func(c Color) bool { return c == (Color{}) })
	ACLCodec             = itemstate.JSON(func(acl ACL) bool { return len(acl) == 0 })
	RetentionPolicyCodec = itemstate.JSON(func(p RetentionPolicy) bool { return len(p.Keep) == 0 && len(p.Purge) == 0 })
)
