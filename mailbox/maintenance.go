package mailbox

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Maintenance is a token for exclusive access to a mailbox. While it occupies
// the cache slot of a mailbox, only its allowed owners can use the mailbox.
type Maintenance struct {
	MailboxID int64
	AccountID string

	sync.Mutex
	owners        map[Owner]bool
	nestedAllowed bool
	mb            *Mailbox
	unavailable   bool
}

// NewMaintenance returns a token for a mailbox that is not loaded. The owner in
// ctx is allowed access, a new owner is created if ctx has none. Use Context to
// get a context with an allowed owner.
func NewMaintenance(ctx context.Context, accountID string, mailboxID int64) *Maintenance {
	o, ok := OwnerFrom(ctx)
	if !ok {
		o = NewOwner()
	}
	return &Maintenance{
		MailboxID: mailboxID,
		AccountID: accountID,
		owners:    map[Owner]bool{o: true},
	}
}

// CanAccess returns whether the owner in ctx is allowed to use the mailbox. No
// one can access after maintenance ended unsuccessfully.
func (m *Maintenance) CanAccess(ctx context.Context) bool {
	m.Lock()
	defer m.Unlock()
	if m.unavailable {
		return false
	}
	o, ok := OwnerFrom(ctx)
	return ok && m.owners[o]
}

// Context returns a context derived from parent that has an owner allowed to
// access the mailbox. If parent already has an allowed owner, it is returned
// as is.
func (m *Maintenance) Context(parent context.Context) context.Context {
	m.Lock()
	defer m.Unlock()
	if o, ok := OwnerFrom(parent); ok && m.owners[o] {
		return parent
	}
	o := NewOwner()
	m.owners[o] = true
	return WithOwner(parent, o)
}

// AllowOwner allows o to access the mailbox.
func (m *Maintenance) AllowOwner(o Owner) {
	m.Lock()
	defer m.Unlock()
	m.owners[o] = true
}

// RemoveOwner revokes access for o.
func (m *Maintenance) RemoveOwner(o Owner) {
	m.Lock()
	defer m.Unlock()
	delete(m.owners, o)
}

// Owners returns the allowed owners, sorted.
func (m *Maintenance) Owners() []Owner {
	m.Lock()
	defer m.Unlock()
	l := make([]Owner, 0, len(m.owners))
	for o := range m.owners {
		l = append(l, o)
	}
	sort.Slice(l, func(i, j int) bool { return l[i] < l[j] })
	return l
}

func (m *Maintenance) NestedAllowed() bool {
	m.Lock()
	defer m.Unlock()
	return m.nestedAllowed
}

// SetNestedAllowed sets whether allowed owners can begin maintenance again
// while this maintenance is active.
func (m *Maintenance) SetNestedAllowed(v bool) {
	m.Lock()
	defer m.Unlock()
	m.nestedAllowed = v
}

// Mailbox returns the live mailbox for the token, or nil if the mailbox has not
// been loaded.
func (m *Maintenance) Mailbox() *Mailbox {
	m.Lock()
	defer m.Unlock()
	return m.mb
}

// SetMailbox attaches a mailbox loaded while the token occupied its slot. The
// mailbox is put in maintenance with this token.
func (m *Maintenance) SetMailbox(mb *Mailbox) {
	m.Lock()
	m.mb = mb
	m.Unlock()
	mb.adoptMaintenance(m)
}

// DetachMailbox removes the link to the mailbox, for a mailbox dropped from the
// cache while the token stays in use. A mailbox loaded later is attached with
// SetMailbox.
func (m *Maintenance) DetachMailbox() {
	m.Lock()
	defer m.Unlock()
	m.mb = nil
}

// MarkUnavailable makes the mailbox inaccessible for everyone, after
// maintenance failed.
func (m *Maintenance) MarkUnavailable() {
	m.Lock()
	defer m.Unlock()
	m.unavailable = true
}

func (m *Maintenance) Unavailable() bool {
	m.Lock()
	defer m.Unlock()
	return m.unavailable
}

func (m *Maintenance) String() string {
	m.Lock()
	defer m.Unlock()
	var owners []string
	for o := range m.owners {
		owners = append(owners, fmt.Sprintf("%d", o))
	}
	sort.Strings(owners)
	return fmt.Sprintf("maintenance(mailbox=%d account=%s owners=%s nested=%v loaded=%v unavailable=%v)", m.MailboxID, m.AccountID, strings.Join(owners, ","), m.nestedAllowed, m.mb != nil, m.unavailable)
}
