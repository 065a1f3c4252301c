// Package mboxmgr implements the mailbox registry: the process-wide cache of
// mailbox objects by account, with lazy loading and creation, and the
// maintenance protocol for exclusive access to a mailbox.
//
// A single coarse lock protects the maps of the registry. It is only held for
// map lookups and changes, never while accessing durable storage or opening a
// mailbox. After such I/O, the cache slot is checked again before publishing:
// of concurrent loads, the first to publish wins, and the others use the
// winning object.
package mboxmgr

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"github.com/mjl-/mboxcache/mailbox"
	"github.com/mjl-/mboxcache/metrics"
	"github.com/mjl-/mboxcache/mlog"
	"github.com/mjl-/mboxcache/store"
)

var pkglog = mlog.New("mboxmgr", nil)

var (
	ErrNoSuchMailbox        = errors.New("no such mailbox")
	ErrNoSuchAccount        = errors.New("no such account")
	ErrWrongHost            = errors.New("mailbox is on another host")
	ErrInMaintenance        = mailbox.ErrInMaintenance
	ErrAlreadyInMaintenance = errors.New("mailbox already in maintenance")
	ErrWrongToken           = errors.New("maintenance ended with wrong token")
	ErrNotLockedOut         = errors.New("mailbox not locked out")
)

// WrongHostError is returned when resolving a mailbox of an account homed on
// another server. It matches ErrWrongHost with errors.Is.
type WrongHostError struct {
	AccountID string
	MailHost  string // Server the caller should be redirected to.
}

func (e *WrongHostError) Error() string {
	return fmt.Sprintf("mailbox for account %q is on host %q", e.AccountID, e.MailHost)
}

func (e *WrongHostError) Is(target error) bool {
	return target == ErrWrongHost
}

// MaintenanceError is returned when resolving a mailbox in maintenance by a
// caller that is not an allowed owner. It matches ErrInMaintenance with
// errors.Is.
type MaintenanceError struct {
	MailboxID int64
	LockedOut bool // Maintenance is a lockout, see Manager.Lockout.
}

func (e *MaintenanceError) Error() string {
	if e.LockedOut {
		return fmt.Sprintf("mailbox %d locked out for maintenance", e.MailboxID)
	}
	return fmt.Sprintf("mailbox %d in maintenance", e.MailboxID)
}

func (e *MaintenanceError) Unwrap() error {
	return ErrInMaintenance
}

// FetchMode determines what Resolve may do for a mailbox that is not cached.
type FetchMode int

const (
	// Load the mailbox from durable storage, and create it if the account has no
	// mailbox yet.
	AutoCreate FetchMode = iota

	// Load an existing mailbox from durable storage, never create one.
	DoNotAutoCreate

	// Only return a cached, opened mailbox. Durable storage is not accessed.
	OnlyIfCached
)

func (m FetchMode) String() string {
	switch m {
	case AutoCreate:
		return "autocreate"
	case DoNotAutoCreate:
		return "donotautocreate"
	case OnlyIfCached:
		return "onlyifcached"
	}
	return fmt.Sprintf("FetchMode(%d)", int(m))
}

// Account is an account as known by provisioning.
type Account struct {
	ID       string
	Name     string
	MailHost string // Server holding the mailbox.
}

// Provisioning provides the accounts of the cluster.
type Provisioning interface {
	// Account returns the account with the ID, or ErrNoSuchAccount.
	Account(ctx context.Context, accountID string) (Account, error)

	// LocalHost returns the name of this server, compared with the MailHost of
	// accounts.
	LocalHost() string
}

// Listener is notified of mailbox transitions. Methods are called
// synchronously, without locks of the manager held. Listeners must not rely on
// the order in which multiple listeners are called.
type Listener interface {
	// MailboxAvailable is called when maintenance on a mailbox ended and it can
	// be used again.
	MailboxAvailable(mb *mailbox.Mailbox)

	// MailboxLoaded is called when a mailbox was opened for the first time.
	MailboxLoaded(mb *mailbox.Mailbox)

	// MailboxCreated is called after a new mailbox was created.
	MailboxCreated(mb *mailbox.Mailbox)

	// MailboxDeleted is called when the mailbox of an account was removed from
	// this server, because it was deleted or moved.
	MailboxDeleted(accountID string)
}

// Options configure a Manager.
type Options struct {
	Store        store.Store
	Provisioning Provisioning

	// Used for new mailbox objects. The Store field is set from Store above.
	Mailbox mailbox.Options

	// Maximum number of live mailboxes kept in the cache. The least recently
	// used mailbox that is not locked is dropped when more are cached. Mailboxes
	// in maintenance don't count and are never dropped. Zero or negative means no
	// limit.
	CacheSize int
}

type slotKind int

const (
	slotMailbox slotKind = iota + 1
	slotMaintenance
)

// slot is the occupant of a cache entry: either a live mailbox or a maintenance
// token.
type slot struct {
	kind  slotKind
	mb    *mailbox.Mailbox
	maint *mailbox.Maintenance

	// Maintenance ended with evict, the mailbox is being purged. No one can
	// use the slot, not even owners of the token.
	evicting bool
}

func (s slot) String() string {
	switch s.kind {
	case slotMailbox:
		return s.mb.String()
	case slotMaintenance:
		if s.evicting {
			return "evicting " + s.maint.String()
		}
		return s.maint.String()
	}
	return "empty"
}

// usable returns whether the owner in ctx can use the mailbox in the slot.
func (s slot) usable(ctx context.Context) bool {
	switch s.kind {
	case slotMailbox:
		return true
	case slotMaintenance:
		return !s.evicting && s.maint.CanAccess(ctx)
	}
	return false
}

// Manager is the mailbox registry.
type Manager struct {
	log  mlog.Log
	opts Options

	// Protects fields below. Never held during I/O.
	sync.Mutex

	cache      map[int64]slot                  // By mailbox ID.
	lru        *list.List                      // Mailbox IDs with a live mailbox, most recently used first.
	lruElems   map[int64]*list.Element         // By mailbox ID, for slots in lru.
	accounts   map[string]int64                // Lower-case account ID to mailbox ID.
	lockouts   map[string]*mailbox.Maintenance // Lower-case account ID.
	listeners  map[int]Listener
	listenerID int
}

// NewManager returns a manager with an empty cache. The account to mailbox
// index is loaded from durable storage.
func NewManager(ctx context.Context, opts Options) (*Manager, error) {
	opts.Mailbox.Store = opts.Store
	m := &Manager{
		log:       pkglog,
		opts:      opts,
		cache:     map[int64]slot{},
		lru:       list.New(),
		lruElems:  map[int64]*list.Element{},
		accounts:  map[string]int64{},
		lockouts:  map[string]*mailbox.Maintenance{},
		listeners: map[int]Listener{},
	}
	rows, err := opts.Store.ListMailboxes(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing mailboxes: %w", err)
	}
	for _, row := range rows {
		m.accounts[strings.ToLower(row.AccountID)] = row.ID
	}
	m.log.Debug("mailbox manager initialized", slog.Int("mailboxes", len(rows)), slog.Int("cachesize", opts.CacheSize))
	return m, nil
}

// AddListener registers l. The returned function removes the listener.
func (m *Manager) AddListener(l Listener) (remove func()) {
	m.Lock()
	defer m.Unlock()
	m.listenerID++
	id := m.listenerID
	m.listeners[id] = l
	return func() {
		m.Lock()
		defer m.Unlock()
		delete(m.listeners, id)
	}
}

func (m *Manager) notify(kind string, fn func(l Listener)) {
	m.Lock()
	l := maps.Values(m.listeners)
	m.Unlock()
	metrics.NotifyInc(kind)
	for _, x := range l {
		fn(x)
	}
}

func (m *Manager) notifyAvailable(mb *mailbox.Mailbox) {
	m.notify("available", func(l Listener) { l.MailboxAvailable(mb) })
}

func (m *Manager) notifyLoaded(mb *mailbox.Mailbox) {
	m.notify("loaded", func(l Listener) { l.MailboxLoaded(mb) })
}

func (m *Manager) notifyCreated(mb *mailbox.Mailbox) {
	m.notify("created", func(l Listener) { l.MailboxCreated(mb) })
}

func (m *Manager) notifyDeleted(accountID string) {
	m.notify("deleted", func(l Listener) { l.MailboxDeleted(accountID) })
}

// cacheAccountLocked records the mailbox ID for an account. Must be called with
// lock held.
func (m *Manager) cacheAccountLocked(accountID string, mailboxID int64) {
	m.accounts[strings.ToLower(accountID)] = mailboxID
}

// cacheMailboxLocked puts a live mailbox in its slot, and drops the least
// recently used mailboxes when over the cache size. Must be called with lock
// held.
func (m *Manager) cacheMailboxLocked(mb *mailbox.Mailbox) {
	m.removeLocked(mb.ID)
	m.cache[mb.ID] = slot{kind: slotMailbox, mb: mb}
	m.lruElems[mb.ID] = m.lru.PushFront(mb.ID)
	m.shrinkLocked()
	metrics.MailboxCached(len(m.cache))
}

// cacheMaintenanceLocked puts a maintenance token in its slot. Must be called
// with lock held.
func (m *Manager) cacheMaintenanceLocked(mailboxID int64, mt *mailbox.Maintenance) {
	m.removeLocked(mailboxID)
	m.cache[mailboxID] = slot{kind: slotMaintenance, maint: mt}
	metrics.MailboxCached(len(m.cache))
}

// removeLocked empties a slot. Must be called with lock held.
func (m *Manager) removeLocked(mailboxID int64) {
	delete(m.cache, mailboxID)
	if e, ok := m.lruElems[mailboxID]; ok {
		m.lru.Remove(e)
		delete(m.lruElems, mailboxID)
	}
	metrics.MailboxCached(len(m.cache))
}

// touchLocked marks a live mailbox as most recently used.
func (m *Manager) touchLocked(mailboxID int64) {
	if e, ok := m.lruElems[mailboxID]; ok {
		m.lru.MoveToFront(e)
	}
}

// shrinkLocked drops least recently used mailboxes while over the cache size.
// Mailboxes that are not fully opened, in use (locked) or in maintenance are
// skipped.
func (m *Manager) shrinkLocked() {
	if m.opts.CacheSize <= 0 {
		return
	}
	e := m.lru.Back()
	for m.lru.Len() > m.opts.CacheSize && e != nil {
		prev := e.Prev()
		id := e.Value.(int64)
		mb := m.cache[id].mb
		if mb.IsOpen() && mb.Maintenance() == nil && mb.TryLock() {
			mb.Unlock()
			m.lru.Remove(e)
			delete(m.lruElems, id)
			delete(m.cache, id)
			m.log.Debug("dropped mailbox from cache", slog.Int64("mailboxid", id))
		}
		e = prev
	}
}

// CacheSize returns the number of occupied cache slots, with either a live
// mailbox or a maintenance token.
func (m *Manager) CacheSize() int {
	m.Lock()
	defer m.Unlock()
	return len(m.cache)
}

// LoadedMailboxes returns the cached mailboxes usable by the owner in ctx:
// mailboxes not in maintenance, and those in maintenance accessible to the
// owner.
func (m *Manager) LoadedMailboxes(ctx context.Context) []*mailbox.Mailbox {
	m.Lock()
	defer m.Unlock()
	var l []*mailbox.Mailbox
	for _, s := range m.cache {
		switch s.kind {
		case slotMailbox:
			l = append(l, s.mb)
		case slotMaintenance:
			if mb := s.maint.Mailbox(); mb != nil && s.usable(ctx) {
				l = append(l, mb)
			}
		}
	}
	sort.Slice(l, func(i, j int) bool { return l[i].ID < l[j].ID })
	return l
}

// IsLoadedAndAvailable returns whether the mailbox is cached and usable by the
// owner in ctx. If not, listeners are notified when it becomes loaded or
// available when it is used.
func (m *Manager) IsLoadedAndAvailable(ctx context.Context, mailboxID int64) bool {
	m.Lock()
	defer m.Unlock()
	s, ok := m.cache[mailboxID]
	return ok && s.usable(ctx)
}

// LookupMailboxID returns the mailbox ID for an account from the account
// index, without accessing durable storage.
func (m *Manager) LookupMailboxID(accountID string) (int64, bool) {
	m.Lock()
	defer m.Unlock()
	id, ok := m.accounts[strings.ToLower(accountID)]
	return id, ok
}

// AccountIDs returns the account IDs in the account index, sorted.
func (m *Manager) AccountIDs() []string {
	m.Lock()
	l := maps.Keys(m.accounts)
	m.Unlock()
	sort.Strings(l)
	return l
}

// MailboxIDs returns the IDs of all mailboxes in durable storage.
func (m *Manager) MailboxIDs(ctx context.Context) ([]int64, error) {
	rows, err := m.opts.Store.ListMailboxes(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	return ids, nil
}

// MailboxCount returns the number of mailboxes in durable storage.
func (m *Manager) MailboxCount(ctx context.Context) (int, error) {
	ids, err := m.MailboxIDs(ctx)
	return len(ids), err
}

// MailboxSizes returns the sizes of the mailboxes, or of all mailboxes if ids
// is nil.
func (m *Manager) MailboxSizes(ctx context.Context, ids []int64) (map[int64]int64, error) {
	return m.opts.Store.MailboxSizes(ctx, ids)
}

// PurgePendingMailboxes returns the mailboxes not purged since before.
func (m *Manager) PurgePendingMailboxes(ctx context.Context, before time.Time) ([]int64, error) {
	return m.opts.Store.ListPurgePending(ctx, before)
}

// DumpCache logs the account index and cache slots at debug level.
func (m *Manager) DumpCache() {
	if !m.log.Enabled(mlog.LevelDebug) {
		return
	}
	m.Lock()
	defer m.Unlock()
	for _, acc := range maps.Keys(m.accounts) {
		m.log.Debug("account index", slog.String("account", acc), slog.Int64("mailboxid", m.accounts[acc]))
	}
	for id, s := range m.cache {
		m.log.Debug("cache slot", slog.Int64("mailboxid", id), slog.String("occupant", s.String()))
	}
}
