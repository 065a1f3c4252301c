// Package mailbox implements the per-account mailbox object cached by the
// mailbox manager: opening from durable storage, content locking, maintenance
// (exclusive access), and folders with attributes synchronized through shared
// state.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mjl-/mboxcache/itemstate"
	"github.com/mjl-/mboxcache/mlog"
	"github.com/mjl-/mboxcache/sharedstate"
	"github.com/mjl-/mboxcache/store"
)

var pkglog = mlog.New("mailbox", nil)

var (
	ErrInMaintenance = errors.New("mailbox in maintenance")
	ErrNotOpen       = errors.New("mailbox not open")
	ErrFolderExists  = errors.New("folder already exists")
	ErrNoSuchFolder  = errors.New("no such folder")
)

// Options are the collaborators of a mailbox.
type Options struct {
	Store  store.Store
	Shared sharedstate.Store // Optional. If set, attributes are mirrored in the shared store.
	Index  IndexStore        // Optional.

	// Folders created for a new mailbox, after Inbox. If empty,
	// store.InitialFolders is used.
	InitialFolders []string
}

// Mailbox is the mailbox of a single account.
type Mailbox struct {
	ID        int64
	AccountID string

	// Write lock must be held for changes to folders, read lock for reading
	// folders.
	sync.RWMutex

	opts Options
	log  mlog.Log

	openMutex sync.Mutex // Held during Open.

	mu    sync.Mutex // Protects fields below.
	open  bool
	maint *Maintenance
	depth int // Nesting of maintenance.
	items map[int64]*Item

	state      *itemstate.State
	size       *itemstate.Field[int64]
	itemCount  *itemstate.Field[int]
	lastItemID *itemstate.Field[int64]
}

// ObjectKey returns the key of a mailbox in the shared store.
func ObjectKey(mailboxID int64) string {
	return fmt.Sprintf("mbox-%d", mailboxID)
}

// New returns a mailbox that is not yet open.
func New(accountID string, id int64, opts Options) *Mailbox {
	s := itemstate.NewState(ObjectKey(id))
	return &Mailbox{
		ID:         id,
		AccountID:  accountID,
		opts:       opts,
		log:        pkglog.With(slog.Int64("mailboxid", id), slog.String("account", accountID)),
		items:      map[int64]*Item{},
		state:      s,
		size:       itemstate.NewField(s, "size", itemstate.Int64),
		itemCount:  itemstate.NewField(s, "item_count", itemstate.Int),
		lastItemID: itemstate.NewField(s, "last_item_id", itemstate.Int64),
	}
}

func (m *Mailbox) String() string {
	return fmt.Sprintf("mailbox(id=%d account=%s)", m.ID, m.AccountID)
}

// IsOpen returns whether Open completed.
func (m *Mailbox) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// Open loads the folders of the mailbox, creating the initial folders for a new
// mailbox, and attaches shared state. Open returns true for the call that
// opened the mailbox, false if it was already open. Concurrent calls wait for
// the first to complete. After an error, Open can be called again.
func (m *Mailbox) Open(ctx context.Context) (first bool, rerr error) {
	m.openMutex.Lock()
	defer m.openMutex.Unlock()

	if m.IsOpen() {
		return false, nil
	}

	row, err := m.opts.Store.Mailbox(ctx, m.ID)
	if err != nil {
		return false, fmt.Errorf("get mailbox: %w", err)
	}
	folders, err := m.opts.Store.Folders(ctx, m.ID)
	if err != nil {
		return false, fmt.Errorf("get folders: %w", err)
	}
	stats := store.Stats{Size: row.Size, ItemCount: row.ItemCount, LastItemID: row.LastItemID}
	if len(folders) == 0 {
		folders, stats, err = m.initFolders(ctx, stats)
		if err != nil {
			return false, err
		}
	}

	items := map[int64]*Item{}
	for _, f := range folders {
		items[f.ItemID] = newItem(f)
	}

	m.mu.Lock()
	m.items = items
	m.mu.Unlock()
	m.size.SetDefault(stats.Size)
	m.itemCount.SetDefault(stats.ItemCount)
	m.lastItemID.SetDefault(stats.LastItemID)

	if m.opts.Shared != nil {
		n := m.state.Join(ctx, m.opts.Shared.Accessor(ObjectKey(m.ID)))
		for _, it := range items {
			n += it.state.Join(ctx, m.opts.Shared.Accessor(ItemObjectKey(m.ID, it.ID)))
		}
		m.log.Debug("attached shared state", slog.Int("synced", n))
	}

	m.mu.Lock()
	m.open = true
	m.mu.Unlock()
	m.log.Debug("mailbox opened", slog.Int("folders", len(items)))
	return true, nil
}

// initFolders creates the initial folders for a new mailbox.
func (m *Mailbox) initFolders(ctx context.Context, stats store.Stats) ([]store.Folder, store.Stats, error) {
	names := store.InitialFolders
	if len(m.opts.InitialFolders) > 0 {
		names = []string{"Inbox"}
		for _, name := range m.opts.InitialFolders {
			if !strings.EqualFold(name, "Inbox") {
				names = append(names, name)
			}
		}
	}
	now := time.Now()
	var folders []store.Folder
	for _, name := range names {
		stats.LastItemID++
		folders = append(folders, store.Folder{MailboxID: m.ID, ItemID: stats.LastItemID, Name: name, Created: now})
	}
	stats.ItemCount += len(folders)
	if err := m.opts.Store.InsertFolders(ctx, m.ID, folders); err != nil {
		return nil, stats, fmt.Errorf("creating initial folders: %w", err)
	}
	if err := m.opts.Store.UpdateStats(ctx, m.ID, stats); err != nil {
		return nil, stats, fmt.Errorf("updating mailbox stats: %w", err)
	}
	m.log.Debug("created initial folders", slog.Any("folders", names))
	return folders, stats, nil
}

// WithWLock runs fn with the mailbox write lock held.
func (m *Mailbox) WithWLock(fn func()) {
	m.Lock()
	defer m.Unlock()
	fn()
}

// WithRLock runs fn with the mailbox read lock held.
func (m *Mailbox) WithRLock(fn func()) {
	m.RLock()
	defer m.RUnlock()
	fn()
}

// BeginMaintenance puts the mailbox in maintenance, returning the token. The
// owner in ctx (or a new owner if ctx has none) is allowed access. If the
// mailbox is already in maintenance, and nested maintenance is allowed and the
// owner in ctx has access, the existing token is returned and the nesting
// depth increased. Otherwise ErrInMaintenance is returned.
func (m *Mailbox) BeginMaintenance(ctx context.Context) (*Maintenance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maint != nil {
		if m.maint.NestedAllowed() && m.maint.CanAccess(ctx) {
			m.depth++
			m.log.Debug("nested maintenance", slog.Int("depth", m.depth))
			return m.maint, nil
		}
		return nil, ErrInMaintenance
	}
	mt := NewMaintenance(ctx, m.AccountID, m.ID)
	mt.mb = m
	m.maint = mt
	m.depth = 1
	return mt, nil
}

// adoptMaintenance puts the mailbox in maintenance under an existing token.
func (m *Mailbox) adoptMaintenance(mt *Maintenance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maint == nil {
		m.maint = mt
		m.depth = 1
	}
}

// EndMaintenance ends one level of maintenance. It returns whether the mailbox
// is still in maintenance, which is the case when ending a nested maintenance.
// An unsuccessful end clears all levels.
func (m *Mailbox) EndMaintenance(success bool) (stillInMaintenance bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maint == nil {
		return false
	}
	if !success {
		m.maint = nil
		m.depth = 0
		return false
	}
	m.depth--
	if m.depth > 0 {
		return true
	}
	m.maint = nil
	return false
}

// Maintenance returns the active maintenance token, or nil.
func (m *Mailbox) Maintenance() *Maintenance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maint
}

// Purge drops the folders of the mailbox from memory, unbinds shared state and
// releases index resources. Entries in the shared store are kept for other
// processes serving the mailbox. The mailbox must be opened again before use.
func (m *Mailbox) Purge(ctx context.Context) error {
	m.mu.Lock()
	items := m.items
	m.items = map[int64]*Item{}
	m.open = false
	m.mu.Unlock()

	for _, it := range items {
		it.state.Unbind()
	}
	m.state.Unbind()

	if m.opts.Index != nil {
		if err := m.opts.Index.Evict(ctx, m.ID); err != nil {
			m.log.Errorx("evicting index", err)
		}
	}
	err := m.opts.Store.MarkPurged(ctx, m.ID, time.Now())
	if err != nil && !errors.Is(err, store.ErrAbsent) {
		return fmt.Errorf("marking mailbox purged: %w", err)
	}
	m.log.Debug("mailbox purged", slog.Int("folders", len(items)))
	return nil
}

// DeleteSharedState removes the entries of the mailbox and its folders from the
// shared store, for a mailbox that is deleted. Values are kept in memory.
func (m *Mailbox) DeleteSharedState(ctx context.Context) {
	for _, it := range m.Items() {
		it.state.Detach(ctx)
	}
	m.state.Detach(ctx)
}

// State returns the synchronized mailbox-level state.
func (m *Mailbox) State() *itemstate.State {
	return m.state
}

// Items returns the folders, ordered by ID.
func (m *Mailbox) Items() []*Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := make([]*Item, 0, len(m.items))
	for _, it := range m.items {
		l = append(l, it)
	}
	sort.Slice(l, func(i, j int) bool { return l[i].ID < l[j].ID })
	return l
}

// Item returns the folder with the given ID, or nil.
func (m *Mailbox) Item(id int64) *Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[id]
}

// FolderByName returns the folder with the name and parent, compared
// case-insensitively, or nil.
func (m *Mailbox) FolderByName(ctx context.Context, parentID int64, name string) *Item {
	for _, it := range m.Items() {
		if it.ParentID(ctx) == parentID && strings.EqualFold(it.Name(ctx), name) {
			return it
		}
	}
	return nil
}

// CreateFolder adds a folder. Must be called with the write lock held.
func (m *Mailbox) CreateFolder(ctx context.Context, parentID int64, name string) (*Item, error) {
	if !m.IsOpen() {
		return nil, ErrNotOpen
	}
	if parentID != 0 && m.Item(parentID) == nil {
		return nil, ErrNoSuchFolder
	}
	if m.FolderByName(ctx, parentID, name) != nil {
		return nil, ErrFolderExists
	}

	m.lastItemID.Refresh(ctx)
	id, _ := m.lastItemID.Local()
	id++
	f := store.Folder{MailboxID: m.ID, ItemID: id, ParentID: parentID, Name: name, Created: time.Now()}
	if err := m.opts.Store.InsertFolders(ctx, m.ID, []store.Folder{f}); err != nil {
		return nil, fmt.Errorf("inserting folder: %w", err)
	}
	m.lastItemID.Set(ctx, id, itemstate.Default)
	m.itemCount.Refresh(ctx)
	n, _ := m.itemCount.Local()
	m.itemCount.Set(ctx, n+1, itemstate.Default)

	it := newItem(f)
	if m.opts.Shared != nil {
		it.state.Attach(ctx, m.opts.Shared.Accessor(ItemObjectKey(m.ID, id)))
	}
	m.mu.Lock()
	m.items[id] = it
	m.mu.Unlock()

	if err := m.SaveStats(ctx); err != nil {
		return it, err
	}
	m.log.Debug("folder created", slog.Int64("itemid", id), slog.String("name", name))
	return it, nil
}

// Size returns the total size of the mailbox in bytes.
func (m *Mailbox) Size(ctx context.Context) int64 {
	return m.size.Get(ctx)
}

// AddSize adjusts the size of the mailbox by delta, based on the latest size
// from the shared store.
func (m *Mailbox) AddSize(ctx context.Context, delta int64) int64 {
	m.size.Refresh(ctx)
	v, _ := m.size.Local()
	v += delta
	m.size.Set(ctx, v, itemstate.Default)
	return v
}

func (m *Mailbox) ItemCount(ctx context.Context) int {
	return m.itemCount.Get(ctx)
}

func (m *Mailbox) LastItemID(ctx context.Context) int64 {
	return m.lastItemID.Get(ctx)
}

// SaveStats writes the current size, item count and last item ID to durable
// storage.
func (m *Mailbox) SaveStats(ctx context.Context) error {
	stats := store.Stats{
		Size:       m.size.Get(ctx),
		ItemCount:  m.itemCount.Get(ctx),
		LastItemID: m.lastItemID.Get(ctx),
	}
	if err := m.opts.Store.UpdateStats(ctx, m.ID, stats); err != nil {
		return fmt.Errorf("updating mailbox stats: %w", err)
	}
	return nil
}
