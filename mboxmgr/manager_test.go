package mboxmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mjl-/mboxcache/mailbox"
	"github.com/mjl-/mboxcache/mlog"
	"github.com/mjl-/mboxcache/sharedstate"
	"github.com/mjl-/mboxcache/store"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, expect any) {
	t.Helper()
	if !reflect.DeepEqual(got, expect) {
		t.Fatalf("got:\n%#v\nexpected:\n%#v", got, expect)
	}
}

func terr(t *testing.T, err, expErr error, msg string) {
	t.Helper()
	if !errors.Is(err, expErr) {
		t.Fatalf("%s: got err %v, expected %v", msg, err, expErr)
	}
}

type provisioning struct {
	host     string
	accounts map[string]Account
}

func (p provisioning) Account(ctx context.Context, accountID string) (Account, error) {
	acc, ok := p.accounts[strings.ToLower(accountID)]
	if !ok {
		return Account{}, fmt.Errorf("%w: %q", ErrNoSuchAccount, accountID)
	}
	return acc, nil
}

func (p provisioning) LocalHost() string {
	return p.host
}

func newProvisioning() provisioning {
	p := provisioning{host: "mail1", accounts: map[string]Account{}}
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("a%d", i)
		p.accounts[id] = Account{ID: id, Name: id + "@example.org", MailHost: "mail1"}
	}
	p.accounts["moved"] = Account{ID: "moved", Name: "moved@example.org", MailHost: "mail2"}
	return p
}

// countingStore counts creates of mailbox rows.
type countingStore struct {
	store.Store
	creates atomic.Int32
}

func (s *countingStore) CreateMailbox(ctx context.Context, accountID string) (store.MailboxRow, error) {
	s.creates.Add(1)
	return s.Store.CreateMailbox(ctx, accountID)
}

// failingStore fails reading mailbox rows, reading folders or creating
// mailboxes while the corresponding flag is set.
type failingStore struct {
	store.Store
	failMailbox, failFolders, failCreate atomic.Bool
}

var errStore = errors.New("store unavailable")

func (s *failingStore) Mailbox(ctx context.Context, id int64) (store.MailboxRow, error) {
	if s.failMailbox.Load() {
		return store.MailboxRow{}, errStore
	}
	return s.Store.Mailbox(ctx, id)
}

func (s *failingStore) Folders(ctx context.Context, mailboxID int64) ([]store.Folder, error) {
	if s.failFolders.Load() {
		return nil, errStore
	}
	return s.Store.Folders(ctx, mailboxID)
}

func (s *failingStore) CreateMailbox(ctx context.Context, accountID string) (store.MailboxRow, error) {
	if s.failCreate.Load() {
		return store.MailboxRow{}, errStore
	}
	return s.Store.CreateMailbox(ctx, accountID)
}

// blockingIndex blocks evictions until released.
type blockingIndex struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingIndex) Evict(ctx context.Context, mailboxID int64) error {
	close(b.entered)
	<-b.release
	return nil
}

type recorder struct {
	sync.Mutex
	events []string
}

func (r *recorder) add(kind, accountID string) {
	r.Lock()
	defer r.Unlock()
	r.events = append(r.events, kind+" "+accountID)
}

func (r *recorder) MailboxAvailable(mb *mailbox.Mailbox) { r.add("available", mb.AccountID) }
func (r *recorder) MailboxLoaded(mb *mailbox.Mailbox)    { r.add("loaded", mb.AccountID) }
func (r *recorder) MailboxCreated(mb *mailbox.Mailbox)   { r.add("created", mb.AccountID) }
func (r *recorder) MailboxDeleted(accountID string)      { r.add("deleted", accountID) }

// take returns and clears the recorded events.
func (r *recorder) take() []string {
	r.Lock()
	defer r.Unlock()
	l := r.events
	r.events = nil
	return l
}

func (r *recorder) count(event string) int {
	r.Lock()
	defer r.Unlock()
	var n int
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

type evictRecorder struct {
	sync.Mutex
	evicted []int64
}

func (r *evictRecorder) Evict(ctx context.Context, mailboxID int64) error {
	r.Lock()
	defer r.Unlock()
	r.evicted = append(r.evicted, mailboxID)
	return nil
}

type testEnv struct {
	db    *countingStore
	mgr   *Manager
	rec   *recorder
	index *evictRecorder
	opts  Options
}

func newEnv(t *testing.T, cacheSize int) *testEnv {
	t.Helper()
	mlog.SetConfig(map[string]slog.Level{"": mlog.LevelDebug})
	db, err := store.Open(ctxbg, filepath.Join(t.TempDir(), "mailboxes.db"))
	tcheck(t, err, "open store")
	t.Cleanup(func() { db.Close() })

	env := &testEnv{db: &countingStore{Store: db}, rec: &recorder{}, index: &evictRecorder{}}
	env.opts = Options{
		Store:        env.db,
		Provisioning: newProvisioning(),
		Mailbox: mailbox.Options{
			Shared: sharedstate.NewMemory(),
			Index:  env.index,
		},
		CacheSize: cacheSize,
	}
	env.mgr, err = NewManager(ctxbg, env.opts)
	tcheck(t, err, "new manager")
	env.mgr.AddListener(env.rec)
	return env
}

func ownerContext() context.Context {
	return mailbox.WithOwner(ctxbg, mailbox.NewOwner())
}

func TestResolve(t *testing.T) {
	env := newEnv(t, 0)
	mgr := env.mgr

	mb, err := mgr.Resolve(ctxbg, "a1", OnlyIfCached)
	tcheck(t, err, "resolve only if cached")
	tcompare(t, mb == nil, true)
	mb, err = mgr.Resolve(ctxbg, "a1", DoNotAutoCreate)
	tcheck(t, err, "resolve without autocreate")
	tcompare(t, mb == nil, true)
	tcompare(t, env.db.creates.Load(), int32(0))

	mb, err = mgr.Resolve(ctxbg, "a1", AutoCreate)
	tcheck(t, err, "resolve with autocreate")
	tcompare(t, mb.IsOpen(), true)
	tcompare(t, mb.AccountID, "a1")
	tcompare(t, env.rec.take(), []string{"loaded a1", "created a1"})

	// Account IDs are case-insensitive.
	mb2, err := mgr.Resolve(ctxbg, "A1", AutoCreate)
	tcheck(t, err, "resolve again")
	tcompare(t, mb2 == mb, true)
	mb2, err = mgr.Resolve(ctxbg, "a1", OnlyIfCached)
	tcheck(t, err, "resolve cached")
	tcompare(t, mb2 == mb, true)
	mb2, err = mgr.ResolveByID(ctxbg, mb.ID, DoNotAutoCreate, false)
	tcheck(t, err, "resolve by id")
	tcompare(t, mb2 == mb, true)
	tcompare(t, env.db.creates.Load(), int32(1))
	tcompare(t, env.rec.take(), []string(nil))

	id, ok := mgr.LookupMailboxID("A1")
	tcompare(t, ok, true)
	tcompare(t, id, mb.ID)

	_, err = mgr.Resolve(ctxbg, "nobody", AutoCreate)
	terr(t, err, ErrNoSuchAccount, "resolve unknown account")
	_, err = mgr.Resolve(ctxbg, "", AutoCreate)
	terr(t, err, ErrNoSuchAccount, "resolve empty account")

	_, err = mgr.Resolve(ctxbg, "moved", AutoCreate)
	terr(t, err, ErrWrongHost, "resolve account on other host")
	var whe *WrongHostError
	if !errors.As(err, &whe) || whe.MailHost != "mail2" {
		t.Fatalf("got %#v, expected WrongHostError for mail2", err)
	}

	_, err = mgr.ResolveByID(ctxbg, 999, DoNotAutoCreate, false)
	terr(t, err, ErrNoSuchMailbox, "resolve unknown mailbox id")
	_, err = mgr.ResolveByID(ctxbg, 0, DoNotAutoCreate, false)
	terr(t, err, ErrNoSuchMailbox, "resolve zero mailbox id")

	// Mailbox of an account that moved to another server.
	row, err := env.db.Store.CreateMailbox(ctxbg, "moved")
	tcheck(t, err, "create mailbox row")
	_, err = mgr.ResolveByID(ctxbg, row.ID, DoNotAutoCreate, false)
	terr(t, err, ErrWrongHost, "resolve moved mailbox")
	mbm, err := mgr.ResolveByID(ctxbg, row.ID, DoNotAutoCreate, true)
	tcheck(t, err, "resolve moved mailbox skipping home check")
	tcompare(t, mbm.AccountID, "moved")

	// A new manager loads the account index, but no mailboxes.
	mgr2, err := NewManager(ctxbg, env.opts)
	tcheck(t, err, "new manager")
	id, ok = mgr2.LookupMailboxID("a1")
	tcompare(t, ok, true)
	tcompare(t, id, mb.ID)
	tcompare(t, mgr2.CacheSize(), 0)
	mb2, err = mgr2.Resolve(ctxbg, "a1", OnlyIfCached)
	tcheck(t, err, "resolve only if cached")
	tcompare(t, mb2 == nil, true)
	mb2, err = mgr2.Resolve(ctxbg, "a1", DoNotAutoCreate)
	tcheck(t, err, "resolve existing mailbox")
	tcompare(t, mb2.ID, mb.ID)
	tcompare(t, mb2 == mb, false)
}

func TestConcurrentResolve(t *testing.T) {
	env := newEnv(t, 0)
	mgr := env.mgr

	const n = 20
	var mbs [n]*mailbox.Mailbox
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			mb, err := mgr.Resolve(ctxbg, "a1", AutoCreate)
			mbs[i] = mb
			return err
		})
	}
	tcheck(t, g.Wait(), "concurrent resolve")

	for i := 1; i < n; i++ {
		if mbs[i] != mbs[0] {
			t.Fatalf("resolve %d returned different mailbox object", i)
		}
	}
	rows, err := env.db.ListMailboxes(ctxbg)
	tcheck(t, err, "list mailboxes")
	tcompare(t, len(rows), 1)
	tcompare(t, env.rec.count("created a1"), 1)
	tcompare(t, env.rec.count("loaded a1"), 1)
	tcompare(t, mgr.CacheSize(), 1)

	// Concurrent loads of an existing mailbox in a fresh manager.
	mgr2, err := NewManager(ctxbg, env.opts)
	tcheck(t, err, "new manager")
	rec := &recorder{}
	mgr2.AddListener(rec)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			mb, err := mgr2.ResolveByID(ctxbg, rows[0].ID, DoNotAutoCreate, false)
			mbs[i] = mb
			return err
		})
	}
	tcheck(t, g.Wait(), "concurrent resolve by id")
	for i := 1; i < n; i++ {
		if mbs[i] != mbs[0] {
			t.Fatalf("resolve by id %d returned different mailbox object", i)
		}
	}
	tcompare(t, rec.take(), []string{"loaded a1"})
}

func TestMaintenance(t *testing.T) {
	env := newEnv(t, 0)
	mgr := env.mgr

	mb, err := mgr.CreateMailbox(ctxbg, "a1")
	tcheck(t, err, "create mailbox")
	env.rec.take()

	ctx1 := ownerContext()
	mt, err := mgr.BeginMaintenance(ctx1, "a1", mb.ID)
	tcheck(t, err, "begin maintenance")
	tcompare(t, mt.MailboxID, mb.ID)
	tcompare(t, mt.Mailbox() == mb, true)

	_, err = mgr.Resolve(ctxbg, "a1", DoNotAutoCreate)
	terr(t, err, ErrInMaintenance, "resolve by other owner")
	var me *MaintenanceError
	if !errors.As(err, &me) || me.LockedOut || me.MailboxID != mb.ID {
		t.Fatalf("got %#v, expected MaintenanceError without lockout", err)
	}
	_, err = mgr.Resolve(ctxbg, "a1", OnlyIfCached)
	terr(t, err, ErrInMaintenance, "resolve cached by other owner")

	mb2, err := mgr.Resolve(ctx1, "a1", DoNotAutoCreate)
	tcheck(t, err, "resolve by maintenance owner")
	tcompare(t, mb2 == mb, true)

	_, err = mgr.BeginMaintenance(ctxbg, "a1", mb.ID)
	terr(t, err, ErrAlreadyInMaintenance, "begin maintenance by other owner")
	_, err = mgr.BeginMaintenance(ctx1, "a1", mb.ID)
	terr(t, err, ErrAlreadyInMaintenance, "begin nested maintenance while not allowed")

	tcompare(t, mgr.IsLoadedAndAvailable(ctxbg, mb.ID), false)
	tcompare(t, mgr.IsLoadedAndAvailable(ctx1, mb.ID), true)
	tcompare(t, len(mgr.LoadedMailboxes(ctxbg)), 0)
	tcompare(t, mgr.LoadedMailboxes(ctx1), []*mailbox.Mailbox{mb})
	tcompare(t, mgr.CacheSize(), 1)

	other := mailbox.NewMaintenance(ctxbg, "a1", mb.ID)
	err = mgr.EndMaintenance(ctxbg, other, true, false)
	terr(t, err, ErrWrongToken, "end maintenance with other token")
	err = mgr.EndMaintenance(ctxbg, nil, true, false)
	terr(t, err, ErrWrongToken, "end maintenance without token")

	err = mgr.EndMaintenance(ctx1, mt, true, false)
	tcheck(t, err, "end maintenance")
	tcompare(t, env.rec.take(), []string{"available a1"})
	tcompare(t, mb.Maintenance() == nil, true)
	mb2, err = mgr.Resolve(ctxbg, "a1", DoNotAutoCreate)
	tcheck(t, err, "resolve after maintenance")
	tcompare(t, mb2 == mb, true)
	tcompare(t, mgr.IsLoadedAndAvailable(ctxbg, mb.ID), true)

	err = mgr.EndMaintenance(ctx1, mt, true, false)
	terr(t, err, ErrWrongToken, "end maintenance again")
}

func TestMaintenanceEvict(t *testing.T) {
	env := newEnv(t, 0)
	mgr := env.mgr

	mb, err := mgr.CreateMailbox(ctxbg, "a1")
	tcheck(t, err, "create mailbox")
	env.rec.take()

	ctx1 := ownerContext()
	mt, err := mgr.BeginMaintenance(ctx1, "a1", mb.ID)
	tcheck(t, err, "begin maintenance")
	err = mgr.EndMaintenance(ctx1, mt, true, true)
	tcheck(t, err, "end maintenance with evict")
	tcompare(t, env.rec.take(), []string{"available a1"})
	tcompare(t, env.index.evicted, []int64{mb.ID})
	tcompare(t, mgr.CacheSize(), 0)

	// The evicted object stays in maintenance, a new object is loaded.
	tcompare(t, mb.Maintenance() == mt, true)
	tcompare(t, mb.IsOpen(), false)
	mb2, err := mgr.Resolve(ctxbg, "a1", DoNotAutoCreate)
	tcheck(t, err, "resolve after evict")
	tcompare(t, mb2 == mb, false)
	tcompare(t, mb2.ID, mb.ID)
	tcompare(t, env.rec.take(), []string{"loaded a1"})

	// Evict through the helper.
	err = mgr.Evict(ctxbg, "a1")
	tcheck(t, err, "evict")
	tcompare(t, mgr.CacheSize(), 0)
	err = mgr.Evict(ctxbg, "a2")
	terr(t, err, ErrNoSuchMailbox, "evict account without mailbox")
}

func TestMaintenanceEvictInProgress(t *testing.T) {
	env := newEnv(t, 0)
	idx := &blockingIndex{entered: make(chan struct{}), release: make(chan struct{})}
	env.opts.Mailbox.Index = idx
	mgr, err := NewManager(ctxbg, env.opts)
	tcheck(t, err, "new manager")

	mb, err := mgr.CreateMailbox(ctxbg, "a1")
	tcheck(t, err, "create mailbox")
	mb.AddSize(ctxbg, 100)

	ctx1 := ownerContext()
	mt, err := mgr.BeginMaintenance(ctx1, "a1", mb.ID)
	tcheck(t, err, "begin maintenance")
	done := make(chan error, 1)
	go func() {
		done <- mgr.EndMaintenance(ctx1, mt, true, true)
	}()
	<-idx.entered

	// While the mailbox is purged, no one can use or load it.
	_, err = mgr.Resolve(ctxbg, "a1", DoNotAutoCreate)
	terr(t, err, ErrInMaintenance, "resolve during eviction")
	_, err = mgr.Resolve(ctx1, "a1", DoNotAutoCreate)
	terr(t, err, ErrInMaintenance, "resolve by owner during eviction")
	_, err = mgr.ResolveByID(ctxbg, mb.ID, AutoCreate, false)
	terr(t, err, ErrInMaintenance, "resolve by id during eviction")
	_, err = mgr.BeginMaintenance(ctxbg, "a1", mb.ID)
	terr(t, err, ErrAlreadyInMaintenance, "begin maintenance during eviction")
	err = mgr.EndMaintenance(ctx1, mt, true, true)
	terr(t, err, ErrWrongToken, "end maintenance again during eviction")
	tcompare(t, mgr.IsLoadedAndAvailable(ctx1, mb.ID), false)
	tcompare(t, len(mgr.LoadedMailboxes(ctx1)), 0)
	tcompare(t, mgr.CacheSize(), 1)

	close(idx.release)
	tcheck(t, <-done, "end maintenance with evict")
	tcompare(t, mgr.CacheSize(), 0)

	// The new mailbox object continues with the shared state.
	mb2, err := mgr.Resolve(ctxbg, "a1", DoNotAutoCreate)
	tcheck(t, err, "resolve after eviction")
	tcompare(t, mb2 == mb, false)
	tcompare(t, mb2.State().Attached(), true)
	tcompare(t, mb2.Size(ctxbg), int64(100))
	shared := env.opts.Mailbox.Shared.(*sharedstate.Memory)
	tcompare(t, shared.Len(mailbox.ObjectKey(mb.ID)) > 0, true)
	tcompare(t, mb.State().Attached(), false)
}

func TestStoreFailure(t *testing.T) {
	env := newEnv(t, 0)
	fs := &failingStore{Store: env.db}
	env.opts.Store = fs
	mgr, err := NewManager(ctxbg, env.opts)
	tcheck(t, err, "new manager")

	// Failing insert of the mailbox row.
	fs.failCreate.Store(true)
	_, err = mgr.Resolve(ctxbg, "a1", AutoCreate)
	terr(t, err, errStore, "create with failing store")
	tcompare(t, mgr.CacheSize(), 0)
	_, ok := mgr.LookupMailboxID("a1")
	tcompare(t, ok, false)
	fs.failCreate.Store(false)
	mb, err := mgr.Resolve(ctxbg, "a1", AutoCreate)
	tcheck(t, err, "create after failure")
	tcompare(t, mgr.CacheSize(), 1)

	// Failing read of the mailbox row, in a manager without cached mailboxes.
	mgr2, err := NewManager(ctxbg, env.opts)
	tcheck(t, err, "new manager")
	fs.failMailbox.Store(true)
	_, err = mgr2.Resolve(ctxbg, "a1", DoNotAutoCreate)
	terr(t, err, errStore, "resolve with failing store")
	tcompare(t, mgr2.CacheSize(), 0)
	fs.failMailbox.Store(false)

	// Failing open of the mailbox empties the slot.
	fs.failFolders.Store(true)
	_, err = mgr2.ResolveByID(ctxbg, mb.ID, DoNotAutoCreate, false)
	terr(t, err, errStore, "resolve by id with failing open")
	tcompare(t, mgr2.CacheSize(), 0)
	tcompare(t, len(mgr2.LoadedMailboxes(ctxbg)), 0)
	fs.failFolders.Store(false)

	mb2, err := mgr2.Resolve(ctxbg, "a1", DoNotAutoCreate)
	tcheck(t, err, "resolve after failures")
	tcompare(t, mb2.ID, mb.ID)
	tcompare(t, mb2.IsOpen(), true)
	tcompare(t, mgr2.CacheSize(), 1)
}

func TestMaintenanceFailed(t *testing.T) {
	env := newEnv(t, 0)
	mgr := env.mgr

	mb, err := mgr.CreateMailbox(ctxbg, "a1")
	tcheck(t, err, "create mailbox")
	env.rec.take()

	ctx1 := ownerContext()
	mt, err := mgr.BeginMaintenance(ctx1, "a1", mb.ID)
	tcheck(t, err, "begin maintenance")
	err = mgr.EndMaintenance(ctx1, mt, false, false)
	tcheck(t, err, "end failed maintenance")
	tcompare(t, mt.Unavailable(), true)
	tcompare(t, mt.CanAccess(ctx1), false)
	tcompare(t, env.rec.take(), []string(nil))
	tcompare(t, mgr.CacheSize(), 0)

	err = mgr.EndMaintenance(ctx1, mt, true, false)
	terr(t, err, ErrWrongToken, "end failed maintenance again")

	_, err = mgr.Resolve(ctxbg, "a1", DoNotAutoCreate)
	tcheck(t, err, "resolve after failed maintenance")
}

func TestConcurrentBeginMaintenance(t *testing.T) {
	env := newEnv(t, 0)
	mgr := env.mgr

	mb, err := mgr.CreateMailbox(ctxbg, "a1")
	tcheck(t, err, "create mailbox")

	var started, rejected atomic.Int32
	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			_, err := mgr.BeginMaintenance(ownerContext(), "a1", mb.ID)
			if err == nil {
				started.Add(1)
				return nil
			} else if errors.Is(err, ErrAlreadyInMaintenance) {
				rejected.Add(1)
				return nil
			}
			return err
		})
	}
	tcheck(t, g.Wait(), "concurrent begin maintenance")
	tcompare(t, started.Load(), int32(1))
	tcompare(t, rejected.Load(), int32(9))
}

func TestMaintenanceWithoutMailbox(t *testing.T) {
	env := newEnv(t, 0)
	mgr := env.mgr

	ctx1 := ownerContext()
	mt, err := mgr.BeginMaintenance(ctx1, "a5", 500)
	tcheck(t, err, "begin maintenance for account without mailbox")
	tcompare(t, mt.Mailbox() == nil, true)
	tcompare(t, mgr.CacheSize(), 1)

	_, err = mgr.BeginMaintenance(ctxbg, "a5", 500)
	terr(t, err, ErrAlreadyInMaintenance, "begin maintenance again")
	_, err = mgr.ResolveByID(ctxbg, 500, DoNotAutoCreate, false)
	terr(t, err, ErrInMaintenance, "resolve by other owner")
	_, err = mgr.ResolveByID(ctx1, 500, DoNotAutoCreate, false)
	terr(t, err, ErrNoSuchMailbox, "resolve by owner before mailbox exists")
	_, err = mgr.BeginMaintenance(ctxbg, "a4", 0)
	terr(t, err, ErrNoSuchMailbox, "begin maintenance without mailbox id")

	err = mgr.EndMaintenance(ctx1, mt, true, false)
	tcheck(t, err, "end maintenance")
	tcompare(t, mgr.CacheSize(), 0)
	tcompare(t, env.rec.take(), []string(nil))

	// Mailbox can still be created normally.
	mb, err := mgr.Resolve(ctxbg, "a5", AutoCreate)
	tcheck(t, err, "create mailbox")
	tcompare(t, mb.AccountID, "a5")
}

func TestLockout(t *testing.T) {
	env := newEnv(t, 0)
	mgr := env.mgr

	mb, err := mgr.CreateMailbox(ctxbg, "a1")
	tcheck(t, err, "create mailbox")

	err = mgr.Lockout(ctxbg, "a1")
	tcheck(t, err, "lockout")
	tcompare(t, mgr.IsLockedOut("A1"), true)
	tcompare(t, mgr.LockedOut(), []string{"a1"})
	err = mgr.Lockout(ctxbg, "a1")
	terr(t, err, ErrAlreadyInMaintenance, "lockout again")

	_, err = mgr.Resolve(ctxbg, "a1", DoNotAutoCreate)
	var me *MaintenanceError
	if !errors.As(err, &me) || !me.LockedOut {
		t.Fatalf("got %#v, expected MaintenanceError with lockout", err)
	}

	// An outer owner can use the mailbox and start nested maintenance.
	ctx2 := mgr.RegisterOuterMaintenanceOwner(ctxbg, "a1")
	mb2, err := mgr.Resolve(ctx2, "a1", DoNotAutoCreate)
	tcheck(t, err, "resolve by outer owner")
	tcompare(t, mb2 == mb, true)

	mt, err := mgr.BeginMaintenance(ctx2, "a1", mb.ID)
	tcheck(t, err, "begin nested maintenance")
	err = mgr.EndMaintenance(ctx2, mt, true, false)
	tcheck(t, err, "end nested maintenance")
	_, err = mgr.Resolve(ctxbg, "a1", DoNotAutoCreate)
	terr(t, err, ErrInMaintenance, "resolve after nested maintenance")

	// Evicting in nested maintenance, the lockout applies to the reloaded mailbox.
	mt, err = mgr.BeginMaintenance(ctx2, "a1", mb.ID)
	tcheck(t, err, "begin nested maintenance")
	err = mgr.EndMaintenance(ctx2, mt, true, true)
	tcheck(t, err, "end nested maintenance with evict")
	_, err = mgr.Resolve(ctxbg, "a1", DoNotAutoCreate)
	if !errors.As(err, &me) || !me.LockedOut {
		t.Fatalf("got %#v, expected MaintenanceError with lockout after reload", err)
	}
	mb3, err := mgr.Resolve(ctx2, "a1", DoNotAutoCreate)
	tcheck(t, err, "resolve reloaded mailbox by outer owner")
	tcompare(t, mb3 == mb, false)
	tcompare(t, mb3.IsOpen(), true)

	mgr.UnregisterMaintenanceOwner(ctx2, "a1")
	_, err = mgr.Resolve(ctx2, "a1", DoNotAutoCreate)
	terr(t, err, ErrInMaintenance, "resolve after unregistering owner")

	env.rec.take()
	err = mgr.UndoLockout(ctxbg, "a1", true)
	tcheck(t, err, "undo lockout")
	tcompare(t, mgr.IsLockedOut("a1"), false)
	tcompare(t, env.rec.take(), []string{"available a1"})
	mb4, err := mgr.Resolve(ctxbg, "a1", DoNotAutoCreate)
	tcheck(t, err, "resolve after lockout")
	tcompare(t, mb4 == mb3, true)

	err = mgr.UndoLockout(ctxbg, "a1", true)
	terr(t, err, ErrNotLockedOut, "undo lockout again")

	// Not ending maintenance leaves the mailbox in maintenance.
	err = mgr.Lockout(ctxbg, "a2")
	tcheck(t, err, "lockout")
	err = mgr.UndoLockout(ctxbg, "a2", false)
	tcheck(t, err, "undo lockout without ending maintenance")
	_, err = mgr.Resolve(ctxbg, "a2", DoNotAutoCreate)
	var me2 *MaintenanceError
	if !errors.As(err, &me2) || me2.LockedOut {
		t.Fatalf("got %#v, expected MaintenanceError without lockout", err)
	}
}

func TestCacheSize(t *testing.T) {
	env := newEnv(t, 2)
	mgr := env.mgr

	var mbs []*mailbox.Mailbox
	for _, acc := range []string{"a1", "a2", "a3"} {
		mb, err := mgr.CreateMailbox(ctxbg, acc)
		tcheck(t, err, "create mailbox")
		mbs = append(mbs, mb)
	}
	tcompare(t, mgr.CacheSize(), 2)
	tcompare(t, mgr.LoadedMailboxes(ctxbg), []*mailbox.Mailbox{mbs[1], mbs[2]})

	// Locked mailboxes are not dropped.
	mbs[1].RLock()
	mb, err := mgr.Resolve(ctxbg, "a1", DoNotAutoCreate)
	mbs[1].RUnlock()
	tcheck(t, err, "resolve dropped mailbox")
	tcompare(t, mb == mbs[0], false)
	tcompare(t, mgr.LoadedMailboxes(ctxbg), []*mailbox.Mailbox{mb, mbs[1]})

	// Maintenance tokens are not counted and not dropped.
	ctx1 := ownerContext()
	mt, err := mgr.BeginMaintenance(ctx1, "a2", mbs[1].ID)
	tcheck(t, err, "begin maintenance")
	_, err = mgr.Resolve(ctxbg, "a3", DoNotAutoCreate)
	tcheck(t, err, "resolve")
	_, err = mgr.Resolve(ctxbg, "a4", AutoCreate)
	tcheck(t, err, "create")
	tcompare(t, mgr.CacheSize(), 3)
	tcompare(t, mgr.IsLoadedAndAvailable(ctx1, mbs[1].ID), true)
	tcheck(t, mgr.EndMaintenance(ctx1, mt, true, false), "end maintenance")
	tcompare(t, mgr.CacheSize(), 2)

	// Unlimited cache.
	env = newEnv(t, -1)
	for _, acc := range []string{"a1", "a2", "a3", "a4", "a5"} {
		_, err := env.mgr.CreateMailbox(ctxbg, acc)
		tcheck(t, err, "create mailbox")
	}
	tcompare(t, env.mgr.CacheSize(), 5)
}

func TestDeleteMailbox(t *testing.T) {
	env := newEnv(t, 0)
	mgr := env.mgr

	mb, err := mgr.CreateMailbox(ctxbg, "a1")
	tcheck(t, err, "create mailbox")
	env.rec.take()
	mb.AddSize(ctxbg, 100)
	inboxKey := mailbox.ItemObjectKey(mb.ID, mb.Items()[0].ID)
	shared := env.opts.Mailbox.Shared.(*sharedstate.Memory)
	tcompare(t, shared.Len(mailbox.ObjectKey(mb.ID)) > 0, true)
	tcompare(t, shared.Len(inboxKey) > 0, true)

	err = mgr.DeleteMailbox(ctxbg, "a1")
	tcheck(t, err, "delete mailbox")
	tcompare(t, env.rec.take(), []string{"available a1", "deleted a1"})
	tcompare(t, shared.Len(mailbox.ObjectKey(mb.ID)), 0)
	tcompare(t, shared.Len(inboxKey), 0)
	tcompare(t, env.index.evicted, []int64{mb.ID})
	_, ok := mgr.LookupMailboxID("a1")
	tcompare(t, ok, false)
	tcompare(t, mgr.CacheSize(), 0)
	_, err = env.db.MailboxID(ctxbg, "a1")
	terr(t, err, store.ErrAbsent, "mailbox id after delete")
	folders, err := env.db.Folders(ctxbg, mb.ID)
	tcheck(t, err, "folders")
	tcompare(t, len(folders), 0)

	mb2, err := mgr.Resolve(ctxbg, "a1", DoNotAutoCreate)
	tcheck(t, err, "resolve deleted mailbox")
	tcompare(t, mb2 == nil, true)
	err = mgr.DeleteMailbox(ctxbg, "a1")
	terr(t, err, ErrNoSuchMailbox, "delete again")

	// Mailboxes of accounts moved to another server can be deleted.
	_, err = env.db.Store.CreateMailbox(ctxbg, "moved")
	tcheck(t, err, "create mailbox row")
	err = mgr.DeleteMailbox(ctxbg, "moved")
	tcheck(t, err, "delete moved mailbox")

	// Locked out mailbox cannot be deleted.
	_, err = mgr.CreateMailbox(ctxbg, "a2")
	tcheck(t, err, "create mailbox")
	tcheck(t, mgr.Lockout(ctxbg, "a2"), "lockout")
	err = mgr.DeleteMailbox(ctxbg, "a2")
	terr(t, err, ErrInMaintenance, "delete locked out mailbox")
}

func TestListener(t *testing.T) {
	env := newEnv(t, 0)
	mgr := env.mgr

	rec := &recorder{}
	remove := mgr.AddListener(rec)
	_, err := mgr.CreateMailbox(ctxbg, "a1")
	tcheck(t, err, "create mailbox")
	tcompare(t, rec.take(), []string{"loaded a1", "created a1"})

	remove()
	_, err = mgr.CreateMailbox(ctxbg, "a2")
	tcheck(t, err, "create mailbox")
	tcompare(t, rec.take(), []string(nil))
	tcompare(t, env.rec.count("created a2"), 1)
}

func TestPreload(t *testing.T) {
	env := newEnv(t, 0)

	var ids []int64
	for _, acc := range []string{"a1", "a2", "a3"} {
		mb, err := env.mgr.CreateMailbox(ctxbg, acc)
		tcheck(t, err, "create mailbox")
		ids = append(ids, mb.ID)
	}
	row, err := env.db.Store.CreateMailbox(ctxbg, "moved")
	tcheck(t, err, "create mailbox row")

	mgr, err := NewManager(ctxbg, env.opts)
	tcheck(t, err, "new manager")
	err = mgr.Preload(ctxbg, append(ids, row.ID), 2)
	tcheck(t, err, "preload")
	tcompare(t, len(mgr.LoadedMailboxes(ctxbg)), 3)

	err = mgr.Preload(ctxbg, []int64{999}, 0)
	terr(t, err, ErrNoSuchMailbox, "preload unknown mailbox")
}

func TestListings(t *testing.T) {
	env := newEnv(t, 0)
	mgr := env.mgr

	mb1, err := mgr.CreateMailbox(ctxbg, "a1")
	tcheck(t, err, "create mailbox")
	mb2, err := mgr.CreateMailbox(ctxbg, "a2")
	tcheck(t, err, "create mailbox")

	mb1.AddSize(ctxbg, 100)
	tcheck(t, mb1.SaveStats(ctxbg), "save stats")

	ids, err := mgr.MailboxIDs(ctxbg)
	tcheck(t, err, "mailbox ids")
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	tcompare(t, ids, []int64{mb1.ID, mb2.ID})
	n, err := mgr.MailboxCount(ctxbg)
	tcheck(t, err, "mailbox count")
	tcompare(t, n, 2)
	tcompare(t, mgr.AccountIDs(), []string{"a1", "a2"})

	sizes, err := mgr.MailboxSizes(ctxbg, nil)
	tcheck(t, err, "mailbox sizes")
	tcompare(t, sizes, map[int64]int64{mb1.ID: 100, mb2.ID: 0})
	sizes, err = mgr.MailboxSizes(ctxbg, []int64{mb1.ID})
	tcheck(t, err, "mailbox sizes")
	tcompare(t, sizes, map[int64]int64{mb1.ID: 100})

	before := time.Now()
	pending, err := mgr.PurgePendingMailboxes(ctxbg, before)
	tcheck(t, err, "purge pending")
	tcompare(t, len(pending), 2)
	tcheck(t, mgr.Evict(ctxbg, "a1"), "evict")
	pending, err = mgr.PurgePendingMailboxes(ctxbg, before)
	tcheck(t, err, "purge pending")
	tcompare(t, pending, []int64{mb2.ID})

	mgr.DumpCache()
}
