// Package storetest checks implementations of store.Store.
package storetest

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/mjl-/mboxcache/store"
)

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

// Run exercises all operations of a new, empty store.
func Run(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.MailboxID(ctx, "a1")
	terr(t, err, store.ErrAbsent, "mailbox id for unknown account")
	_, err = s.Mailbox(ctx, 1)
	terr(t, err, store.ErrAbsent, "unknown mailbox")

	mb1, err := s.CreateMailbox(ctx, "A1")
	tcheck(t, err, "create mailbox")
	tcompare(t, mb1.AccountID, "a1")
	if mb1.ID == 0 {
		t.Fatalf("mailbox without id")
	}
	_, err = s.CreateMailbox(ctx, "a1")
	terr(t, err, store.ErrExists, "create mailbox again")

	id, err := s.MailboxID(ctx, "a1")
	tcheck(t, err, "mailbox id")
	tcompare(t, id, mb1.ID)
	id, err = s.MailboxID(ctx, "A1")
	tcheck(t, err, "mailbox id with different case")
	tcompare(t, id, mb1.ID)

	mb2, err := s.CreateMailbox(ctx, "a2")
	tcheck(t, err, "create second mailbox")

	err = s.UpdateStats(ctx, mb1.ID, store.Stats{Size: 1000, ItemCount: 3, LastItemID: 7})
	tcheck(t, err, "update stats")
	err = s.UpdateStats(ctx, 999, store.Stats{})
	terr(t, err, store.ErrAbsent, "update stats of unknown mailbox")
	row, err := s.Mailbox(ctx, mb1.ID)
	tcheck(t, err, "get mailbox")
	tcompare(t, row.Size, int64(1000))
	tcompare(t, row.ItemCount, 3)
	tcompare(t, row.LastItemID, int64(7))
	tcompare(t, row.LastPurged.IsZero(), true)

	l, err := s.ListMailboxes(ctx)
	tcheck(t, err, "list mailboxes")
	tcompare(t, len(l), 2)
	tcompare(t, l[0].ID, mb1.ID)
	tcompare(t, l[1].ID, mb2.ID)

	sizes, err := s.MailboxSizes(ctx, nil)
	tcheck(t, err, "all mailbox sizes")
	tcompare(t, sizes, map[int64]int64{mb1.ID: 1000, mb2.ID: 0})
	sizes, err = s.MailboxSizes(ctx, []int64{mb1.ID, 999})
	tcheck(t, err, "mailbox sizes")
	tcompare(t, sizes, map[int64]int64{mb1.ID: 1000})
	sizes, err = s.MailboxSizes(ctx, []int64{})
	tcheck(t, err, "mailbox sizes for empty list")
	tcompare(t, sizes, map[int64]int64{})

	now := time.Now()
	err = s.MarkPurged(ctx, mb1.ID, now.Add(-time.Hour))
	tcheck(t, err, "mark purged")
	ids, err := s.ListPurgePending(ctx, now.Add(-2*time.Hour))
	tcheck(t, err, "purge pending")
	tcompare(t, ids, []int64{mb2.ID})
	ids, err = s.ListPurgePending(ctx, now)
	tcheck(t, err, "purge pending")
	tcompare(t, ids, []int64{mb2.ID, mb1.ID})

	folders := []store.Folder{
		{ItemID: 2, Name: "Inbox"},
		{ItemID: 3, Name: "Sent"},
		{ItemID: 4, ParentID: 2, Name: "Lists"},
	}
	err = s.InsertFolders(ctx, mb1.ID, folders)
	tcheck(t, err, "insert folders")
	err = s.InsertFolders(ctx, 999, folders)
	terr(t, err, store.ErrAbsent, "insert folders for unknown mailbox")
	err = s.InsertFolders(ctx, mb1.ID, []store.Folder{{ItemID: 2, Name: "Duplicate"}})
	if err == nil {
		t.Fatalf("inserting folder with duplicate item id succeeded")
	}

	fl, err := s.Folders(ctx, mb1.ID)
	tcheck(t, err, "folders")
	tcompare(t, len(fl), 3)
	for i, f := range fl {
		tcompare(t, f.MailboxID, mb1.ID)
		tcompare(t, f.ItemID, folders[i].ItemID)
		tcompare(t, f.Name, folders[i].Name)
		tcompare(t, f.ParentID, folders[i].ParentID)
	}
	fl, err = s.Folders(ctx, mb2.ID)
	tcheck(t, err, "folders of empty mailbox")
	tcompare(t, len(fl), 0)

	err = s.DeleteMailbox(ctx, mb1.ID)
	tcheck(t, err, "delete mailbox")
	err = s.DeleteMailbox(ctx, mb1.ID)
	terr(t, err, store.ErrAbsent, "delete mailbox again")
	_, err = s.MailboxID(ctx, "a1")
	terr(t, err, store.ErrAbsent, "mailbox id after delete")
	fl, err = s.Folders(ctx, mb1.ID)
	tcheck(t, err, "folders after delete")
	tcompare(t, len(fl), 0)

	// A new mailbox can be created for the account again, with a new id.
	mb3, err := s.CreateMailbox(ctx, "a1")
	tcheck(t, err, "recreate mailbox")
	if mb3.ID == mb1.ID {
		t.Fatalf("recreated mailbox reused id %d", mb1.ID)
	}
}

// RunConcurrentCreate checks that of concurrent CreateMailbox calls for one
// account, exactly one succeeds.
func RunConcurrentCreate(t *testing.T, s store.Store) {
	ctx := context.Background()

	const n = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	var created, exists int
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CreateMailbox(ctx, "race")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				created++
			} else if errors.Is(err, store.ErrExists) {
				exists++
			} else {
				t.Errorf("create mailbox: %v", err)
			}
		}()
	}
	wg.Wait()
	tcompare(t, created, 1)
	tcompare(t, exists, n-1)
}
