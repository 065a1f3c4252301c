package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/mjl-/mboxcache/store"
	"github.com/mjl-/mboxcache/store/storetest"
)

var ctxbg = context.Background()

func TestDB(t *testing.T) {
	db, err := store.Open(ctxbg, filepath.Join(t.TempDir(), "mailboxes.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	storetest.Run(t, db)
}

func TestDBConcurrentCreate(t *testing.T) {
	db, err := store.Open(ctxbg, filepath.Join(t.TempDir(), "mailboxes.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	storetest.RunConcurrentCreate(t, db)
}

func TestDBReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailboxes.db")
	db, err := store.Open(ctxbg, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	mb, err := db.CreateMailbox(ctxbg, "a1")
	if err != nil {
		t.Fatalf("create mailbox: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db, err = store.Open(ctxbg, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	id, err := db.MailboxID(ctxbg, "a1")
	if err != nil {
		t.Fatalf("mailbox id after reopen: %v", err)
	}
	if id != mb.ID {
		t.Fatalf("got mailbox id %d, expected %d", id, mb.ID)
	}
}
