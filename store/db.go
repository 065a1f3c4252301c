package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/mboxcache/mboxvar"
	"github.com/mjl-/mboxcache/mlog"
)

var xlog = mlog.New("store", nil)

// DBTypes are the types stored in a bstore database.
var DBTypes = []any{MailboxRow{}, Folder{}}

// DB is a Store in a bstore database file.
type DB struct {
	Path string
	DB   *bstore.DB
}

var _ Store = (*DB)(nil)

// Open opens the database at path, creating it if it doesn't exist yet.
func Open(ctx context.Context, path string) (*DB, error) {
	isNew := false
	if _, err := os.Stat(path); err != nil && os.IsNotExist(err) {
		isNew = true
		os.MkdirAll(filepath.Dir(path), 0770)
	}

	opts := bstore.Options{Timeout: 5 * time.Second, Perm: 0660, RegisterLogger: mboxvar.RegisterLogger(path, xlog.Logger)}
	db, err := bstore.Open(ctx, path, &opts, DBTypes...)
	if err != nil {
		return nil, err
	}
	xlog.Debug("opened mailbox database", slog.String("path", path), slog.Bool("new", isNew))
	return &DB{path, db}, nil
}

func (d *DB) Close() error {
	return d.DB.Close()
}

func (d *DB) MailboxID(ctx context.Context, accountID string) (int64, error) {
	var mb MailboxRow
	err := d.DB.Read(ctx, func(tx *bstore.Tx) (err error) {
		mb, err = bstore.QueryTx[MailboxRow](tx).FilterNonzero(MailboxRow{AccountID: strings.ToLower(accountID)}).Get()
		return err
	})
	if err == bstore.ErrAbsent {
		return 0, ErrAbsent
	} else if err != nil {
		return 0, fmt.Errorf("looking up mailbox for account: %w", err)
	}
	return mb.ID, nil
}

func (d *DB) CreateMailbox(ctx context.Context, accountID string) (MailboxRow, error) {
	mb := MailboxRow{AccountID: strings.ToLower(accountID)}
	err := d.DB.Write(ctx, func(tx *bstore.Tx) error {
		return tx.Insert(&mb)
	})
	if errors.Is(err, bstore.ErrUnique) {
		return MailboxRow{}, ErrExists
	} else if err != nil {
		return MailboxRow{}, fmt.Errorf("inserting mailbox: %w", err)
	}
	return mb, nil
}

func (d *DB) Mailbox(ctx context.Context, id int64) (MailboxRow, error) {
	mb := MailboxRow{ID: id}
	err := d.DB.Get(ctx, &mb)
	if err == bstore.ErrAbsent {
		return MailboxRow{}, ErrAbsent
	} else if err != nil {
		return MailboxRow{}, fmt.Errorf("get mailbox: %w", err)
	}
	return mb, nil
}

func (d *DB) ListMailboxes(ctx context.Context) ([]MailboxRow, error) {
	var l []MailboxRow
	err := d.DB.Read(ctx, func(tx *bstore.Tx) (err error) {
		l, err = bstore.QueryTx[MailboxRow](tx).SortAsc("ID").List()
		return err
	})
	return l, err
}

func (d *DB) MailboxSizes(ctx context.Context, ids []int64) (map[int64]int64, error) {
	sizes := map[int64]int64{}
	if ids != nil && len(ids) == 0 {
		return sizes, nil
	}
	err := d.DB.Read(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[MailboxRow](tx)
		if ids != nil {
			q.FilterIDs(ids)
		}
		return q.ForEach(func(mb MailboxRow) error {
			sizes[mb.ID] = mb.Size
			return nil
		})
	})
	return sizes, err
}

func (d *DB) ListPurgePending(ctx context.Context, before time.Time) ([]int64, error) {
	var ids []int64
	err := d.DB.Read(ctx, func(tx *bstore.Tx) error {
		return bstore.QueryTx[MailboxRow](tx).FilterLess("LastPurged", before).SortAsc("LastPurged", "ID").IDs(&ids)
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (d *DB) MarkPurged(ctx context.Context, id int64, when time.Time) error {
	return d.DB.Write(ctx, func(tx *bstore.Tx) error {
		mb := MailboxRow{ID: id}
		if err := tx.Get(&mb); err == bstore.ErrAbsent {
			return ErrAbsent
		} else if err != nil {
			return err
		}
		mb.LastPurged = when
		return tx.Update(&mb)
	})
}

func (d *DB) UpdateStats(ctx context.Context, id int64, stats Stats) error {
	return d.DB.Write(ctx, func(tx *bstore.Tx) error {
		mb := MailboxRow{ID: id}
		if err := tx.Get(&mb); err == bstore.ErrAbsent {
			return ErrAbsent
		} else if err != nil {
			return err
		}
		mb.Size = stats.Size
		mb.ItemCount = stats.ItemCount
		mb.LastItemID = stats.LastItemID
		return tx.Update(&mb)
	})
}

func (d *DB) DeleteMailbox(ctx context.Context, id int64) error {
	return d.DB.Write(ctx, func(tx *bstore.Tx) error {
		if _, err := bstore.QueryTx[Folder](tx).FilterNonzero(Folder{MailboxID: id}).Delete(); err != nil {
			return fmt.Errorf("removing folders: %w", err)
		}
		if err := tx.Delete(&MailboxRow{ID: id}); err == bstore.ErrAbsent {
			return ErrAbsent
		} else if err != nil {
			return fmt.Errorf("removing mailbox: %w", err)
		}
		return nil
	})
}

func (d *DB) Folders(ctx context.Context, mailboxID int64) ([]Folder, error) {
	var l []Folder
	err := d.DB.Read(ctx, func(tx *bstore.Tx) (err error) {
		l, err = bstore.QueryTx[Folder](tx).FilterNonzero(Folder{MailboxID: mailboxID}).List()
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(l, func(i, j int) bool {
		return l[i].ItemID < l[j].ItemID
	})
	return l, nil
}

func (d *DB) InsertFolders(ctx context.Context, mailboxID int64, folders []Folder) error {
	return d.DB.Write(ctx, func(tx *bstore.Tx) error {
		if exists, err := bstore.QueryTx[MailboxRow](tx).FilterID(mailboxID).Exists(); err != nil {
			return err
		} else if !exists {
			return ErrAbsent
		}
		for i := range folders {
			f := folders[i]
			f.ID = 0
			f.MailboxID = mailboxID
			if err := tx.Insert(&f); err != nil {
				return fmt.Errorf("inserting folder %q: %w", f.Name, err)
			}
		}
		return nil
	})
}
