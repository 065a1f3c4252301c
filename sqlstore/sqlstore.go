// Package sqlstore implements store.Store with a sqlite database.
//
// Unlike the bstore database, a sqlite file can be opened by multiple
// processes at the same time, e.g. multiple servers sharing the database over
// a network file system.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/mjl-/mboxcache/mlog"
	"github.com/mjl-/mboxcache/store"
)

var xlog = mlog.New("sqlstore", nil)

const schema = `
create table if not exists mailbox (
	id integer primary key autoincrement,
	account_id text not null unique,
	created integer not null,
	size integer not null default 0,
	item_count integer not null default 0,
	last_item_id integer not null default 0,
	last_purged integer not null default 0
);
create index if not exists mailbox_last_purged on mailbox(last_purged);
create table if not exists folder (
	id integer primary key autoincrement,
	mailbox_id integer not null references mailbox(id) on delete cascade,
	item_id integer not null,
	parent_id integer not null default 0,
	name text not null,
	created integer not null,
	unique(mailbox_id, item_id)
);
`

// DB is a store.Store in a sqlite database.
type DB struct {
	db *sql.DB
}

var _ store.Store = (*DB)(nil)

// Open opens the sqlite database at path, creating it and its tables if
// needed.
func Open(ctx context.Context, path string) (*DB, error) {
	os.MkdirAll(filepath.Dir(path), 0770)

	// Options in the DSN apply to each connection in the pool.
	dsn := "file:" + path + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %v", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating tables: %v", err)
	}
	xlog.Debug("opened mailbox database", slog.String("path", path))
	return &DB{db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func isUnique(err error) bool {
	var serr sqlite3.Error
	return errors.As(err, &serr) && serr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func unixTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v)
}

func (d *DB) MailboxID(ctx context.Context, accountID string) (int64, error) {
	var id int64
	err := d.db.QueryRowContext(ctx, "select id from mailbox where account_id = ?", strings.ToLower(accountID)).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, store.ErrAbsent
	} else if err != nil {
		return 0, fmt.Errorf("looking up mailbox for account: %w", err)
	}
	return id, nil
}

func (d *DB) CreateMailbox(ctx context.Context, accountID string) (store.MailboxRow, error) {
	mb := store.MailboxRow{
		AccountID: strings.ToLower(accountID),
		Created:   time.Now(),
	}
	result, err := d.db.ExecContext(ctx, "insert into mailbox (account_id, created) values (?, ?)", mb.AccountID, unixTime(mb.Created))
	if err != nil && isUnique(err) {
		return store.MailboxRow{}, store.ErrExists
	} else if err != nil {
		return store.MailboxRow{}, fmt.Errorf("inserting mailbox: %w", err)
	}
	mb.ID, err = result.LastInsertId()
	if err != nil {
		return store.MailboxRow{}, fmt.Errorf("id of inserted mailbox: %w", err)
	}
	return mb, nil
}

const mailboxColumns = "id, account_id, created, size, item_count, last_item_id, last_purged"

type scanner interface {
	Scan(dest ...any) error
}

func scanMailbox(row scanner) (store.MailboxRow, error) {
	var mb store.MailboxRow
	var created, purged int64
	err := row.Scan(&mb.ID, &mb.AccountID, &created, &mb.Size, &mb.ItemCount, &mb.LastItemID, &purged)
	mb.Created = fromUnix(created)
	mb.LastPurged = fromUnix(purged)
	return mb, err
}

func (d *DB) Mailbox(ctx context.Context, id int64) (store.MailboxRow, error) {
	mb, err := scanMailbox(d.db.QueryRowContext(ctx, "select "+mailboxColumns+" from mailbox where id = ?", id))
	if err == sql.ErrNoRows {
		return store.MailboxRow{}, store.ErrAbsent
	} else if err != nil {
		return store.MailboxRow{}, fmt.Errorf("get mailbox: %w", err)
	}
	return mb, nil
}

func (d *DB) ListMailboxes(ctx context.Context) ([]store.MailboxRow, error) {
	rows, err := d.db.QueryContext(ctx, "select "+mailboxColumns+" from mailbox order by id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var l []store.MailboxRow
	for rows.Next() {
		mb, err := scanMailbox(rows)
		if err != nil {
			return nil, err
		}
		l = append(l, mb)
	}
	return l, rows.Err()
}

func (d *DB) MailboxSizes(ctx context.Context, ids []int64) (map[int64]int64, error) {
	sizes := map[int64]int64{}
	if ids != nil && len(ids) == 0 {
		return sizes, nil
	}
	q := "select id, size from mailbox"
	var args []any
	if ids != nil {
		q += " where id in (" + strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",") + ")"
		for _, id := range ids {
			args = append(args, id)
		}
	}
	rows, err := d.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id, size int64
		if err := rows.Scan(&id, &size); err != nil {
			return nil, err
		}
		sizes[id] = size
	}
	return sizes, rows.Err()
}

func (d *DB) ListPurgePending(ctx context.Context, before time.Time) ([]int64, error) {
	rows, err := d.db.QueryContext(ctx, "select id from mailbox where last_purged < ? order by last_purged, id", unixTime(before))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// exec runs a statement that must modify exactly one mailbox row.
func (d *DB) exec(ctx context.Context, q string, args ...any) error {
	result, err := d.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	} else if n == 0 {
		return store.ErrAbsent
	}
	return nil
}

func (d *DB) MarkPurged(ctx context.Context, id int64, when time.Time) error {
	return d.exec(ctx, "update mailbox set last_purged = ? where id = ?", unixTime(when), id)
}

func (d *DB) UpdateStats(ctx context.Context, id int64, stats store.Stats) error {
	return d.exec(ctx, "update mailbox set size = ?, item_count = ?, last_item_id = ? where id = ?", stats.Size, stats.ItemCount, stats.LastItemID, id)
}

func (d *DB) DeleteMailbox(ctx context.Context, id int64) error {
	// Folders are removed through the foreign key cascade.
	return d.exec(ctx, "delete from mailbox where id = ?", id)
}

func (d *DB) Folders(ctx context.Context, mailboxID int64) ([]store.Folder, error) {
	rows, err := d.db.QueryContext(ctx, "select id, mailbox_id, item_id, parent_id, name, created from folder where mailbox_id = ? order by item_id", mailboxID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var l []store.Folder
	for rows.Next() {
		var f store.Folder
		var created int64
		if err := rows.Scan(&f.ID, &f.MailboxID, &f.ItemID, &f.ParentID, &f.Name, &created); err != nil {
			return nil, err
		}
		f.Created = fromUnix(created)
		l = append(l, f)
	}
	return l, rows.Err()
}

func (d *DB) InsertFolders(ctx context.Context, mailboxID int64, folders []store.Folder) (rerr error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if rerr != nil {
			if err := tx.Rollback(); err != nil {
				xlog.Errorx("rolling back transaction", err)
			}
		}
	}()

	var exists bool
	if err := tx.QueryRowContext(ctx, "select exists(select 1 from mailbox where id = ?)", mailboxID).Scan(&exists); err != nil {
		return err
	} else if !exists {
		return store.ErrAbsent
	}
	now := time.Now()
	for _, f := range folders {
		created := f.Created
		if created.IsZero() {
			created = now
		}
		_, err := tx.ExecContext(ctx, "insert into folder (mailbox_id, item_id, parent_id, name, created) values (?, ?, ?, ?, ?)", mailboxID, f.ItemID, f.ParentID, f.Name, unixTime(created))
		if err != nil {
			return fmt.Errorf("inserting folder %q: %w", f.Name, err)
		}
	}
	return tx.Commit()
}
