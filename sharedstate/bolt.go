package sharedstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mjl-/mboxcache/mlog"
)

var xlog = mlog.New("sharedstate", nil)

// Bolt is a Store kept in a bbolt database file, with a bucket per object.
// bbolt takes an exclusive lock on the file, so a Bolt store serves a single
// process. Its values survive restarts of that process.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens or creates the bbolt database at path. If the file is locked
// by another process, opening fails after one second.
func OpenBolt(path string) (*Bolt, error) {
	os.MkdirAll(filepath.Dir(path), 0770)
	db, err := bolt.Open(path, 0660, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open shared state database: %w", err)
	}
	xlog.Debug("opened shared state database", slog.String("path", path))
	return &Bolt{db}, nil
}

func (b *Bolt) Accessor(objectKey string) Accessor {
	return boltAccessor{b, objectKey}
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

type boltAccessor struct {
	b   *Bolt
	key string
}

func (a boltAccessor) Key() string {
	return a.key
}

func (a boltAccessor) Get(ctx context.Context, name string) (value string, ok bool, rerr error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	rerr = a.b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte(a.key))
		if bk == nil {
			return nil
		}
		buf := bk.Get([]byte(name))
		if buf != nil {
			// Buffer is only valid during transaction.
			value = string(buf)
			ok = true
		}
		return nil
	})
	return value, ok, rerr
}

func (a boltAccessor) Set(ctx context.Context, name, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.b.db.Update(func(tx *bolt.Tx) error {
		bk, err := tx.CreateBucketIfNotExists([]byte(a.key))
		if err != nil {
			return err
		}
		return bk.Put([]byte(name), []byte(value))
	})
}

func (a boltAccessor) Unset(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte(a.key))
		if bk == nil {
			return nil
		}
		if err := bk.Delete([]byte(name)); err != nil {
			return err
		}
		if k, _ := bk.Cursor().First(); k == nil {
			return tx.DeleteBucket([]byte(a.key))
		}
		return nil
	})
}

func (a boltAccessor) Delete(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.b.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket([]byte(a.key))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}
