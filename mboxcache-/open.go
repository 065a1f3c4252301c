package mboxcache

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/mjl-/mboxcache/mailbox"
	"github.com/mjl-/mboxcache/mboxmgr"
	"github.com/mjl-/mboxcache/sharedstate"
	"github.com/mjl-/mboxcache/sqlstore"
	"github.com/mjl-/mboxcache/store"
)

// OpenStore opens the configured database for mailbox rows.
func OpenStore(ctx context.Context) (store.Store, error) {
	c := Conf.Static.Storage
	switch c.Backend {
	case "", "bstore":
		p := c.Path
		if p == "" {
			p = "mailboxes.db"
		}
		db, err := store.Open(ctx, DataDirPath(p))
		if err != nil {
			return nil, fmt.Errorf("open bstore database: %w", err)
		}
		return db, nil
	case "sqlite":
		p := c.Path
		if p == "" {
			p = "mailboxes.sqlite"
		}
		db, err := sqlstore.Open(ctx, DataDirPath(p))
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		return db, nil
	}
	return nil, fmt.Errorf("%w: unknown storage backend %q", ErrConfig, c.Backend)
}

// OpenSharedState opens the configured shared store, with the configured
// timeout applied to each operation. If no shared state is configured, nil is
// returned.
func OpenSharedState(ctx context.Context) (sharedstate.Store, error) {
	ss := Conf.Static.SharedState
	if ss == nil {
		return nil, nil
	}

	var s sharedstate.Store
	switch ss.Backend {
	case "memory":
		s = sharedstate.NewMemory()
	case "bolt":
		p := ss.BoltPath
		if p == "" {
			p = "sharedstate.db"
		}
		b, err := sharedstate.OpenBolt(DataDirPath(p))
		if err != nil {
			return nil, fmt.Errorf("open bolt shared state: %w", err)
		}
		s = b
	case "s3":
		c := sharedstate.S3Config{
			Bucket:      ss.S3.Bucket,
			Region:      ss.S3.Region,
			Endpoint:    ss.S3.Endpoint,
			Prefix:      ss.S3.Prefix,
			PathStyle:   ss.S3.PathStyle,
			AccessKeyID: ss.S3.AccessKeyID,
		}
		if ss.S3.SecretAccessKeyFile != "" {
			buf, err := os.ReadFile(ConfigDirPath(ss.S3.SecretAccessKeyFile))
			if err != nil {
				return nil, fmt.Errorf("read s3 secret access key: %w", err)
			}
			c.SecretAccessKey = strings.TrimSpace(string(buf))
		}
		x, err := sharedstate.NewS3(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("s3 shared state: %w", err)
		}
		s = x
	default:
		return nil, fmt.Errorf("%w: unknown shared state backend %q", ErrConfig, ss.Backend)
	}
	pkglog.Debug("shared state opened", slog.Duration("timeout", Conf.Static.SharedStateTimeoutValue))
	return sharedstate.Timeout(s, Conf.Static.SharedStateTimeoutValue), nil
}

// NewManager returns a mailbox registry for the configuration, with the
// accounts of the config file.
func NewManager(ctx context.Context, st store.Store, shared sharedstate.Store, index mailbox.IndexStore) (*mboxmgr.Manager, error) {
	opts := mboxmgr.Options{
		Store:        st,
		Provisioning: Provisioning{},
		Mailbox: mailbox.Options{
			Shared:         shared,
			Index:          index,
			InitialFolders: Conf.Static.InitialFolders,
		},
		CacheSize: Conf.Static.MailboxCacheSize,
	}
	return mboxmgr.NewManager(ctx, opts)
}
