package config

import (
	"log/slog"
	"time"
)

// DefaultMailboxCacheSize is the number of live mailboxes kept in the registry
// cache when MailboxCacheSize is not configured.
const DefaultMailboxCacheSize = 1000

// Static is a parsed form of the mboxcache.conf configuration file, before
// converting it into an mboxcache.Config after additional processing.
type Static struct {
	DataDir          string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where all data is stored, e.g. the mailbox database and the local shared state database. If this is a relative path, it is relative to the directory of mboxcache.conf."`
	LogLevel         string            `sconf-doc:"Default log level, one of: error, info, debug, trace."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. mboxmgr, itemstate, sharedstate, mailbox, store, webadmin)."`
	Hostname         string            `sconf-doc:"Name of this server. Accounts whose MailHost is another server are not served from this process: resolving their mailbox fails with a wrong host error so clients can be redirected."`

	Storage struct {
		Backend string `sconf:"optional" sconf-doc:"Database backend for mailbox and folder rows, one of: bstore (default), sqlite."`
		Path    string `sconf:"optional" sconf-doc:"Path to the database file, relative to the data directory. Default: mailboxes.db for bstore and mailboxes.sqlite for sqlite."`
	} `sconf:"optional" sconf-doc:"Durable storage for mailbox rows. Multiple servers in a cluster must share the sqlite database (e.g. over a shared file system) to see each other's mailboxes."`

	MailboxCacheSize int `sconf:"optional" sconf-doc:"Maximum number of opened mailboxes kept in memory. The least recently used mailbox is dropped from the cache and reloaded when needed again. Mailboxes in maintenance are never dropped. Default 1000. Use -1 for no limit."`

	SharedState *SharedState `sconf:"optional" sconf-doc:"If set, attributes of opened mailboxes and their folders are mirrored into a shared store so other processes serving the same mailbox see changes. If absent, all state is local to this process."`

	InitialFolders []string `sconf:"optional" sconf-doc:"Folders to create for new mailboxes. Inbox is always created. If absent/empty, the following folders are created: Sent, Drafts, Junk, Trash, Archive."`

	AdminHTTP struct {
		Address      string `sconf-doc:"Address to listen on for the admin API and Prometheus metrics, e.g. 127.0.0.1:8010."`
		PasswordFile string `sconf:"optional" sconf-doc:"File containing the bcrypt hash of the admin password for HTTP basic authentication of the admin API. If absent, the admin API is not served, only metrics."`
	} `sconf:"optional" sconf-doc:"HTTP listener for administration and monitoring."`

	Accounts map[string]Account `sconf-doc:"Accounts known to this cluster, keyed by account ID. Only accounts with a MailHost equal to Hostname get a mailbox on this server."`

	// All further fields are set during preparation.
	Log                     map[string]slog.Level `sconf:"-" json:"-"`
	SharedStateTimeoutValue time.Duration         `sconf:"-" json:"-"`
}

// SharedState configures the shared store for synchronized attributes.
type SharedState struct {
	Backend  string `sconf-doc:"Where shared state is kept, one of: memory (in this process, for a single server and testing), bolt (local bbolt database file, surviving restarts), s3 (bucket in an S3-compatible store, one object per attribute)."`
	Timeout  string `sconf:"optional" sconf-doc:"Timeout for a single operation on the shared store, e.g. 2s. Operations exceeding it fall back to the local value. Default 2s."`
	BoltPath string `sconf:"optional" sconf-doc:"For backend bolt, path of the database file, relative to the data directory. Default: sharedstate.db."`
	S3       *S3    `sconf:"optional" sconf-doc:"Required for backend s3."`
}

// S3 is an S3-compatible bucket used as shared store.
type S3 struct {
	Bucket              string `sconf-doc:"Name of the bucket."`
	Region              string `sconf:"optional" sconf-doc:"Region of the bucket. Default: from the environment, or us-east-1."`
	Endpoint            string `sconf:"optional" sconf-doc:"Endpoint URL for S3-compatible stores, e.g. http://localhost:9000 for minio. Default: AWS."`
	Prefix              string `sconf:"optional" sconf-doc:"Prefix for object keys, e.g. cluster1/."`
	PathStyle           bool   `sconf:"optional" sconf-doc:"Use path-style addressing, required by most S3-compatible stores."`
	AccessKeyID         string `sconf:"optional" sconf-doc:"Access key ID. If absent, credentials are taken from the environment."`
	SecretAccessKeyFile string `sconf:"optional" sconf-doc:"File with the secret access key, required if AccessKeyID is set."`
}

// Account is an account in the cluster.
type Account struct {
	Name     string `sconf-doc:"Name of the account, e.g. an email address, for logging."`
	MailHost string `sconf-doc:"Server that holds the mailbox for this account, compared with Hostname."`
}
