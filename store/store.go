// Package store keeps the durable rows for mailboxes: one row per provisioned
// account mailbox, and the folders of each mailbox.
//
// The Store interface is implemented with bstore by DB in this package, and
// with sqlite by package sqlstore. Operations are synchronous, each runs in its
// own transaction.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrAbsent = errors.New("mailbox not found")
	ErrExists = errors.New("mailbox already exists for account")
)

// InitialFolders are created for a new mailbox if no folders are configured.
var InitialFolders = []string{"Inbox", "Sent", "Drafts", "Junk", "Trash", "Archive"}

// MailboxRow is a provisioned mailbox for an account.
type MailboxRow struct {
	ID int64

	// Lower-cased account ID. Each account has at most one mailbox.
	AccountID string    `bstore:"nonzero,unique"`
	Created   time.Time `bstore:"nonzero,default now"`

	// Statistics, kept up to date by the live mailbox.
	Size       int64
	ItemCount  int
	LastItemID int64

	// Last time cached resources of the mailbox were purged. Zero if never.
	LastPurged time.Time `bstore:"index"`
}

// Folder is a folder in a mailbox.
type Folder struct {
	ID        int64
	MailboxID int64  `bstore:"nonzero,ref MailboxRow,unique MailboxID+ItemID"`
	ItemID    int64  `bstore:"nonzero"` // Unique within the mailbox.
	ParentID  int64  // Item ID of the parent folder, 0 for top-level folders.
	Name      string `bstore:"nonzero"`
	Created   time.Time `bstore:"nonzero,default now"`
}

// Stats are the statistics of a mailbox stored in its row.
type Stats struct {
	Size       int64
	ItemCount  int
	LastItemID int64
}

// Store is the durable storage for mailboxes.
type Store interface {
	// MailboxID returns the mailbox ID for the account, or ErrAbsent.
	MailboxID(ctx context.Context, accountID string) (int64, error)

	// CreateMailbox inserts a new mailbox row for the account. If the account
	// already has a mailbox, ErrExists is returned. Of concurrent calls for the
	// same account, exactly one succeeds.
	CreateMailbox(ctx context.Context, accountID string) (MailboxRow, error)

	// Mailbox returns the row for a mailbox ID, or ErrAbsent.
	Mailbox(ctx context.Context, id int64) (MailboxRow, error)

	ListMailboxes(ctx context.Context) ([]MailboxRow, error)

	// MailboxSizes returns the size of each mailbox in ids, or of all mailboxes
	// if ids is nil. Unknown IDs are skipped.
	MailboxSizes(ctx context.Context, ids []int64) (map[int64]int64, error)

	// ListPurgePending returns the IDs of mailboxes last purged before the
	// given time, including those never purged.
	ListPurgePending(ctx context.Context, before time.Time) ([]int64, error)
	MarkPurged(ctx context.Context, id int64, when time.Time) error

	UpdateStats(ctx context.Context, id int64, stats Stats) error

	// DeleteMailbox removes the mailbox row and its folders. ErrAbsent is
	// returned for an unknown mailbox.
	DeleteMailbox(ctx context.Context, id int64) error

	// Folders returns the folders of a mailbox, ordered by item ID.
	Folders(ctx context.Context, mailboxID int64) ([]Folder, error)

	// InsertFolders adds folders, the MailboxID fields are set to mailboxID.
	InsertFolders(ctx context.Context, mailboxID int64, folders []Folder) error

	Close() error
}
