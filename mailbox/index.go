package mailbox

import (
	"context"
)

// IndexStore holds search index resources for mailboxes.
type IndexStore interface {
	// Evict releases the resources held for a mailbox, e.g. open index files.
	// Called by Purge, when a mailbox is evicted at the end of maintenance.
	// Mailboxes dropped from a full cache are not purged, the index keeps
	// their resources until it releases them itself.
	Evict(ctx context.Context, mailboxID int64) error
}
