package mailbox

import (
	"context"
	"fmt"

	"github.com/mjl-/mboxcache/itemstate"
	"github.com/mjl-/mboxcache/store"
)

// Names of the folder fields in the shared store.
const (
	FieldName            = "name"
	FieldParentID        = "parent_id"
	FieldFlags           = "flags"
	FieldTags            = "tags"
	FieldSmartFolders    = "smartfolders"
	FieldColor           = "color"
	FieldRights          = "rights"
	FieldRetentionPolicy = "retention"
	FieldNumIndexDocs    = "num_index_docs"
	FieldUnreadCount     = "unread"
	FieldSize            = "size"
	FieldVersion         = "version"
	FieldMetadataVersion = "md_version"
)

// Item is a folder in a mailbox. Its attributes are kept in synchronized fields,
// shared with other processes when the mailbox has shared state.
type Item struct {
	ID        int64
	MailboxID int64

	state           *itemstate.State
	name            *itemstate.Field[string]
	parentID        *itemstate.Field[int64]
	flags           *itemstate.Field[int]
	tags            *itemstate.Field[[]string]
	smartFolders    *itemstate.Field[[]string]
	color           *itemstate.Field[Color]
	rights          *itemstate.Field[ACL]
	retentionPolicy *itemstate.Field[RetentionPolicy]
	numIndexDocs    *itemstate.Field[int]
	unreadCount     *itemstate.Field[int]
	size            *itemstate.Field[int64]
	version         *itemstate.Field[int]
	metadataVersion *itemstate.Field[int]
}

// ItemObjectKey returns the key of an item in the shared store.
func ItemObjectKey(mailboxID, itemID int64) string {
	return fmt.Sprintf("mbox-%d-item-%d", mailboxID, itemID)
}

func newItem(f store.Folder) *Item {
	s := itemstate.NewState(ItemObjectKey(f.MailboxID, f.ItemID))
	it := &Item{
		ID:              f.ItemID,
		MailboxID:       f.MailboxID,
		state:           s,
		name:            itemstate.NewField(s, FieldName, itemstate.String),
		parentID:        itemstate.NewField(s, FieldParentID, itemstate.Int64),
		flags:           itemstate.NewField(s, FieldFlags, itemstate.Int),
		tags:            itemstate.NewField(s, FieldTags, itemstate.StringList),
		smartFolders:    itemstate.NewField(s, FieldSmartFolders, itemstate.StringList),
		color:           itemstate.NewField(s, FieldColor, ColorCodec),
		rights:          itemstate.NewField(s, FieldRights, ACLCodec),
		retentionPolicy: itemstate.NewField(s, FieldRetentionPolicy, RetentionPolicyCodec),
		numIndexDocs:    itemstate.NewField(s, FieldNumIndexDocs, itemstate.Int),
		unreadCount:     itemstate.NewField(s, FieldUnreadCount, itemstate.Int),
		size:            itemstate.NewField(s, FieldSize, itemstate.Int64),
		version:         itemstate.NewField(s, FieldVersion, itemstate.Int),
		metadataVersion: itemstate.NewField(s, FieldMetadataVersion, itemstate.Int),
	}
	it.name.SetDefault(f.Name)
	it.parentID.SetDefault(f.ParentID)
	it.flags.SetDefault(int(FlagSubscribed))
	it.version.SetDefault(1)
	it.metadataVersion.SetDefault(1)
	return it
}

// State returns the synchronized state of the item.
func (it *Item) State() *itemstate.State {
	return it.state
}

func (it *Item) Name(ctx context.Context) string {
	return it.name.Get(ctx)
}

func (it *Item) SetName(ctx context.Context, name string) {
	it.name.Set(ctx, name, itemstate.Default)
}

func (it *Item) ParentID(ctx context.Context) int64 {
	return it.parentID.Get(ctx)
}

func (it *Item) SetParentID(ctx context.Context, id int64) {
	it.parentID.Set(ctx, id, itemstate.Default)
}

func (it *Item) Flags(ctx context.Context) Flags {
	return Flags(it.flags.Get(ctx))
}

// SetFlags replaces all flags.
func (it *Item) SetFlags(ctx context.Context, flags Flags) {
	it.flags.Set(ctx, int(flags), itemstate.Default)
}

// SetFlag adds flag, based on the latest flags from the shared store.
func (it *Item) SetFlag(ctx context.Context, flag Flags) {
	it.flags.Refresh(ctx)
	v, _ := it.flags.Local()
	it.flags.Set(ctx, v|int(flag), itemstate.Default)
}

// ClearFlag removes flag, based on the latest flags from the shared store.
func (it *Item) ClearFlag(ctx context.Context, flag Flags) {
	it.flags.Refresh(ctx)
	v, _ := it.flags.Local()
	it.flags.Set(ctx, v&^int(flag), itemstate.Default)
}

func (it *Item) Tags(ctx context.Context) []string {
	return it.tags.Get(ctx)
}

func (it *Item) SetTags(ctx context.Context, tags []string, mode itemstate.AccessMode) {
	it.tags.Set(ctx, tags, mode)
}

func (it *Item) SmartFolders(ctx context.Context) []string {
	return it.smartFolders.Get(ctx)
}

func (it *Item) SetSmartFolders(ctx context.Context, l []string, mode itemstate.AccessMode) {
	it.smartFolders.Set(ctx, l, mode)
}

func (it *Item) Color(ctx context.Context) Color {
	return it.color.Get(ctx)
}

func (it *Item) SetColor(ctx context.Context, c Color, mode itemstate.AccessMode) {
	it.color.Set(ctx, c, mode)
}

func (it *Item) Rights(ctx context.Context) ACL {
	return it.rights.Get(ctx)
}

func (it *Item) SetRights(ctx context.Context, acl ACL, mode itemstate.AccessMode) {
	it.rights.Set(ctx, acl, mode)
}

func (it *Item) RetentionPolicy(ctx context.Context) RetentionPolicy {
	return it.retentionPolicy.Get(ctx)
}

func (it *Item) SetRetentionPolicy(ctx context.Context, p RetentionPolicy, mode itemstate.AccessMode) {
	it.retentionPolicy.Set(ctx, p, mode)
}

func (it *Item) NumIndexDocs(ctx context.Context) int {
	return it.numIndexDocs.Get(ctx)
}

func (it *Item) SetNumIndexDocs(ctx context.Context, n int, mode itemstate.AccessMode) {
	it.numIndexDocs.Set(ctx, n, mode)
}

func (it *Item) UnreadCount(ctx context.Context) int {
	return it.unreadCount.Get(ctx)
}

func (it *Item) SetUnreadCount(ctx context.Context, n int) {
	it.unreadCount.Set(ctx, n, itemstate.Default)
}

func (it *Item) Size(ctx context.Context) int64 {
	return it.size.Get(ctx)
}

func (it *Item) SetSize(ctx context.Context, size int64) {
	it.size.Set(ctx, size, itemstate.Default)
}

func (it *Item) Version(ctx context.Context) int {
	return it.version.Get(ctx)
}

func (it *Item) SetVersion(ctx context.Context, v int, mode itemstate.AccessMode) {
	it.version.Set(ctx, v, mode)
}

// IncrementVersion increases the version by one, and returns the new version.
func (it *Item) IncrementVersion(ctx context.Context) int {
	v := it.version.Get(ctx) + 1
	it.version.Set(ctx, v, itemstate.Default)
	return v
}

func (it *Item) MetadataVersion(ctx context.Context) int {
	return it.metadataVersion.Get(ctx)
}

func (it *Item) SetMetadataVersion(ctx context.Context, v int, mode itemstate.AccessMode) {
	it.metadataVersion.Set(ctx, v, mode)
}

func (it *Item) IncrementMetadataVersion(ctx context.Context) int {
	v := it.metadataVersion.Get(ctx) + 1
	it.metadataVersion.Set(ctx, v, itemstate.Default)
	return v
}
