package mailbox

import (
	"context"
	"sync/atomic"
)

// Owner identifies a unit of work, e.g. a request or a background job, that
// can be allowed access to a mailbox in maintenance. Owners are carried in a
// context.
type Owner int64

var lastOwner atomic.Int64

// NewOwner returns a new unique owner.
func NewOwner() Owner {
	return Owner(lastOwner.Add(1))
}

type ownerKey struct{}

// WithOwner returns a context carrying owner o.
func WithOwner(ctx context.Context, o Owner) context.Context {
	return context.WithValue(ctx, ownerKey{}, o)
}

// OwnerFrom returns the owner in ctx, if any.
func OwnerFrom(ctx context.Context) (Owner, bool) {
	o, ok := ctx.Value(ownerKey{}).(Owner)
	return o, ok
}
