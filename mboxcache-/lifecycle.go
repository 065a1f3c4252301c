package mboxcache

import (
	"context"
)

// Shutdown is canceled when a graceful shutdown is initiated. The admin HTTP
// server and background preloading stop on it.
var Shutdown context.Context
var ShutdownCancel func()

// Context should be used as parent by all operations. It is canceled when mboxcache
// is shutdown, after all connections have been stopped, and after the Shutdown
// context has been canceled.
var Context context.Context
var ContextCancel func()

func init() {
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())
	Context, ContextCancel = context.WithCancel(context.Background())
}
