package mboxcache

import (
	"sync/atomic"
	"time"
)

// Connection IDs start at the time of process start so they are unlikely to
// repeat across restarts.
var lastCid = func() *atomic.Int64 {
	v := &atomic.Int64{}
	v.Store(time.Now().UnixMilli())
	return v
}()

// Cid returns a new ID for an admin request or background job, used as "cid"
// in log lines.
func Cid() int64 {
	return lastCid.Add(1)
}
