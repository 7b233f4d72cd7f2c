package archiver

import (
	"sync/atomic"
	"time"
)

var cid atomic.Int64

func init() {
	cid.Store(time.Now().UnixMilli())
}

// Cid returns a new unique id for a connection or relay attempt, logged as
// "cid" and stored in contexts under mlog.CidKey.
func Cid() int64 {
	return cid.Add(1)
}
