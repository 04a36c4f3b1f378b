package iostore

import (
	"fmt"
	"sync"
	"time"

	"github.com/gogo/protobuf/proto"
	"github.com/tidwall/wal"

	"github.com/kocubinski/blockpool/internal/log"
)

// AuditEvent records one pool state transition for operational
// replay/debugging. It is not a durability mechanism: on process restart
// the pool starts empty and a reopened audit log is only appended to;
// swapped blocks are never recovered from it.
type AuditEvent struct {
	Kind      string `protobuf:"bytes,1,opt,name=kind,proto3" json:"kind,omitempty"`
	Handle    uint64 `protobuf:"varint,2,opt,name=handle,proto3" json:"handle,omitempty"`
	Bytes     int64  `protobuf:"varint,3,opt,name=bytes,proto3" json:"bytes,omitempty"`
	UnixNanos int64  `protobuf:"varint,4,opt,name=unix_nanos,proto3" json:"unix_nanos,omitempty"`
}

var _ proto.Message = (*AuditEvent)(nil)

func (e *AuditEvent) Reset()         { *e = AuditEvent{} }
func (e *AuditEvent) String() string { return fmt.Sprintf("%s(handle=%d, bytes=%d)", e.Kind, e.Handle, e.Bytes) }
func (e *AuditEvent) ProtoMessage()  {}

// Event kinds appended by data.BlockPool.
const (
	EventEvicted = "evicted"
	EventPinnedIn = "pinned_in"
	EventDestroyed = "destroyed"
)

// AuditLog is an append-only, checkpoint-truncated log of AuditEvents. Once
// the log grows past its checkpoint interval, everything before the
// previous checkpoint is truncated from the front.
type AuditLog struct {
	log *wal.Log

	mu       sync.Mutex
	index    uint64
	interval uint64
	head     uint64
}

// OpenAuditLog opens (or creates) a tidwall/wal log rooted at dir.
func OpenAuditLog(dir string) (*AuditLog, error) {
	opts := wal.DefaultOptions
	opts.NoSync = true
	l, err := wal.Open(fmt.Sprintf("%s/blockpool-audit.wal", dir), opts)
	if err != nil {
		return nil, err
	}
	first, err := l.FirstIndex()
	if err != nil {
		return nil, err
	}
	last, err := l.LastIndex()
	if err != nil {
		return nil, err
	}
	if first == 0 {
		first = 1
	}
	// New events continue after whatever an earlier run left in the log.
	return &AuditLog{log: l, index: last + 1, interval: 1000, head: first}, nil
}

// Append writes one event to the log, truncating everything before the
// current checkpoint interval once it is exceeded.
func (a *AuditLog) Append(kind string, handle Handle, bytes int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ev := &AuditEvent{
		Kind:      kind,
		Handle:    uint64(handle),
		Bytes:     bytes,
		UnixNanos: time.Now().UnixNano(),
	}
	bz, err := proto.Marshal(ev)
	if err != nil {
		log.Logger().Error().Err(err).Msg("auditlog: marshal failed")
		return
	}
	if err := a.log.Write(a.index, bz); err != nil {
		log.Logger().Error().Err(err).Msg("auditlog: write failed")
		return
	}
	a.index++

	if a.index-a.head >= a.interval {
		if err := a.log.TruncateFront(a.head + a.interval/2); err != nil {
			log.Logger().Error().Err(err).Msg("auditlog: truncate failed")
			return
		}
		a.head += a.interval / 2
	}
}

// Close closes the backing wal.Log.
func (a *AuditLog) Close() error {
	return a.log.Close()
}
