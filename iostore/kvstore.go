package iostore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sync"
	"time"

	dbm "github.com/cosmos/cosmos-db"

	"github.com/kocubinski/blockpool/internal/log"
)

// Backend selects the key-value engine backing a KVBlockManager, following
// v2/db.go's use of a single dbm.DB abstracting over multiple storage
// engines.
type Backend int

const (
	// BackendMemory keeps all blocks in an in-process map; used by tests
	// and by callers that want swap-out semantics without real disk I/O.
	BackendMemory Backend = iota
	// BackendGoLevelDB stores blocks in a goleveldb database on disk.
	BackendGoLevelDB
	// BackendPebble stores blocks in a pebble database on disk.
	BackendPebble
	// BackendRocksDB stores blocks in a grocksdb database on disk.
	BackendRocksDB
)

// Open constructs the dbm.DB for the given backend, name, and directory.
func Open(backend Backend, name, dir string) (dbm.DB, error) {
	switch backend {
	case BackendMemory:
		return dbm.NewMemDB(), nil
	case BackendGoLevelDB:
		return dbm.NewGoLevelDB(name, dir, nil)
	case BackendPebble:
		return openPebble(name, dir)
	case BackendRocksDB:
		return openRocksDB(name, dir)
	default:
		return nil, fmt.Errorf("iostore: unknown backend %d", backend)
	}
}

// KVBlockManager is a BlockManager backed by a dbm.DB: each handle's bytes
// are stored under a binary key, with a BlockDescriptor stored under a
// parallel "descriptor" key for validation on read-back. Callbacks run on
// goroutines spawned per request, bounded by a semaphore so a burst of
// evictions can't spawn unbounded goroutines.
type KVBlockManager struct {
	handleAllocator
	db  dbm.DB
	sem chan struct{}
	wg  sync.WaitGroup
}

const maxConcurrentIO = 8

// NewKVBlockManager wraps db as a BlockManager.
func NewKVBlockManager(db dbm.DB) *KVBlockManager {
	return &KVBlockManager{
		db:  db,
		sem: make(chan struct{}, maxConcurrentIO),
	}
}

type kvRequest struct {
	done chan struct{}
}

func (r *kvRequest) Wait() { <-r.done }

func dataKey(h Handle) []byte {
	key := make([]byte, 9)
	key[0] = 'd'
	binary.BigEndian.PutUint64(key[1:], uint64(h))
	return key
}

func descriptorKey(h Handle) []byte {
	key := make([]byte, 9)
	key[0] = 'm'
	binary.BigEndian.PutUint64(key[1:], uint64(h))
	return key
}

// WriteAsync implements BlockManager.
func (m *KVBlockManager) WriteAsync(handle Handle, data []byte, onComplete Completion) RequestPtr {
	req := &kvRequest{done: make(chan struct{})}
	m.wg.Add(1)
	m.sem <- struct{}{}
	go func() {
		defer m.wg.Done()
		defer close(req.done)
		defer func() { <-m.sem }()

		desc := &BlockDescriptor{
			Size:          int64(len(data)),
			Crc32C:        crc32.ChecksumIEEE(data),
			WrittenAtUnix: time.Now().UnixNano(),
		}
		descBz, err := MarshalDescriptor(desc)
		if err != nil {
			log.Logger().Error().Err(err).Msg("iostore: marshal descriptor failed")
			onComplete(false)
			return
		}

		if err := m.db.Set(dataKey(handle), data); err != nil {
			log.Logger().Error().Err(err).Uint64("handle", uint64(handle)).Msg("iostore: write failed")
			onComplete(false)
			return
		}
		if err := m.db.Set(descriptorKey(handle), descBz); err != nil {
			log.Logger().Error().Err(err).Uint64("handle", uint64(handle)).Msg("iostore: descriptor write failed")
			onComplete(false)
			return
		}
		onComplete(true)
	}()
	return req
}

// ReadAsync implements BlockManager.
func (m *KVBlockManager) ReadAsync(handle Handle, dst []byte, onComplete Completion) RequestPtr {
	req := &kvRequest{done: make(chan struct{})}
	m.wg.Add(1)
	m.sem <- struct{}{}
	go func() {
		defer m.wg.Done()
		defer close(req.done)
		defer func() { <-m.sem }()

		descBz, err := m.db.Get(descriptorKey(handle))
		if err != nil || descBz == nil {
			log.Logger().Error().Err(err).Uint64("handle", uint64(handle)).Msg("iostore: descriptor read failed")
			onComplete(false)
			return
		}
		desc, err := UnmarshalDescriptor(descBz)
		if err != nil {
			log.Logger().Error().Err(err).Msg("iostore: unmarshal descriptor failed")
			onComplete(false)
			return
		}
		if desc.Size != int64(len(dst)) {
			log.Logger().Error().
				Int64("want", int64(len(dst))).Int64("have", desc.Size).
				Msg("iostore: size mismatch on read-back")
			onComplete(false)
			return
		}

		data, err := m.db.Get(dataKey(handle))
		if err != nil || data == nil {
			log.Logger().Error().Err(err).Uint64("handle", uint64(handle)).Msg("iostore: data read failed")
			onComplete(false)
			return
		}
		if crc32.ChecksumIEEE(data) != desc.Crc32C {
			log.Logger().Error().Uint64("handle", uint64(handle)).Msg("iostore: checksum mismatch on read-back")
			onComplete(false)
			return
		}
		copy(dst, data)
		onComplete(true)
	}()
	return req
}

// Free implements BlockManager.
func (m *KVBlockManager) Free(handle Handle) error {
	if err := m.db.Delete(dataKey(handle)); err != nil {
		return err
	}
	return m.db.Delete(descriptorKey(handle))
}

// Close waits for outstanding requests and closes the backing store.
func (m *KVBlockManager) Close() error {
	m.wg.Wait()
	return m.db.Close()
}
