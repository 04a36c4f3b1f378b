package iostore

import (
	"testing"

	dbm "github.com/cosmos/cosmos-db"
	"github.com/stretchr/testify/require"
)

func TestWriteThenReadRoundTrip(t *testing.T) {
	m := NewKVBlockManager(dbm.NewMemDB())
	defer m.Close()

	handle := m.NewHandle()
	data := []byte("pattern-0123456789")

	writeDone := make(chan bool, 1)
	m.WriteAsync(handle, data, func(success bool) { writeDone <- success }).Wait()
	require.True(t, <-writeDone)

	dst := make([]byte, len(data))
	readDone := make(chan bool, 1)
	m.ReadAsync(handle, dst, func(success bool) { readDone <- success }).Wait()
	require.True(t, <-readDone)
	require.Equal(t, data, dst)
}

func TestReadUnknownHandleFails(t *testing.T) {
	m := NewKVBlockManager(dbm.NewMemDB())
	defer m.Close()

	dst := make([]byte, 4)
	done := make(chan bool, 1)
	m.ReadAsync(Handle(999), dst, func(success bool) { done <- success }).Wait()
	require.False(t, <-done)
}

func TestReadSizeMismatchFails(t *testing.T) {
	m := NewKVBlockManager(dbm.NewMemDB())
	defer m.Close()

	handle := m.NewHandle()
	writeDone := make(chan bool, 1)
	m.WriteAsync(handle, []byte("12345"), func(success bool) { writeDone <- success }).Wait()
	require.True(t, <-writeDone)

	dst := make([]byte, 3)
	readDone := make(chan bool, 1)
	m.ReadAsync(handle, dst, func(success bool) { readDone <- success }).Wait()
	require.False(t, <-readDone)
}

func TestNewHandleIsUnique(t *testing.T) {
	m := NewKVBlockManager(dbm.NewMemDB())
	defer m.Close()

	seen := map[Handle]bool{}
	for i := 0; i < 100; i++ {
		h := m.NewHandle()
		require.False(t, seen[h])
		seen[h] = true
	}
}
