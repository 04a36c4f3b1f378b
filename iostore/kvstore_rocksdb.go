//go:build rocksdb

package iostore

import dbm "github.com/cosmos/cosmos-db"

func openRocksDB(name, dir string) (dbm.DB, error) {
	return dbm.NewRocksDB(name, dir, nil)
}
