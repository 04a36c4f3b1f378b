//go:build !rocksdb

package iostore

import (
	"fmt"

	dbm "github.com/cosmos/cosmos-db"
)

func openRocksDB(name, dir string) (dbm.DB, error) {
	return nil, fmt.Errorf("iostore: rocksdb backend not compiled in (build with -tags rocksdb)")
}
