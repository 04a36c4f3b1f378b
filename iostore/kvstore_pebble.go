//go:build pebbledb

package iostore

import dbm "github.com/cosmos/cosmos-db"

func openPebble(name, dir string) (dbm.DB, error) {
	return dbm.NewPebbleDB(name, dir, nil)
}
