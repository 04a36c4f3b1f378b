//go:build !pebbledb

package iostore

import (
	"fmt"

	dbm "github.com/cosmos/cosmos-db"
)

func openPebble(name, dir string) (dbm.DB, error) {
	return nil, fmt.Errorf("iostore: pebble backend not compiled in (build with -tags pebbledb)")
}
