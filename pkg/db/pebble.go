package db

import (
	"fmt"
	"os"

	"github.com/cockroachdb/pebble"
)

// OpenPebble opens (or creates) a pebble database in dir.
func OpenPebble(dir string) (*pebble.DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dir, err)
	}
	pdb, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening pebble at %s: %w", dir, err)
	}
	return pdb, nil
}
