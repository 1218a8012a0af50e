// Package all is a meta-package that imports all store implementations so
// that every backend is present in the store registry.
package all

import (
	_ "github.com/uvensys/gatebot/lib/store/bbolt"
	_ "github.com/uvensys/gatebot/lib/store/memory"
	_ "github.com/uvensys/gatebot/lib/store/valkey"
)
