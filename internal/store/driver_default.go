//go:build !(sqlite_vec && cgo)

package store

import (
	_ "modernc.org/sqlite"
)

// driverName selects the pure-Go sqlite driver. Build with
// -tags sqlite_vec (cgo enabled) to switch to mattn/go-sqlite3 with the
// sqlite-vec extension registered; VectorIndex.Search performs the same
// brute-force scan under either driver.
const driverName = "sqlite"

// vectorExtAvailable reports whether the sqlite-vec extension is compiled in.
const vectorExtAvailable = false
