//go:build !nocgo_sqlite

package catalog

// Default build uses the cgo sqlite3 driver, matching the teacher's direct
// dependency on mattn/go-sqlite3.
import _ "github.com/mattn/go-sqlite3"

const driverName = "sqlite3"
