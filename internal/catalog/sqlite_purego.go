//go:build nocgo_sqlite

package catalog

// Pure-Go build (nocgo_sqlite) swaps in modernc.org/sqlite for environments
// without a cgo toolchain available.
import _ "modernc.org/sqlite"

const driverName = "sqlite"
