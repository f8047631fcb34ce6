//go:build !(sqlite_vec && cgo)

package index

// New returns the index implementation for this build: the pure-Go flat
// index. Building with -tags sqlite_vec and cgo enabled selects the
// sqlite-vec backed index instead.
func New(dim int) VectorIndex {
	return NewFlat(dim)
}
