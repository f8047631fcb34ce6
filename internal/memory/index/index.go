// Package index provides the vector index backing semantic memory
// retrieval. Vectors are keyed by the interaction sequence number so the
// index never needs its own identifier space.
package index

// VectorIndex is an exact nearest-neighbour index over interaction
// embeddings. Implementations are safe for concurrent use.
//
// Search returns parallel id and distance slices ordered by ascending
// distance. Distances are squared L2 and are meaningful for ordering only.
type VectorIndex interface {
	Add(ids []int64, vecs [][]float32) error
	Search(vec []float32, k int) ([]int64, []float32, error)
	Count() int
	Save(path string) error
	Load(path string) error
	Reset() error
}
