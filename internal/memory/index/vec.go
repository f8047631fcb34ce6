//go:build sqlite_vec && cgo

package index

import (
	"database/sql"
	"fmt"
	"sync"

	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"anima/internal/memory/vectors"
)

func init() {
	// Registers sqlite-vec as an auto-loaded extension on every new
	// mattn/go-sqlite3 connection.
	vec.Auto()
}

// New returns the sqlite-vec backed index selected by the sqlite_vec build
// tag.
func New(dim int) VectorIndex {
	return NewVec(dim)
}

// VecIndex stores vectors in a vec0 virtual table keyed by rowid. The
// database file is the persistent form, so Save reduces to a WAL
// checkpoint and Load opens the file.
type VecIndex struct {
	mu  sync.Mutex
	dim int
	db  *sql.DB
}

var _ VectorIndex = (*VecIndex)(nil)

// NewVec returns an index for vectors of the given dimension. Load must be
// called before any other operation.
func NewVec(dim int) *VecIndex {
	return &VecIndex{dim: dim}
}

func (v *VecIndex) Load(path string) error {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return fmt.Errorf("opening vector database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(fmt.Sprintf(
		"CREATE VIRTUAL TABLE IF NOT EXISTS vec_interactions USING vec0(embedding float[%d])", v.dim)); err != nil {
		db.Close()
		return fmt.Errorf("creating vec0 table: %w", err)
	}

	v.mu.Lock()
	if v.db != nil {
		v.db.Close()
	}
	v.db = db
	v.mu.Unlock()
	return nil
}

func (v *VecIndex) Add(ids []int64, vecs [][]float32) error {
	if len(ids) != len(vecs) {
		return fmt.Errorf("got %d ids for %d vectors", len(ids), len(vecs))
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.db == nil {
		return fmt.Errorf("vector index not loaded")
	}

	tx, err := v.db.Begin()
	if err != nil {
		return err
	}
	del, err := tx.Prepare("DELETE FROM vec_interactions WHERE rowid = ?")
	if err != nil {
		tx.Rollback()
		return err
	}
	ins, err := tx.Prepare("INSERT INTO vec_interactions(rowid, embedding) VALUES (?, ?)")
	if err != nil {
		del.Close()
		tx.Rollback()
		return err
	}
	for i, id := range ids {
		if len(vecs[i]) != v.dim {
			del.Close()
			ins.Close()
			tx.Rollback()
			return fmt.Errorf("vector %d has %d dimensions, index expects %d", id, len(vecs[i]), v.dim)
		}
		// vec0 has no upsert, so clear any previous row first.
		if _, err := del.Exec(id); err != nil {
			del.Close()
			ins.Close()
			tx.Rollback()
			return err
		}
		if _, err := ins.Exec(id, vectors.Encode(vecs[i])); err != nil {
			del.Close()
			ins.Close()
			tx.Rollback()
			return err
		}
	}
	del.Close()
	ins.Close()
	return tx.Commit()
}

func (v *VecIndex) Search(q []float32, k int) ([]int64, []float32, error) {
	if len(q) != v.dim {
		return nil, nil, fmt.Errorf("query has %d dimensions, index expects %d", len(q), v.dim)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.db == nil {
		return nil, nil, fmt.Errorf("vector index not loaded")
	}
	if k <= 0 {
		return nil, nil, nil
	}

	rows, err := v.db.Query(
		"SELECT rowid, vec_distance_L2(embedding, ?) AS distance FROM vec_interactions ORDER BY distance ASC LIMIT ?",
		vectors.Encode(q), k)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var ids []int64
	var dists []float32
	for rows.Next() {
		var id int64
		var d float64
		if err := rows.Scan(&id, &d); err != nil {
			return nil, nil, err
		}
		ids = append(ids, id)
		// vec_distance_L2 reports the true distance; squaring keeps parity
		// with the flat backend.
		dists = append(dists, float32(d*d))
	}
	return ids, dists, rows.Err()
}

func (v *VecIndex) Count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.db == nil {
		return 0
	}
	var n int
	if err := v.db.QueryRow("SELECT COUNT(*) FROM vec_interactions").Scan(&n); err != nil {
		return 0
	}
	return n
}

func (v *VecIndex) Save(string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.db == nil {
		return fmt.Errorf("vector index not loaded")
	}
	_, err := v.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

func (v *VecIndex) Reset() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.db == nil {
		return nil
	}
	_, err := v.db.Exec("DELETE FROM vec_interactions")
	return err
}
