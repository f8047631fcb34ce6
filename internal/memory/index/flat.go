package index

import (
	"bufio"
	"container/heap"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"anima/internal/memory/vectors"
)

const indexFileVersion = 1

// FlatIndex is an exact brute-force L2 index held in memory, the default
// backend. Builds tagged sqlite_vec use the sqlite-vec backed index
// instead.
type FlatIndex struct {
	mu   sync.RWMutex
	dim  int
	ids  []int64
	vecs [][]float32
	pos  map[int64]int
}

var _ VectorIndex = (*FlatIndex)(nil)

// NewFlat returns an empty index for vectors of the given dimension.
func NewFlat(dim int) *FlatIndex {
	return &FlatIndex{dim: dim, pos: make(map[int64]int)}
}

func (x *FlatIndex) Add(ids []int64, vecs [][]float32) error {
	if len(ids) != len(vecs) {
		return fmt.Errorf("got %d ids for %d vectors", len(ids), len(vecs))
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	for i, id := range ids {
		if len(vecs[i]) != x.dim {
			return fmt.Errorf("vector %d has %d dimensions, index expects %d", id, len(vecs[i]), x.dim)
		}
		// Re-adding an id replaces its vector so a repeated sync cannot
		// inflate the count.
		if at, ok := x.pos[id]; ok {
			x.vecs[at] = vecs[i]
			continue
		}
		x.pos[id] = len(x.ids)
		x.ids = append(x.ids, id)
		x.vecs = append(x.vecs, vecs[i])
	}
	return nil
}

type flatHit struct {
	id   int64
	dist float64
	ord  int
}

// flatHitHeap is a max-heap on distance so the root holds the worst of the
// current best k.
type flatHitHeap []flatHit

func (h flatHitHeap) Len() int           { return len(h) }
func (h flatHitHeap) Less(i, j int) bool { return h[i].dist > h[j].dist }
func (h flatHitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *flatHitHeap) Push(x any) {
	*h = append(*h, x.(flatHit))
}

func (h *flatHitHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

func (x *FlatIndex) Search(vec []float32, k int) ([]int64, []float32, error) {
	if len(vec) != x.dim {
		return nil, nil, fmt.Errorf("query has %d dimensions, index expects %d", len(vec), x.dim)
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	if k <= 0 || len(x.ids) == 0 {
		return nil, nil, nil
	}
	if k > len(x.ids) {
		k = len(x.ids)
	}

	h := make(flatHitHeap, 0, k)
	for i, id := range x.ids {
		d := vectors.SquaredL2(vec, x.vecs[i])
		if len(h) < k {
			heap.Push(&h, flatHit{id: id, dist: d, ord: i})
		} else if d < h[0].dist {
			h[0] = flatHit{id: id, dist: d, ord: i}
			heap.Fix(&h, 0)
		}
	}
	sortHits(h)

	ids := make([]int64, len(h))
	dists := make([]float32, len(h))
	for i, hit := range h {
		ids[i] = hit.id
		dists[i] = float32(hit.dist)
	}
	return ids, dists, nil
}

// sortHits orders ascending by distance, ties by insertion order.
// Insertion sort is enough at the k values used here.
func sortHits(hits []flatHit) {
	for i := 1; i < len(hits); i++ {
		v := hits[i]
		j := i - 1
		for j >= 0 && (hits[j].dist > v.dist || (hits[j].dist == v.dist && hits[j].ord > v.ord)) {
			hits[j+1] = hits[j]
			j--
		}
		hits[j+1] = v
	}
}

func (x *FlatIndex) Count() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.ids)
}

func (x *FlatIndex) Reset() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.ids = nil
	x.vecs = nil
	x.pos = make(map[int64]int)
	return nil
}

// Save persists the index with a write-verify-swap sequence: the data goes
// to a temp file, the temp file is read back, the previous file is kept as
// .bak, then the temp file moves into place.
func (x *FlatIndex) Save(path string) error {
	if path == "" {
		return fmt.Errorf("index path must be provided")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating index directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp index file: %w", err)
	}
	tmpName := tmp.Name()
	if err := x.writeTo(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing index: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := NewFlat(x.dim).Load(tmpName); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("verifying index file: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, path+".bak"); err != nil {
			os.Remove(tmpName)
			return fmt.Errorf("keeping index backup: %w", err)
		}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("installing index file: %w", err)
	}
	return nil
}

func (x *FlatIndex) writeTo(w io.Writer) error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	bw := bufio.NewWriter(w)
	for _, v := range []uint32{indexFileVersion, uint32(x.dim), uint32(len(x.ids))} {
		if err := binary.Write(bw, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	for i, id := range x.ids {
		if err := binary.Write(bw, binary.LittleEndian, id); err != nil {
			return err
		}
		if _, err := bw.Write(vectors.Encode(x.vecs[i])); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Load replaces the index contents with the persisted file at path. A
// missing file leaves the index empty.
func (x *FlatIndex) Load(path string) error {
	if path == "" {
		return x.Reset()
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return x.Reset()
	}
	if err != nil {
		return fmt.Errorf("opening index file: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var version, dim, count uint32
	for _, p := range []*uint32{&version, &dim, &count} {
		if err := binary.Read(br, binary.LittleEndian, p); err != nil {
			return fmt.Errorf("reading index header: %w", err)
		}
	}
	if version != indexFileVersion {
		return fmt.Errorf("unsupported index file version %d", version)
	}
	if int(dim) != x.dim {
		return fmt.Errorf("index file dimension %d does not match configured %d", dim, x.dim)
	}

	ids := make([]int64, 0, count)
	vecs := make([][]float32, 0, count)
	pos := make(map[int64]int, count)
	buf := make([]byte, x.dim*4)
	for i := uint32(0); i < count; i++ {
		var id int64
		if err := binary.Read(br, binary.LittleEndian, &id); err != nil {
			return fmt.Errorf("reading index entry %d: %w", i, err)
		}
		if _, err := io.ReadFull(br, buf); err != nil {
			return fmt.Errorf("reading index entry %d: %w", i, err)
		}
		vec, err := vectors.Decode(buf)
		if err != nil {
			return fmt.Errorf("index entry %d: %w", i, err)
		}
		if at, ok := pos[id]; ok {
			vecs[at] = vec
			continue
		}
		pos[id] = len(ids)
		ids = append(ids, id)
		vecs = append(vecs, vec)
	}

	x.mu.Lock()
	x.ids, x.vecs, x.pos = ids, vecs, pos
	x.mu.Unlock()
	return nil
}
