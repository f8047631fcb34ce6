package index

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSearchOrdersByDistance(t *testing.T) {
	x := NewFlat(2)
	err := x.Add(
		[]int64{101, 102, 103},
		[][]float32{{0, 3}, {1, 0}, {2, 0}},
	)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	ids, dists, err := x.Search([]float32{0, 0}, 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	want := []int64{102, 103, 101}
	if len(ids) != 3 || ids[0] != want[0] || ids[1] != want[1] || ids[2] != want[2] {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	if !(dists[0] < dists[1] && dists[1] < dists[2]) {
		t.Fatalf("distances not ascending: %v", dists)
	}
	if dists[0] != 1 || dists[1] != 4 || dists[2] != 9 {
		t.Fatalf("expected squared distances {1 4 9}, got %v", dists)
	}
}

func TestSearchCapsAtIndexSize(t *testing.T) {
	x := NewFlat(2)
	if err := x.Add([]int64{1, 2}, [][]float32{{0, 1}, {0, 2}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	ids, _, err := x.Search([]float32{0, 0}, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(ids))
	}
}

func TestSearchEmptyIndex(t *testing.T) {
	x := NewFlat(2)
	ids, dists, err := x.Search([]float32{0, 0}, 5)
	if err != nil || ids != nil || dists != nil {
		t.Fatalf("expected empty result, got %v %v %v", ids, dists, err)
	}
}

func TestTieBreakByInsertionOrder(t *testing.T) {
	x := NewFlat(2)
	// Both vectors sit at distance 1 from the query.
	if err := x.Add([]int64{7, 3}, [][]float32{{1, 0}, {0, 1}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	ids, _, err := x.Search([]float32{0, 0}, 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if ids[0] != 7 || ids[1] != 3 {
		t.Fatalf("tie not broken by insertion order: %v", ids)
	}
}

func TestAddValidation(t *testing.T) {
	x := NewFlat(3)
	if err := x.Add([]int64{1}, [][]float32{{1, 2}}); err == nil {
		t.Fatalf("expected dimension error")
	}
	if err := x.Add([]int64{1, 2}, [][]float32{{1, 2, 3}}); err == nil {
		t.Fatalf("expected length mismatch error")
	}
	if x.Count() != 0 {
		t.Fatalf("failed adds should not grow the index, count = %d", x.Count())
	}
}

func TestSearchRejectsWrongDimension(t *testing.T) {
	x := NewFlat(3)
	if _, _, err := x.Search([]float32{1, 2}, 1); err == nil {
		t.Fatalf("expected dimension error")
	}
}

func TestReAddReplacesVector(t *testing.T) {
	x := NewFlat(2)
	if err := x.Add([]int64{1}, [][]float32{{100, 0}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := x.Add([]int64{1}, [][]float32{{0, 1}}); err != nil {
		t.Fatalf("re-Add: %v", err)
	}
	if x.Count() != 1 {
		t.Fatalf("count = %d after re-add, want 1", x.Count())
	}
	_, dists, err := x.Search([]float32{0, 0}, 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if dists[0] != 1 {
		t.Fatalf("stale vector survived re-add: distance %v", dists[0])
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.bin")

	x := NewFlat(2)
	if err := x.Add([]int64{10, 20, 30}, [][]float32{{1, 1}, {2, 2}, {3, 3}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := x.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	y := NewFlat(2)
	if err := y.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if y.Count() != 3 {
		t.Fatalf("count = %d after load, want 3", y.Count())
	}
	ids, _, err := y.Search([]float32{0, 0}, 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if ids[0] != 10 {
		t.Fatalf("nearest = %d, want 10", ids[0])
	}
}

func TestSaveKeepsBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.bin")

	x := NewFlat(2)
	if err := x.Add([]int64{1}, [][]float32{{1, 1}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := x.Save(path); err != nil {
		t.Fatalf("first Save: %v", err)
	}
	if err := x.Add([]int64{2}, [][]float32{{2, 2}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := x.Save(path); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	if _, err := os.Stat(path + ".bak"); err != nil {
		t.Fatalf("backup file missing: %v", err)
	}

	y := NewFlat(2)
	if err := y.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if y.Count() != 2 {
		t.Fatalf("count = %d, want 2", y.Count())
	}
}

func TestLoadMissingFileLeavesEmpty(t *testing.T) {
	x := NewFlat(2)
	if err := x.Add([]int64{1}, [][]float32{{1, 1}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := x.Load(filepath.Join(t.TempDir(), "absent.bin")); err != nil {
		t.Fatalf("Load of missing file: %v", err)
	}
	if x.Count() != 0 {
		t.Fatalf("count = %d, want 0", x.Count())
	}
}

func TestLoadDimensionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.bin")

	x := NewFlat(2)
	if err := x.Add([]int64{1}, [][]float32{{1, 1}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := x.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	y := NewFlat(3)
	if err := y.Load(path); err == nil {
		t.Fatalf("expected dimension mismatch error")
	}
}

func TestResetClearsIndex(t *testing.T) {
	x := NewFlat(2)
	if err := x.Add([]int64{1, 2}, [][]float32{{1, 1}, {2, 2}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := x.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if x.Count() != 0 {
		t.Fatalf("count = %d after reset", x.Count())
	}
	if err := x.Add([]int64{1}, [][]float32{{5, 5}}); err != nil {
		t.Fatalf("Add after reset: %v", err)
	}
	if x.Count() != 1 {
		t.Fatalf("count = %d, want 1", x.Count())
	}
}
