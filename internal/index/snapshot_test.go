package index

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSnapshot_Roundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corpus.snap")
	want := Snapshot{
		Dim:     3,
		IDs:     []int64{10, 20, 30},
		Domains: []string{"restaurant", "", "transit"},
		Vectors: []float32{
			1, 0, 0,
			0, 1, 0,
			0.5, 0.5, 0,
		},
	}

	if err := WriteSnapshot(path, want); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	got, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}

	if got.Dim != want.Dim {
		t.Errorf("dim = %d, want %d", got.Dim, want.Dim)
	}
	for i, id := range want.IDs {
		if got.IDs[i] != id {
			t.Errorf("id[%d] = %d, want %d", i, got.IDs[i], id)
		}
	}
	for i, domain := range want.Domains {
		if got.Domains[i] != domain {
			t.Errorf("domain[%d] = %q, want %q", i, got.Domains[i], domain)
		}
	}
	for i, v := range want.Vectors {
		if got.Vectors[i] != v {
			t.Fatalf("vector float %d = %v, want %v", i, got.Vectors[i], v)
		}
	}
}

func TestWriteSnapshot_RejectsInconsistentCorpus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corpus.snap")
	err := WriteSnapshot(path, Snapshot{
		Dim:     2,
		IDs:     []int64{1, 2},
		Domains: []string{"only-one"},
		Vectors: make([]float32, 4),
	})
	if err == nil {
		t.Fatal("expected error for mismatched domains")
	}
}

func TestReadSnapshot_BadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-snapshot")
	if err := os.WriteFile(path, []byte("GARBAGEDATA"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := ReadSnapshot(path); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestReadSnapshot_MissingFile(t *testing.T) {
	if _, err := ReadSnapshot(filepath.Join(t.TempDir(), "absent.snap")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
