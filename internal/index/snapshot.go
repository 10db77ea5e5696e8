package index

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/klauspost/compress/zstd"
)

// Snapshot file layout: 4-byte magic and a version word in the clear,
// followed by a zstd stream holding count, dim, ids, domain tags, and the
// dense vector block.

var snapshotMagic = [4]byte{'R', 'R', 'S', '1'}

const snapshotVersion = uint16(1)

// Snapshot is the decoded contents of an index snapshot file.
type Snapshot struct {
	Dim     int
	IDs     []int64
	Domains []string
	Vectors []float32 // len(IDs) * Dim, row-major
}

// WriteSnapshot writes a snapshot file for the given corpus.
func WriteSnapshot(path string, snap Snapshot) error {
	count := len(snap.IDs)
	if len(snap.Domains) != count || len(snap.Vectors) != count*snap.Dim {
		return fmt.Errorf("inconsistent snapshot: %d ids, %d domains, %d floats for dim %d",
			count, len(snap.Domains), len(snap.Vectors), snap.Dim)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	if _, err := bw.Write(snapshotMagic[:]); err != nil {
		return fmt.Errorf("write magic: %w", err)
	}
	if err := binary.Write(bw, binary.LittleEndian, snapshotVersion); err != nil {
		return fmt.Errorf("write version: %w", err)
	}

	zw, err := zstd.NewWriter(bw)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	if err := writeBody(zw, snap); err != nil {
		zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("flush zstd: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush snapshot: %w", err)
	}
	return f.Sync()
}

func writeBody(w io.Writer, snap Snapshot) error {
	count := len(snap.IDs)
	if err := binary.Write(w, binary.LittleEndian, uint32(count)); err != nil {
		return fmt.Errorf("write count: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(snap.Dim)); err != nil {
		return fmt.Errorf("write dim: %w", err)
	}
	for _, id := range snap.IDs {
		if err := binary.Write(w, binary.LittleEndian, id); err != nil {
			return fmt.Errorf("write ids: %w", err)
		}
	}
	for _, domain := range snap.Domains {
		b := []byte(domain)
		if len(b) > math.MaxUint16 {
			return fmt.Errorf("domain tag too long: %d bytes", len(b))
		}
		if err := binary.Write(w, binary.LittleEndian, uint16(len(b))); err != nil {
			return fmt.Errorf("write domain len: %w", err)
		}
		if _, err := w.Write(b); err != nil {
			return fmt.Errorf("write domain: %w", err)
		}
	}
	if err := binary.Write(w, binary.LittleEndian, snap.Vectors); err != nil {
		return fmt.Errorf("write vectors: %w", err)
	}
	return nil
}

// ReadSnapshot loads a snapshot file written by WriteSnapshot.
func ReadSnapshot(path string) (Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return Snapshot{}, fmt.Errorf("read magic: %w", err)
	}
	if magic != snapshotMagic {
		return Snapshot{}, fmt.Errorf("not a ragrelay snapshot: bad magic %q", magic[:])
	}
	var version uint16
	if err := binary.Read(br, binary.LittleEndian, &version); err != nil {
		return Snapshot{}, fmt.Errorf("read version: %w", err)
	}
	if version != snapshotVersion {
		return Snapshot{}, fmt.Errorf("unsupported snapshot version %d", version)
	}

	zr, err := zstd.NewReader(br)
	if err != nil {
		return Snapshot{}, fmt.Errorf("zstd reader: %w", err)
	}
	defer zr.Close()

	return readBody(zr)
}

func readBody(r io.Reader) (Snapshot, error) {
	var count, dim uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return Snapshot{}, fmt.Errorf("read count: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return Snapshot{}, fmt.Errorf("read dim: %w", err)
	}

	snap := Snapshot{
		Dim:     int(dim),
		IDs:     make([]int64, count),
		Domains: make([]string, count),
		Vectors: make([]float32, int(count)*int(dim)),
	}
	for i := range snap.IDs {
		if err := binary.Read(r, binary.LittleEndian, &snap.IDs[i]); err != nil {
			return Snapshot{}, fmt.Errorf("read ids: %w", err)
		}
	}
	for i := range snap.Domains {
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return Snapshot{}, fmt.Errorf("read domain len: %w", err)
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return Snapshot{}, fmt.Errorf("read domain: %w", err)
		}
		snap.Domains[i] = string(b)
	}
	if err := binary.Read(r, binary.LittleEndian, snap.Vectors); err != nil {
		return Snapshot{}, fmt.Errorf("read vectors: %w", err)
	}
	return snap, nil
}
