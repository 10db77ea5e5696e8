// Package docstore resolves retrieved document ids into document
// dictionaries. The store is shared storage readable by every rank, so
// workers that never load the vector index can still materialize the
// documents behind the ids they were handed by the scatter.
package docstore

import (
	"context"
	"errors"
	"time"

	"github.com/ragrelay/ragrelay/internal/tensor"
)

// ErrDocNotFound reports an id with no stored document behind it.
var ErrDocNotFound = errors.New("document not found")

// Document is a single stored passage.
type Document struct {
	ID     int64  `json:"id"`
	Title  string `json:"title"`
	Text   string `json:"text"`
	Domain string `json:"domain"`
}

// DocDict holds the co-indexed fields of one query row's retrieved
// documents: element j of every slice describes the j-th retrieved doc.
type DocDict struct {
	IDs     []int64
	Titles  []string
	Texts   []string
	Domains []string
}

// Store provides document dictionary resolution plus the write path used
// by the corpus loader.
type Store interface {
	Put(ctx context.Context, docs []Document) error
	DocDicts(ctx context.Context, ids tensor.IDMatrix) ([]DocDict, error)
	WaitForReady(ctx context.Context, timeout time.Duration) error
	Close()
}

func newDocDict(n int) DocDict {
	return DocDict{
		IDs:     make([]int64, 0, n),
		Titles:  make([]string, 0, n),
		Texts:   make([]string, 0, n),
		Domains: make([]string, 0, n),
	}
}

func (d *DocDict) append(doc Document) {
	d.IDs = append(d.IDs, doc.ID)
	d.Titles = append(d.Titles, doc.Title)
	d.Texts = append(d.Texts, doc.Text)
	d.Domains = append(d.Domains, doc.Domain)
}
