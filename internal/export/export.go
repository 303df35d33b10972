package export

import (
	"bytes"
	"context"
	"fmt"
	"guildsync/internal/types"
	"io"
	"iter"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
)

// FormatVersion is written in the snapshot header.
const FormatVersion = "1"

// Source yields the documents to export.
type Source interface {
	Documents(ctx context.Context) iter.Seq2[*types.Document, error]
}

// header is the first JSONL record of a snapshot.
type header struct {
	Version   string    `json:"version"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// record wraps a single JSONL line with a type discriminator.
type record struct {
	Type string          `json:"type"`
	Data *types.Document `json:"data"`
}

// WriteJSONL writes a header line then one line per document of src to w. It returns the
// number of documents written.
func WriteJSONL(ctx context.Context, src Source, w io.Writer, now time.Time) (int, error) {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(header{Version: FormatVersion, Type: "header", Timestamp: now.UTC()}); err != nil {
		return 0, fmt.Errorf("encode header: %w", err)
	}
	n := 0
	for doc, err := range src.Documents(ctx) {
		if err != nil {
			return n, err
		}
		if err := enc.Encode(record{Type: "config", Data: doc}); err != nil {
			return n, fmt.Errorf("encode %s: %w", doc.Key, err)
		}
		n++
	}
	return n, nil
}

// Snapshot is one compressed export.
type Snapshot struct {
	Name      string
	Documents int
	Data      []byte
}

// Build exports src as zstd-compressed JSONL named after now.
func Build(ctx context.Context, src Source, now time.Time) (*Snapshot, error) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	n, err := WriteJSONL(ctx, src, zw, now)
	if err != nil {
		_ = zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	return &Snapshot{
		Name:      fmt.Sprintf("guildsync-%s.jsonl.zst", now.UTC().Format("20060102T150405Z")),
		Documents: n,
		Data:      buf.Bytes(),
	}, nil
}

// ReadJSONL decodes a compressed snapshot back into its documents.
func ReadJSONL(r io.Reader) ([]*types.Document, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	dec := json.NewDecoder(zr)
	var h header
	if err := dec.Decode(&h); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	if h.Type != "header" || h.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported snapshot %s v%s", h.Type, h.Version)
	}
	var docs []*types.Document
	for {
		var rec record
		err := dec.Decode(&rec)
		if err == io.EOF {
			return docs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		docs = append(docs, rec.Data)
	}
}
