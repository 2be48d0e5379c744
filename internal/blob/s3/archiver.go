package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/alanyoungcy/triggerbot/internal/domain"
)

const jsonlContentType = "application/x-ndjson"

// multipartWriter is implemented by writers that can stream large objects in
// parts.
type multipartWriter interface {
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// archiveLine is one JSONL row. The first row carries the strategy, the
// rest its execution records in submission order.
type archiveLine struct {
	Type      string                  `json:"type"`
	Strategy  *domain.Strategy        `json:"strategy,omitempty"`
	Execution *domain.ExecutionRecord `json:"execution,omitempty"`
}

// Archiver implements domain.StrategyArchiver by writing a strategy and its
// execution history as JSONL to archive/strategies/{id}.jsonl.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
}

// NewArchiver creates an Archiver. reader may be nil when archives are never
// read back.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader) *Archiver {
	return &Archiver{writer: writer, reader: reader}
}

// ArchivePath returns the object key for a strategy archive.
func ArchivePath(strategyID string) string {
	return "archive/strategies/" + strategyID + ".jsonl"
}

// ArchiveStrategy uploads s and execs and returns the object key. Archives
// above the multipart threshold go through the multipart uploader when the
// writer supports it.
func (a *Archiver) ArchiveStrategy(ctx context.Context, s domain.Strategy, execs []domain.ExecutionRecord) (string, error) {
	lines := make([]archiveLine, 0, len(execs)+1)
	lines = append(lines, archiveLine{Type: "strategy", Strategy: &s})
	for i := range execs {
		lines = append(lines, archiveLine{Type: "execution", Execution: &execs[i]})
	}
	buf, err := marshalJSONL(lines)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s marshal: %w", s.ID, err)
	}

	path := ArchivePath(s.ID)
	if mw, ok := a.writer.(multipartWriter); ok && int64(len(buf)) > minPartSize {
		err = mw.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s upload: %w", s.ID, err)
	}
	return path, nil
}

// Load reads an archive back. A missing archive is domain.ErrNotFound.
func (a *Archiver) Load(ctx context.Context, strategyID string) (domain.Strategy, []domain.ExecutionRecord, error) {
	if a.reader == nil {
		return domain.Strategy{}, nil, errors.New("s3blob: archiver has no reader")
	}
	body, err := a.reader.Get(ctx, ArchivePath(strategyID))
	if err != nil {
		return domain.Strategy{}, nil, err
	}
	defer body.Close()

	var (
		st    *domain.Strategy
		execs []domain.ExecutionRecord
	)
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var line archiveLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			return domain.Strategy{}, nil, fmt.Errorf("s3blob: decode archive %s: %w", strategyID, err)
		}
		switch {
		case line.Strategy != nil:
			st = line.Strategy
		case line.Execution != nil:
			execs = append(execs, *line.Execution)
		}
	}
	if err := sc.Err(); err != nil {
		return domain.Strategy{}, nil, fmt.Errorf("s3blob: read archive %s: %w", strategyID, err)
	}
	if st == nil {
		return domain.Strategy{}, nil, fmt.Errorf("s3blob: archive %s has no strategy row", strategyID)
	}
	return *st, execs, nil
}

// marshalJSONL encodes each record as one compact JSON line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.StrategyArchiver = (*Archiver)(nil)
