package export

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/23skdu/longbow-curvature/internal/logger"
	"github.com/23skdu/longbow-curvature/internal/metrics"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Sink receives named records.
type Sink interface {
	Put(ctx context.Context, name string, rec arrow.Record) error
}

// WriteStream writes records sharing one schema as an Arrow IPC stream.
func WriteStream(w io.Writer, mem memory.Allocator, recs ...arrow.Record) error {
	if len(recs) == 0 {
		return fmt.Errorf("no records to write")
	}
	wr := ipc.NewWriter(w, ipc.WithSchema(recs[0].Schema()), ipc.WithAllocator(mem))
	for _, rec := range recs {
		if err := wr.Write(rec); err != nil {
			wr.Close()
			return fmt.Errorf("write record: %w", err)
		}
	}
	return wr.Close()
}

// ReadStream reads every record of an Arrow IPC stream. The caller releases
// the returned records.
func ReadStream(r io.Reader, mem memory.Allocator) ([]arrow.Record, error) {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(mem))
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	defer rdr.Release()

	var out []arrow.Record
	for rdr.Next() {
		rec := rdr.Record()
		rec.Retain()
		out = append(out, rec)
	}
	if err := rdr.Err(); err != nil && err != io.EOF {
		for _, rec := range out {
			rec.Release()
		}
		return nil, fmt.Errorf("read stream: %w", err)
	}
	return out, nil
}

// FileSink writes each record to <dir>/<name>.arrow.
type FileSink struct {
	dir string
	mem memory.Allocator
	log *logger.Logger
}

func NewFileSink(dir string, mem memory.Allocator) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	return &FileSink{dir: dir, mem: mem, log: logger.Log.With("export")}, nil
}

// Path returns the file a record named name is written to.
func (s *FileSink) Path(name string) string {
	return filepath.Join(s.dir, name+".arrow")
}

func (s *FileSink) Put(_ context.Context, name string, rec arrow.Record) error {
	path := s.Path(name)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := WriteStream(f, s.mem, rec); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	metrics.RecordExport("file", 1)
	s.log.Debug("record written", "path", path, "rows", rec.NumRows())
	return nil
}
