// Package archive exports stored chunks to Parquet files and ships them to
// object storage.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
	"github.com/sirupsen/logrus"

	"seisflow/internal/domain"
	"seisflow/internal/logging"
	"seisflow/internal/observability"
	"seisflow/internal/storage"
)

// ChunkRow is one stored chunk in Parquet form. Payload keeps the codec's
// compressed bytes so a file can be loaded back without recompression.
type ChunkRow struct {
	ChannelID  string  `parquet:"channel_id,zstd"`
	StartUs    int64   `parquet:"start_us"`
	EndUs      int64   `parquet:"end_us"`
	SampleRate float64 `parquet:"sample_rate"`
	DType      string  `parquet:"dtype,zstd"`
	Samples    int32   `parquet:"samples"`
	Payload    []byte  `parquet:"payload"`
}

// ChunkToRow converts a Chunk to a ChunkRow.
func ChunkToRow(c *domain.Chunk) ChunkRow {
	return ChunkRow{
		ChannelID:  c.ChannelID,
		StartUs:    c.Start.UnixMicro(),
		EndUs:      c.End.UnixMicro(),
		SampleRate: c.SampleRate,
		DType:      string(c.DType),
		Samples:    int32(c.ExpectedSamples()),
		Payload:    c.Payload,
	}
}

// RowToChunk converts a ChunkRow to a Chunk.
func RowToChunk(r *ChunkRow) *domain.Chunk {
	return &domain.Chunk{
		ChannelID:  r.ChannelID,
		Start:      time.UnixMicro(r.StartUs).UTC(),
		End:        time.UnixMicro(r.EndUs).UTC(),
		SampleRate: r.SampleRate,
		DType:      domain.DType(r.DType),
		Payload:    append([]byte(nil), r.Payload...),
	}
}

// Options configures the exporter.
type Options struct {
	// Compression is the Parquet page codec: zstd (default), snappy, gzip, none.
	Compression string
	Logger      *logrus.Entry
}

// getCompression returns the parquet-go compression codec.
func getCompression(name string) compress.Codec {
	switch name {
	case "snappy":
		return &parquet.Snappy
	case "gzip":
		return &parquet.Gzip
	case "none":
		return &parquet.Uncompressed
	default:
		return &parquet.Zstd
	}
}

// ExportResult summarises one export.
type ExportResult struct {
	Channels int
	Rows     int64
}

// Exporter writes chunks of a time range to Parquet.
type Exporter struct {
	store storage.WaveformStore
	opts  Options
	log   *logrus.Entry
}

// NewExporter creates an exporter reading from store.
func NewExporter(store storage.WaveformStore, opts Options) *Exporter {
	if opts.Logger == nil {
		opts.Logger = logging.Component("archive")
	}
	return &Exporter{store: store, opts: opts, log: opts.Logger}
}

// Export writes every chunk of channelIDs intersecting [start, end] to w,
// ordered by channel then start.
func (e *Exporter) Export(ctx context.Context, w io.Writer, channelIDs []string, start, end time.Time) (ExportResult, error) {
	writer := parquet.NewGenericWriter[ChunkRow](w, parquet.Compression(getCompression(e.opts.Compression)))

	var res ExportResult
	for _, id := range channelIDs {
		chunks, err := e.store.Query(ctx, id, start, end)
		if err != nil {
			writer.Close()
			return res, fmt.Errorf("query %s: %w", id, err)
		}

		rows := make([]ChunkRow, len(chunks))
		for i, c := range chunks {
			rows[i] = ChunkToRow(c)
		}
		n, err := writer.Write(rows)
		if err != nil {
			writer.Close()
			return res, fmt.Errorf("write rows: %w", err)
		}
		res.Rows += int64(n)
		res.Channels++
	}

	if err := writer.Close(); err != nil {
		return res, fmt.Errorf("close writer: %w", err)
	}
	observability.DefaultMetrics.ArchiveRowsWritten.Add(float64(res.Rows))

	e.log.WithFields(logrus.Fields{
		"channels": res.Channels,
		"rows":     res.Rows,
		"start":    start,
		"end":      end,
	}).Info("export complete")
	return res, nil
}

// ExportFile writes the export to path, creating parent directories. A
// failed export removes the partial file.
func (e *Exporter) ExportFile(ctx context.Context, path string, channelIDs []string, start, end time.Time) (res ExportResult, err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return res, fmt.Errorf("create directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return res, fmt.Errorf("create file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
		if err != nil {
			os.Remove(path)
		}
	}()

	return e.Export(ctx, f, channelIDs, start, end)
}

// ReadChunks reads every row of a chunk Parquet file.
func ReadChunks(r io.ReaderAt) ([]*domain.Chunk, error) {
	reader := parquet.NewGenericReader[ChunkRow](r)
	defer reader.Close()

	rows := make([]ChunkRow, reader.NumRows())
	n, err := reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read rows: %w", err)
	}

	chunks := make([]*domain.Chunk, n)
	for i := 0; i < n; i++ {
		chunks[i] = RowToChunk(&rows[i])
	}
	return chunks, nil
}

// FileSource reads chunks from a Parquet file written by Exporter.
type FileSource struct {
	Path string
}

// Chunks returns every chunk in the file.
func (s FileSource) Chunks(context.Context) ([]*domain.Chunk, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()
	return ReadChunks(f)
}
