// Package partition persists normalized worksheet facts as Parquet files
// partitioned by worksheet, jurisdiction and fiscal year.
package partition

import (
	"fmt"
	"os"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/zstd"

	"costbench/internal/model"
)

// FactWriter writes WorksheetFact rows to one Parquet file.
//
// Writer configuration:
//
//	Zstd default level: cells are written once and scanned many times by
//	the consolidation step and ad-hoc readers.
//
//	8KB pages with page statistics: cells are sorted by provider_id, so
//	page-level min/max lets a reader skip to one provider.
type FactWriter struct {
	file   *os.File
	writer *parquet.GenericWriter[model.WorksheetFact]
	count  int
}

// NewFactWriter creates filename and a Parquet writer on it.
func NewFactWriter(filename string) (*FactWriter, error) {
	file, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create parquet file: %w", err)
	}

	writer := parquet.NewGenericWriter[model.WorksheetFact](file,
		parquet.Compression(&zstd.Codec{Level: zstd.SpeedDefault}),
		parquet.PageBufferSize(8*1024),
		parquet.DataPageStatistics(true),
		parquet.CreatedBy("costbench", "1.0", ""),
	)

	return &FactWriter{
		file:   file,
		writer: writer,
	}, nil
}

// Write writes a batch of rows.
func (w *FactWriter) Write(rows []model.WorksheetFact) (int, error) {
	n, err := w.writer.Write(rows)
	w.count += n
	if err != nil {
		return n, fmt.Errorf("write parquet rows: %w", err)
	}
	return n, nil
}

// Close flushes the final row group and closes the file.
func (w *FactWriter) Close() error {
	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return w.file.Close()
}

// Count returns the total number of rows written.
func (w *FactWriter) Count() int {
	return w.count
}
