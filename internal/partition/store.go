package partition

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"

	"costbench/internal/model"
)

const cellFile = "facts.parquet"

// Cell addresses one partition: a worksheet's facts for one jurisdiction
// and fiscal year.
type Cell struct {
	Worksheet    string
	Jurisdiction string
	FiscalYear   int
}

func (c Cell) String() string {
	return fmt.Sprintf("%s/%s/%d", c.Worksheet, c.Jurisdiction, c.FiscalYear)
}

// Store is a directory tree of Parquet cells:
//
//	<root>/<worksheet>/jurisdiction=<jj>/fiscal_year=<yyyy>/facts.parquet
type Store struct {
	root string
}

// NewStore returns a store rooted at root. The directory is created on
// first write.
func NewStore(root string) *Store {
	return &Store{root: root}
}

// Root returns the store directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) cellDir(c Cell) string {
	return filepath.Join(s.root, c.Worksheet,
		"jurisdiction="+c.Jurisdiction,
		"fiscal_year="+strconv.Itoa(c.FiscalYear))
}

// Path returns the Parquet file of a cell.
func (s *Store) Path(c Cell) string {
	return filepath.Join(s.cellDir(c), cellFile)
}

// WriteCell replaces a cell with facts. The write is all-or-nothing: rows go
// to a temporary file in the cell directory which is renamed over the cell
// file only after the Parquet footer is written. On any error the temporary
// file is removed and the previous cell, if any, is left untouched.
//
// An empty facts slice removes the cell.
func (s *Store) WriteCell(c Cell, facts []model.WorksheetFact) error {
	if err := model.ValidateWorksheet(c.Worksheet); err != nil {
		return err
	}
	dir := s.cellDir(c)
	if len(facts) == 0 {
		if err := os.Remove(s.Path(c)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove empty cell %s: %w", c, err)
		}
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cell dir %s: %w", c, err)
	}

	tmp := filepath.Join(dir, "."+cellFile+"."+uuid.NewString()+".tmp")
	w, err := NewFactWriter(tmp)
	if err != nil {
		return err
	}
	if _, err := w.Write(facts); err != nil {
		w.Close()
		os.Remove(tmp)
		return fmt.Errorf("write cell %s: %w", c, err)
	}
	if err := w.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close cell %s: %w", c, err)
	}
	if w.Count() != len(facts) {
		os.Remove(tmp)
		return fmt.Errorf("write cell %s: wrote %d of %d rows", c, w.Count(), len(facts))
	}
	if err := os.Rename(tmp, s.Path(c)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish cell %s: %w", c, err)
	}
	return nil
}

// ReadCell returns every fact of a cell.
func (s *Store) ReadCell(c Cell) ([]model.WorksheetFact, error) {
	var out []model.WorksheetFact
	err := s.ScanCell(c, 8192, func(batch []model.WorksheetFact) error {
		out = append(out, batch...)
		return nil
	})
	return out, err
}

// ScanCell streams a cell in batches of at most batchSize rows. The batch
// slice is reused between calls.
func (s *Store) ScanCell(c Cell, batchSize int, fn func([]model.WorksheetFact) error) error {
	f, err := os.Open(s.Path(c))
	if err != nil {
		return fmt.Errorf("open cell %s: %w", c, err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[model.WorksheetFact](f)
	defer reader.Close()

	buf := make([]model.WorksheetFact, batchSize)
	for {
		n, readErr := reader.Read(buf)
		if n > 0 {
			if err := fn(buf[:n]); err != nil {
				return err
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return fmt.Errorf("read cell %s: %w", c, readErr)
		}
	}
}

// Worksheets lists the worksheet directories present in the store.
func (s *Store) Worksheets() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list partition root: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && model.ValidateWorksheet(e.Name()) == nil {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Cells lists the cells of a worksheet sorted by (jurisdiction, year).
func (s *Store) Cells(worksheet string) ([]Cell, error) {
	pattern := filepath.Join(s.root, worksheet, "jurisdiction=*", "fiscal_year=*", cellFile)
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob cells: %w", err)
	}
	cells := make([]Cell, 0, len(paths))
	for _, p := range paths {
		yearDir := filepath.Dir(p)
		jurDir := filepath.Dir(yearDir)
		year, err := strconv.Atoi(strings.TrimPrefix(filepath.Base(yearDir), "fiscal_year="))
		if err != nil {
			continue
		}
		cells = append(cells, Cell{
			Worksheet:    worksheet,
			Jurisdiction: strings.TrimPrefix(filepath.Base(jurDir), "jurisdiction="),
			FiscalYear:   year,
		})
	}
	sort.Slice(cells, func(i, k int) bool {
		if cells[i].Jurisdiction != cells[k].Jurisdiction {
			return cells[i].Jurisdiction < cells[k].Jurisdiction
		}
		return cells[i].FiscalYear < cells[k].FiscalYear
	})
	return cells, nil
}
