package sheetstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/xuri/excelize/v2"

	"github.com/yamakatsunamamugi/autoai/internal/cell"
	"github.com/yamakatsunamamugi/autoai/internal/model"
)

// WorkbookStore is an excelize-backed sheet store over a local .xlsx file,
// used for offline runs and tests. Reads re-open the file so external edits
// are picked up between polls.
type WorkbookStore struct {
	mu    sync.Mutex
	path  string
	sheet string
}

// NewWorkbookStore opens path once to validate it and resolve the sheet name
// (first sheet when sheetName is empty).
func NewWorkbookStore(path, sheetName string) (*WorkbookStore, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if sheetName == "" {
		sheetName = f.GetSheetName(0)
	}
	if idx, err := f.GetSheetIndex(sheetName); err != nil || idx < 0 {
		return nil, fmt.Errorf("workbook %s has no sheet %q", path, sheetName)
	}
	return &WorkbookStore{path: path, sheet: sheetName}, nil
}

// Path returns the workbook file path (watched for external edits).
func (w *WorkbookStore) Path() string {
	return w.path
}

func (w *WorkbookStore) Read(ctx context.Context) (*model.SheetSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := excelize.OpenFile(w.path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer func() { _ = f.Close() }()

	rows, err := f.GetRows(w.sheet)
	if err != nil {
		return nil, fmt.Errorf("read rows from %s: %w", w.sheet, err)
	}
	return BuildSnapshot(rows)
}

func (w *WorkbookStore) Write(ctx context.Context, cellKey, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, _, err := cell.ParseKey(cellKey); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := excelize.OpenFile(w.path)
	if err != nil {
		return fmt.Errorf("open workbook: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := f.SetCellValue(w.sheet, cellKey, value); err != nil {
		return fmt.Errorf("set %s: %w", cellKey, err)
	}
	if err := f.Save(); err != nil {
		return fmt.Errorf("save workbook: %w", err)
	}
	return nil
}
