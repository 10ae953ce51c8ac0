package model

import (
	"strconv"
	"strings"
)

// RowBlock is one located header-area row: its 0-based index and raw cells.
type RowBlock struct {
	Index int
	Data  []string
}

// WorkRow is one task row below the control block. A row qualifies when its
// first column holds a pure positive integer.
type WorkRow struct {
	Index  int // 0-based row index within the sheet
	Number int // the integer from column A (1-based task numbering)
	Cells  []string
}

// SheetSnapshot is an immutable-per-read view of the sheet. It is rebuilt
// wholesale on every poll; nothing diffs or mutates a previous snapshot.
type SheetSnapshot struct {
	Values     [][]string
	MenuRow    *RowBlock
	ControlRow *RowBlock
	AIRow      *RowBlock
	ModelRow   *RowBlock
	TaskRow    *RowBlock
	WorkRows   []WorkRow
}

// Cell returns the trimmed cell value at (0-based row, 0-based column), or ""
// when out of range.
func (s *SheetSnapshot) Cell(row, col int) string {
	if s == nil || row < 0 || row >= len(s.Values) {
		return ""
	}
	r := s.Values[row]
	if col < 0 || col >= len(r) {
		return ""
	}
	return strings.TrimSpace(r[col])
}

// RowValue returns the trimmed value of a located header row at col, or "".
func (b *RowBlock) RowValue(col int) string {
	if b == nil || col < 0 || col >= len(b.Data) {
		return ""
	}
	return strings.TrimSpace(b.Data[col])
}

// ParseWorkNumber reports the work-row number in s, if s is a pure positive
// integer.
func ParseWorkNumber(s string) (int, bool) {
	t := strings.TrimSpace(s)
	if t == "" {
		return 0, false
	}
	n, err := strconv.Atoi(t)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
