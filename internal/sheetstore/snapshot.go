package sheetstore

import (
	"strings"

	"github.com/yamakatsunamamugi/autoai/internal/model"
)

const headerScanLimit = 10

// BuildSnapshot turns raw row values into a structured snapshot: header rows
// located by label, work rows identified by a pure integer in column A.
//
// The menu row is required (it anchors every column group); the other header
// rows are optional.
func BuildSnapshot(values [][]string) (*model.SheetSnapshot, error) {
	s := &model.SheetSnapshot{Values: values}

	for i := 0; i < headerScanLimit && i < len(values); i++ {
		row := values[i]
		if s.MenuRow == nil && rowHasExact(row, "プロンプト") {
			s.MenuRow = &model.RowBlock{Index: i, Data: row}
		}
		label := rowLabel(row)
		switch {
		case s.ControlRow == nil && strings.Contains(label, "制御"):
			s.ControlRow = &model.RowBlock{Index: i, Data: row}
		case s.AIRow == nil && (label == "AI" || strings.Contains(label, "使用AI")):
			s.AIRow = &model.RowBlock{Index: i, Data: row}
		case s.ModelRow == nil && strings.Contains(label, "モデル"):
			s.ModelRow = &model.RowBlock{Index: i, Data: row}
		case s.TaskRow == nil && strings.Contains(label, "機能"):
			s.TaskRow = &model.RowBlock{Index: i, Data: row}
		}
	}

	if s.MenuRow == nil {
		return nil, ErrNoMenuRow
	}

	for i := s.MenuRow.Index + 1; i < len(values); i++ {
		row := values[i]
		if len(row) == 0 {
			continue
		}
		if n, ok := model.ParseWorkNumber(row[0]); ok {
			s.WorkRows = append(s.WorkRows, model.WorkRow{Index: i, Number: n, Cells: row})
		}
	}

	return s, nil
}

func rowHasExact(row []string, want string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) == want {
			return true
		}
	}
	return false
}

// rowLabel is the row's identifying label: the first non-empty of columns A/B.
func rowLabel(row []string) string {
	for i := 0; i < 2 && i < len(row); i++ {
		if t := strings.TrimSpace(row[i]); t != "" {
			return t
		}
	}
	return ""
}
