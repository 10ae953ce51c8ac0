// Package control parses spreadsheet control cells into directives.
//
// The text format is a stable contract with existing spreadsheets: Japanese
// phrases such as "この列のみ処理", "C列から処理", "9〜12行処理". Parsing is
// best-effort; text that matches no pattern yields nil, never an error.
package control

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/yamakatsunamamugi/autoai/internal/cell"
	"github.com/yamakatsunamamugi/autoai/internal/model"
)

const (
	controlRowLimit   = 10 // rows 1-10 are scanned for directives
	controlColLimit   = 26 // columns A-Z
	rowDirectiveCells = 2  // first two cells of a row may carry row directives
)

var (
	thisColumnOnly  = regexp.MustCompile(`この列のみ処理`)
	thisColumnFrom  = regexp.MustCompile(`この列から(下|処理)`)
	thisColumnUntil = regexp.MustCompile(`この列まで処理`)

	namedColumnOnly  = regexp.MustCompile(`([A-Z]+)列のみ処理`)
	namedColumnFrom  = regexp.MustCompile(`([A-Z]+)列から処理`)
	namedColumnUntil = regexp.MustCompile(`([A-Z]+)列まで処理`)
	columnRange      = regexp.MustCompile(`([A-Z]+)\s*[-〜～]\s*([A-Z]+)列`)

	thisRowOnly  = regexp.MustCompile(`この行のみ処理`)
	thisRowFrom  = regexp.MustCompile(`この行から(下|処理)`)
	thisRowUntil = regexp.MustCompile(`この行まで処理`)

	namedRowOnly  = regexp.MustCompile(`([0-9]+)行のみ処理`)
	namedRowFrom  = regexp.MustCompile(`([0-9]+)行から処理`)
	namedRowUntil = regexp.MustCompile(`([0-9]+)行まで処理`)
	rowRange      = regexp.MustCompile(`([0-9]+)\s*[-〜～]\s*([0-9]+)行`)
)

// ParseColumnControl parses one control cell into a column directive.
// currentColumn resolves "この列" phrases. Returns nil when nothing matches.
func ParseColumnControl(text, currentColumn string) *model.ControlDirective {
	t := strings.TrimSpace(text)
	if t == "" {
		return nil
	}

	// Most specific first: phrases bound to the scanned column.
	switch {
	case thisColumnOnly.MatchString(t):
		return &model.ControlDirective{Type: model.DirectiveOnly, Column: currentColumn}
	case thisColumnFrom.MatchString(t):
		return &model.ControlDirective{Type: model.DirectiveFrom, Column: currentColumn}
	case thisColumnUntil.MatchString(t):
		return &model.ControlDirective{Type: model.DirectiveUntil, Column: currentColumn}
	}

	if m := namedColumnOnly.FindStringSubmatch(t); m != nil {
		return &model.ControlDirective{Type: model.DirectiveOnly, Column: m[1]}
	}
	if m := namedColumnFrom.FindStringSubmatch(t); m != nil {
		return &model.ControlDirective{Type: model.DirectiveFrom, Column: m[1]}
	}
	if m := namedColumnUntil.FindStringSubmatch(t); m != nil {
		return &model.ControlDirective{Type: model.DirectiveUntil, Column: m[1]}
	}
	if m := columnRange.FindStringSubmatch(t); m != nil {
		return &model.ControlDirective{Type: model.DirectiveRange, StartColumn: m[1], EndColumn: m[2]}
	}
	return nil
}

// ParseRowControl parses one control cell into a row directive. currentRow is
// the 1-based sheet row resolving "この行" phrases.
func ParseRowControl(text string, currentRow int) *model.ControlDirective {
	t := strings.TrimSpace(text)
	if t == "" {
		return nil
	}

	switch {
	case thisRowOnly.MatchString(t):
		return &model.ControlDirective{Type: model.DirectiveOnly, Row: currentRow}
	case thisRowFrom.MatchString(t):
		return &model.ControlDirective{Type: model.DirectiveFrom, Row: currentRow}
	case thisRowUntil.MatchString(t):
		return &model.ControlDirective{Type: model.DirectiveUntil, Row: currentRow}
	}

	if m := namedRowOnly.FindStringSubmatch(t); m != nil {
		return &model.ControlDirective{Type: model.DirectiveOnly, Row: atoi(m[1])}
	}
	if m := namedRowFrom.FindStringSubmatch(t); m != nil {
		return &model.ControlDirective{Type: model.DirectiveFrom, Row: atoi(m[1])}
	}
	if m := namedRowUntil.FindStringSubmatch(t); m != nil {
		return &model.ControlDirective{Type: model.DirectiveUntil, Row: atoi(m[1])}
	}
	if m := rowRange.FindStringSubmatch(t); m != nil {
		return &model.ControlDirective{Type: model.DirectiveRange, StartRow: atoi(m[1]), EndRow: atoi(m[2])}
	}
	return nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// Collect harvests every directive from one snapshot.
//
// Column directives come from the first ten rows across columns A-Z. Row
// directives come from each work row's first two cells and the control rows'
// first two cells; range-type row directives are additionally taken from
// control rows regardless of column.
func Collect(sheet *model.SheetSnapshot) model.Controls {
	var out model.Controls
	if sheet == nil {
		return out
	}

	for row := 0; row < controlRowLimit && row < len(sheet.Values); row++ {
		for col := 0; col < controlColLimit; col++ {
			text := sheet.Cell(row, col)
			if text == "" {
				continue
			}
			if d := ParseColumnControl(text, cell.IndexToColumn(col)); d != nil {
				out.Column = append(out.Column, *d)
			}
			rd := ParseRowControl(text, row+1)
			if rd == nil {
				continue
			}
			if col < rowDirectiveCells || rd.Type == model.DirectiveRange {
				out.Row = append(out.Row, *rd)
			}
		}
	}

	for _, wr := range sheet.WorkRows {
		for col := 0; col < rowDirectiveCells && col < len(wr.Cells); col++ {
			if d := ParseRowControl(wr.Cells[col], wr.Index+1); d != nil {
				out.Row = append(out.Row, *d)
			}
		}
	}

	return out
}
