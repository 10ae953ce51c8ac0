// Package grouping builds column groups from the menu row and applies
// control-directive filtering to groups and rows.
package grouping

import (
	"fmt"
	"strings"

	"github.com/yamakatsunamamugi/autoai/internal/cell"
	"github.com/yamakatsunamamugi/autoai/internal/model"
)

const (
	promptHeader     = "プロンプト"
	answerHeader     = "回答"
	reportHeader     = "レポート化"
	threeWayMarker   = "3種類"
	maxExtraPrompts  = 4
)

// Options tunes group construction.
type Options struct {
	DefaultAI model.AIType // fallback when the header shape resolves to neither layout
}

func (o Options) defaultAI() model.AIType {
	if o.DefaultAI == "" {
		return model.AIChatGPT
	}
	return o.DefaultAI
}

// Build assembles the column group anchored at promptColumn.
//
// Detection is best-effort: an unresolvable header shape falls back to a
// single-AI group with the configured default, never an error.
func Build(promptColumn string, sheet *model.SheetSnapshot, opts Options) (model.ColumnGroup, error) {
	promptIndex, err := cell.ColumnToIndex(promptColumn)
	if err != nil {
		return model.ColumnGroup{}, fmt.Errorf("prompt column: %w", err)
	}

	g := model.ColumnGroup{
		Kind:         model.GroupSingle,
		PromptColumn: promptColumn,
	}

	// Additional prompt columns: プロンプト2..プロンプト5 in strict sequence,
	// stopping at the first mismatch.
	for i := 0; i < maxExtraPrompts; i++ {
		col := promptIndex + 1 + i
		want := fmt.Sprintf("%s%d", promptHeader, i+2)
		if sheet.MenuRow.RowValue(col) != want {
			break
		}
		g.AdditionalPromptColumns = append(g.AdditionalPromptColumns, cell.IndexToColumn(col))
	}

	answerStart := promptIndex + 1 + len(g.AdditionalPromptColumns)

	if isThreeWay(sheet, promptIndex, answerStart) {
		g.Kind = model.GroupThreeWay
		// Fixed order: ChatGPT, Claude, Gemini.
		g.AnswerColumns = []model.AnswerColumn{
			{Column: cell.IndexToColumn(answerStart), AI: model.AIChatGPT},
			{Column: cell.IndexToColumn(answerStart + 1), AI: model.AIClaude},
			{Column: cell.IndexToColumn(answerStart + 2), AI: model.AIGemini},
		}
	} else {
		g.AnswerColumns = []model.AnswerColumn{
			{Column: cell.IndexToColumn(answerStart), AI: detectSingleAI(sheet, promptIndex, answerStart, opts)},
		}
	}

	lastAnswer := answerStart + len(g.AnswerColumns) - 1
	if sheet.MenuRow.RowValue(lastAnswer+1) == reportHeader {
		g.ReportColumn = cell.IndexToColumn(lastAnswer + 1)
	}

	if promptIndex > 0 {
		g.LogColumn = cell.IndexToColumn(promptIndex - 1)
	}

	// Columns in order: log, prompt, additional prompts, answers, report.
	if g.LogColumn != "" {
		g.Columns = append(g.Columns, g.LogColumn)
	}
	g.Columns = append(g.Columns, g.PromptColumn)
	g.Columns = append(g.Columns, g.AdditionalPromptColumns...)
	for _, a := range g.AnswerColumns {
		g.Columns = append(g.Columns, a.Column)
	}
	if g.ReportColumn != "" {
		g.Columns = append(g.Columns, g.ReportColumn)
	}

	return g, nil
}

// isThreeWay reports whether the group fans out to ChatGPT, Claude, and
// Gemini: either the AI row says 3種類 on the prompt column, or the three
// columns at answerStart carry headers for the three services (or 回答 ×3).
func isThreeWay(sheet *model.SheetSnapshot, promptIndex, answerStart int) bool {
	if strings.Contains(sheet.AIRow.RowValue(promptIndex), threeWayMarker) {
		return true
	}

	h0 := sheet.MenuRow.RowValue(answerStart)
	h1 := sheet.MenuRow.RowValue(answerStart + 1)
	h2 := sheet.MenuRow.RowValue(answerStart + 2)
	if headerNamesAI(h0, "chatgpt") && headerNamesAI(h1, "claude") && headerNamesAI(h2, "gemini") {
		return true
	}
	if h0 == answerHeader && h1 == answerHeader && h2 == answerHeader {
		return true
	}
	return false
}

func headerNamesAI(header, ai string) bool {
	return strings.Contains(strings.ToLower(header), ai)
}

// detectSingleAI resolves the AI for a single-answer group from the AI row or
// the answer header; unresolvable shapes get the configured default.
func detectSingleAI(sheet *model.SheetSnapshot, promptIndex, answerIndex int, opts Options) model.AIType {
	for _, raw := range []string{
		sheet.AIRow.RowValue(promptIndex),
		sheet.MenuRow.RowValue(answerIndex),
	} {
		lower := strings.ToLower(raw)
		for _, ai := range []model.AIType{model.AIChatGPT, model.AIClaude, model.AIGemini, model.AIGenspark} {
			if strings.Contains(lower, string(ai)) {
				return ai
			}
		}
	}
	return opts.defaultAI()
}

// Discover scans the menu row for prompt anchors and builds every group left
// to right. Columns already consumed by a group (its additional prompts,
// answers, report) are not treated as new anchors.
func Discover(sheet *model.SheetSnapshot, opts Options) ([]model.ColumnGroup, error) {
	if sheet == nil || sheet.MenuRow == nil {
		return nil, fmt.Errorf("sheet has no menu row")
	}

	var groups []model.ColumnGroup
	consumed := make(map[int]bool)

	for col := 0; col < len(sheet.MenuRow.Data); col++ {
		if consumed[col] || sheet.MenuRow.RowValue(col) != promptHeader {
			continue
		}
		g, err := Build(cell.IndexToColumn(col), sheet, opts)
		if err != nil {
			return nil, err
		}
		g.Index = len(groups)
		groups = append(groups, g)
		for _, c := range g.Columns {
			idx, err := cell.ColumnToIndex(c)
			if err == nil {
				consumed[idx] = true
			}
		}
	}
	return groups, nil
}
