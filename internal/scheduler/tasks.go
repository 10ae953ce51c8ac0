package scheduler

import (
	"strings"

	"github.com/yamakatsunamamugi/autoai/internal/cell"
	"github.com/yamakatsunamamugi/autoai/internal/grouping"
	"github.com/yamakatsunamamugi/autoai/internal/model"
)

// generation summarizes one scan of a group against the current snapshot.
// The counters let the run log distinguish "nothing to do because the sheet
// has no prompts" from "nothing to do because every answer is in".
type generation struct {
	tasks     []model.Task
	prompts   int // work rows carrying prompt text
	answered  int // answer cells already filled
	unwritten int // answer cells still empty (== tasks before dedup)
}

// buildGroupTasks generates the outstanding tasks for one group: every
// eligible work row with prompt text gets one task per empty answer cell.
func buildGroupTasks(sheet *model.SheetSnapshot, g model.ColumnGroup, rowDirectives []model.ControlDirective, workRowStart int) (generation, error) {
	var gen generation

	promptIdx, err := cell.ColumnToIndex(g.PromptColumn)
	if err != nil {
		return gen, err
	}

	for _, wr := range sheet.WorkRows {
		if wr.Index < workRowStart {
			continue
		}
		rowNum := wr.Index + 1
		if !grouping.RowEligible(rowNum, rowDirectives) {
			continue
		}

		prompt := assemblePrompt(sheet, g, wr.Index, promptIdx)
		if prompt == "" {
			continue
		}
		gen.prompts++

		for _, ac := range g.AnswerColumns {
			ansIdx, err := cell.ColumnToIndex(ac.Column)
			if err != nil {
				return gen, err
			}
			if sheet.Cell(wr.Index, ansIdx) != "" {
				gen.answered++
				continue
			}
			gen.unwritten++

			id, err := model.GenerateID(model.IDTypeTask)
			if err != nil {
				return gen, err
			}
			gen.tasks = append(gen.tasks, model.Task{
				ID:         id,
				AI:         ac.AI,
				Model:      rowOverride(sheet.ModelRow, ansIdx, promptIdx),
				Function:   rowOverride(sheet.TaskRow, ansIdx, promptIdx),
				Prompt:     prompt,
				Cell:       model.CellRef{Column: ac.Column, Row: rowNum},
				GroupIndex: g.Index,
			})
		}
	}
	return gen, nil
}

// assemblePrompt joins the prompt column and any additional prompt columns
// for one row, skipping empties.
func assemblePrompt(sheet *model.SheetSnapshot, g model.ColumnGroup, rowIdx, promptIdx int) string {
	parts := make([]string, 0, 1+len(g.AdditionalPromptColumns))
	if v := sheet.Cell(rowIdx, promptIdx); v != "" {
		parts = append(parts, v)
	}
	for _, col := range g.AdditionalPromptColumns {
		idx, err := cell.ColumnToIndex(col)
		if err != nil {
			continue
		}
		if v := sheet.Cell(rowIdx, idx); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, "\n")
}

// rowOverride reads a header-row setting for an answer column, falling back
// to the group's prompt column.
func rowOverride(row *model.RowBlock, ansIdx, promptIdx int) string {
	if v := row.RowValue(ansIdx); v != "" {
		return v
	}
	return row.RowValue(promptIdx)
}
