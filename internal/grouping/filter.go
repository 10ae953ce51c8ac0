package grouping

import (
	"github.com/yamakatsunamamugi/autoai/internal/cell"
	"github.com/yamakatsunamamugi/autoai/internal/model"
)

// ApplyColumnControls filters groups by the harvested column directives.
//
// Any only-directive short-circuits: exactly the groups whose column set
// intersects the only-set survive, and from/until are ignored. Range
// directives expand into the only-set. Otherwise from and until apply as
// independent AND filters on the group's start and end columns.
func ApplyColumnControls(groups []model.ColumnGroup, directives []model.ControlDirective) []model.ColumnGroup {
	if len(directives) == 0 {
		return groups
	}

	only := make(map[int]bool)
	haveOnly := false
	fromIdx, untilIdx := -1, -1

	for _, d := range directives {
		switch d.Type {
		case model.DirectiveOnly:
			if idx, err := cell.ColumnToIndex(d.Column); err == nil {
				only[idx] = true
				haveOnly = true
			}
		case model.DirectiveRange:
			start, err1 := cell.ColumnToIndex(d.StartColumn)
			end, err2 := cell.ColumnToIndex(d.EndColumn)
			if err1 != nil || err2 != nil || start > end {
				continue
			}
			for i := start; i <= end; i++ {
				only[i] = true
			}
			haveOnly = true
		case model.DirectiveFrom:
			if idx, err := cell.ColumnToIndex(d.Column); err == nil {
				if fromIdx < 0 || idx > fromIdx {
					fromIdx = idx
				}
			}
		case model.DirectiveUntil:
			if idx, err := cell.ColumnToIndex(d.Column); err == nil {
				if untilIdx < 0 || idx < untilIdx {
					untilIdx = idx
				}
			}
		}
	}

	var out []model.ColumnGroup
	for _, g := range groups {
		if haveOnly {
			if groupIntersects(g, only) {
				out = append(out, g)
			}
			continue
		}
		start, err1 := cell.ColumnToIndex(g.StartColumn())
		end, err2 := cell.ColumnToIndex(g.EndColumn())
		if err1 != nil || err2 != nil {
			continue
		}
		if fromIdx >= 0 && start < fromIdx {
			continue
		}
		if untilIdx >= 0 && end > untilIdx {
			continue
		}
		out = append(out, g)
	}
	return out
}

func groupIntersects(g model.ColumnGroup, set map[int]bool) bool {
	for _, c := range g.Columns {
		if idx, err := cell.ColumnToIndex(c); err == nil && set[idx] {
			return true
		}
	}
	return false
}

// RowEligible reports whether the 1-based sheet row passes the harvested row
// directives. Semantics mirror the column rules: only-directives (and ranges)
// short-circuit, otherwise from/until apply conjunctively.
func RowEligible(row int, directives []model.ControlDirective) bool {
	if len(directives) == 0 {
		return true
	}

	haveOnly := false
	onlyHit := false
	from, until := -1, -1

	for _, d := range directives {
		switch d.Type {
		case model.DirectiveOnly:
			haveOnly = true
			if d.Row == row {
				onlyHit = true
			}
		case model.DirectiveRange:
			haveOnly = true
			if d.StartRow <= row && row <= d.EndRow {
				onlyHit = true
			}
		case model.DirectiveFrom:
			if from < 0 || d.Row > from {
				from = d.Row
			}
		case model.DirectiveUntil:
			if until < 0 || d.Row < until {
				until = d.Row
			}
		}
	}

	if haveOnly {
		return onlyHit
	}
	if from >= 0 && row < from {
		return false
	}
	if until >= 0 && row > until {
		return false
	}
	return true
}
