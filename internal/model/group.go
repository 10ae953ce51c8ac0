package model

// GroupKind distinguishes single-AI groups from three-AI fan-out groups.
type GroupKind string

const (
	GroupSingle   GroupKind = "single"
	GroupThreeWay GroupKind = "threeWay"
)

// AnswerColumn binds one answer column to the AI that fills it.
type AnswerColumn struct {
	Column string
	AI     AIType
}

// ColumnGroup is the contiguous set of columns making up one logical task
// type: log, prompt(s), answer(s), optional report. Built once per load from
// the menu row.
//
// Invariant: len(AnswerColumns) == 1 for single, == 3 for threeWay in the
// fixed order chatgpt, claude, gemini.
type ColumnGroup struct {
	Index                   int
	Kind                    GroupKind
	PromptColumn            string
	AdditionalPromptColumns []string // プロンプト2..プロンプト5, contiguous only
	AnswerColumns           []AnswerColumn
	LogColumn               string // empty when the prompt column is A
	ReportColumn            string // empty unless a レポート化 header follows
	Columns                 []string // every column in order: log, prompts, answers, report
}

// StartColumn returns the leftmost column of the group.
func (g ColumnGroup) StartColumn() string {
	if len(g.Columns) == 0 {
		return g.PromptColumn
	}
	return g.Columns[0]
}

// EndColumn returns the rightmost column of the group.
func (g ColumnGroup) EndColumn() string {
	if len(g.Columns) == 0 {
		return g.PromptColumn
	}
	return g.Columns[len(g.Columns)-1]
}

// DirectiveType enumerates control directive kinds.
type DirectiveType string

const (
	DirectiveOnly  DirectiveType = "only"
	DirectiveFrom  DirectiveType = "from"
	DirectiveUntil DirectiveType = "until"
	DirectiveRange DirectiveType = "range"
)

// ControlDirective is one parsed control cell. Column directives carry
// Column/StartColumn/EndColumn; row directives carry Row/StartRow/EndRow.
// Multiple directives combine conjunctively; only-directives short-circuit.
type ControlDirective struct {
	Type        DirectiveType
	Column      string
	StartColumn string
	EndColumn   string
	Row         int
	StartRow    int
	EndRow      int
}

// Controls is the harvest of every directive found in one snapshot.
type Controls struct {
	Column []ControlDirective
	Row    []ControlDirective
}
