package model

import "github.com/yamakatsunamamugi/autoai/internal/cell"

// AIType identifies which chat service a task targets.
type AIType string

const (
	AIChatGPT  AIType = "chatgpt"
	AIClaude   AIType = "claude"
	AIGemini   AIType = "gemini"
	AIGenspark AIType = "genspark"
)

var validAITypes = map[AIType]bool{
	AIChatGPT:  true,
	AIClaude:   true,
	AIGemini:   true,
	AIGenspark: true,
}

// ValidAIType reports whether s names a known AI type.
func ValidAIType(s string) bool {
	return validAITypes[AIType(s)]
}

// CellRef addresses one spreadsheet cell by column letters and 1-based row.
type CellRef struct {
	Column string `yaml:"column"`
	Row    int    `yaml:"row"`
}

// Key returns the unique cell key within one sheet, e.g. "C12".
func (r CellRef) Key() string {
	return cell.Key(r.Column, r.Row)
}

// Task is one unit of work: send a prompt to one AI and write the answer to
// one cell. The shape is the persistence contract for replay; keep it minimal.
type Task struct {
	ID         string  `yaml:"task_id"`
	AI         AIType  `yaml:"ai_type"`
	Model      string  `yaml:"model"`
	Function   string  `yaml:"function"`
	Prompt     string  `yaml:"prompt"`
	Cell       CellRef `yaml:"cell_info"`
	GroupIndex int     `yaml:"group_index"`
}

// SpecialFunction reports whether the task's function selects a long-running
// mode (deep research / agent) that needs debounced completion detection.
func (t Task) SpecialFunction() bool {
	switch t.Function {
	case "DeepResearch", "Deep Research", "リサーチ", "エージェント", "エージェントモード":
		return true
	}
	return false
}

// TaskResult is the terminal outcome of one task.
type TaskResult struct {
	TaskID   string
	Cell     CellRef
	Success  bool
	Response string
	Err      string
}
