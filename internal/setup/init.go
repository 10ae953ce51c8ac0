// Package setup scaffolds the autoai state directory.
package setup

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yamakatsunamamugi/autoai/internal/model"
	"github.com/yamakatsunamamugi/autoai/internal/yamlio"
)

// Init creates the state directory: config.yaml, example automation
// profiles, and the working subdirectories. spreadsheet may be a Google
// Sheets URL or a local .xlsx path; empty leaves the config field blank.
func Init(baseDir, spreadsheet string) error {
	if _, err := os.Stat(filepath.Join(baseDir, "config.yaml")); err == nil {
		return fmt.Errorf("%s is already initialized", baseDir)
	}

	for _, d := range []string{"logs", "locks", "profiles"} {
		if err := os.MkdirAll(filepath.Join(baseDir, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfg := buildConfig(spreadsheet)
	if err := yamlio.AtomicWrite(filepath.Join(baseDir, "config.yaml"), cfg); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}

	for name, content := range exampleProfiles {
		path := filepath.Join(baseDir, "profiles", name)
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return fmt.Errorf("write profile %s: %w", name, err)
		}
	}
	return nil
}

func buildConfig(spreadsheet string) model.Config {
	cfg := model.Config{}.ApplyDefaults()
	switch {
	case spreadsheet == "":
	case strings.HasPrefix(spreadsheet, "http"):
		cfg.Spreadsheet.URL = spreadsheet
	default:
		cfg.Spreadsheet.Workbook = spreadsheet
	}
	return cfg
}

// Selector values below are starting points; services change their DOM and
// these files are meant to be edited without rebuilding.
var exampleProfiles = map[string]string{
	"chatgpt.toml": `ai = "chatgpt"
url = "https://chatgpt.com"

models = ["GPT-4o", "o3"]

[[functions]]
name = "DeepResearch"
selector = "div[data-testid='deep-research']"

[selectors]
input = "div#prompt-textarea"
send = "button[data-testid='send-button']"
stop = "button[data-testid='stop-button']"
response = "div[data-message-author-role='assistant']"
model_menu = "button[data-testid='model-switcher-dropdown-button']"
function_menu = "button[aria-label='Tools']"
`,
	"claude.toml": `ai = "claude"
url = "https://claude.ai/new"

models = ["Opus", "Sonnet"]
functions = ["リサーチ"]

[selectors]
input = "div[contenteditable='true']"
send = "button[aria-label='Send message']"
stop = "button[aria-label='Stop response']"
response = "div[data-testid='chat-message-content']"
model_menu = "button[data-testid='model-selector-dropdown']"
function_menu = "button[aria-label='Tools']"
`,
	"gemini.toml": `ai = "gemini"
url = "https://gemini.google.com/app"

models = ["2.5 Pro", "2.5 Flash"]
functions = ["Deep Research"]

[selectors]
input = "div.ql-editor"
send = "button[aria-label='送信']"
stop = "button[aria-label='回答を停止']"
response = "message-content"
model_menu = "button.gds-mode-switch-button"
menu_item = "button[role=menuitemradio]"
`,
}
