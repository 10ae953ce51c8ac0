package automation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/yamakatsunamamugi/autoai/internal/model"
)

const chatgptProfile = `
ai = "chatgpt"
url = "https://chatgpt.com"

# legacy form: bare strings
models = ["GPT-4o", "o3"]

# newer form: tables with their own selectors
[[functions]]
name = "DeepResearch"
selector = "div[data-testid='deep-research']"

[selectors]
input = "div#prompt-textarea"
send = "button[data-testid='send-button']"
stop = "button[aria-label='Stop streaming']"
response = "div[data-message-author-role='assistant']"
model_menu = "button[data-testid='model-switcher']"
function_menu = "button[aria-label='Tools']"
`

func writeProfile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("write profile: %v", err)
	}
}

func TestLoadProfiles(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "chatgpt.toml", chatgptProfile)

	profiles, err := LoadProfiles(dir)
	if err != nil {
		t.Fatalf("LoadProfiles: %v", err)
	}

	p, ok := profiles[model.AIChatGPT]
	if !ok {
		t.Fatal("chatgpt profile missing")
	}
	if p.URL != "https://chatgpt.com" {
		t.Errorf("url: got %q", p.URL)
	}
	if p.Selectors.Input == "" || p.Selectors.Send == "" {
		t.Errorf("selectors incomplete: %+v", p.Selectors)
	}
}

func TestOptionListNormalizesBothShapes(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "chatgpt.toml", chatgptProfile)

	profiles, err := LoadProfiles(dir)
	if err != nil {
		t.Fatalf("LoadProfiles: %v", err)
	}
	p := profiles[model.AIChatGPT]

	// Legacy strings become options with empty selectors.
	if len(p.Models) != 2 {
		t.Fatalf("models: got %+v", p.Models)
	}
	if p.Models[0] != (Option{Name: "GPT-4o"}) {
		t.Errorf("models[0]: got %+v", p.Models[0])
	}

	// Table form carries its selector through.
	opt, ok := p.Functions.Find("deepresearch")
	if !ok {
		t.Fatal("DeepResearch not found")
	}
	if opt.Selector != "div[data-testid='deep-research']" {
		t.Errorf("selector: got %q", opt.Selector)
	}
}

func TestOptionListFindCaseInsensitive(t *testing.T) {
	l := OptionList{{Name: "GPT-4o"}, {Name: "o3"}}
	if _, ok := l.Find("gpt-4o"); !ok {
		t.Error("case-insensitive find failed")
	}
	if _, ok := l.Find("claude"); ok {
		t.Error("unexpected match")
	}
}

func TestLoadProfilesRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "bad.toml", `ai = "chatgpt"`)
	if _, err := LoadProfiles(dir); err == nil {
		t.Error("expected validation error for missing url/selectors")
	}
}

func TestLoadProfilesRejectsUnknownAI(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "bad.toml", `
ai = "perplexity"
url = "https://example.com"
[selectors]
input = "a"
send = "b"
`)
	if _, err := LoadProfiles(dir); err == nil {
		t.Error("expected error for unknown ai type")
	}
}

func TestLoadProfilesEmptyDir(t *testing.T) {
	if _, err := LoadProfiles(t.TempDir()); err == nil {
		t.Error("expected error for empty profile dir")
	}
}

func TestLoadProfilesDuplicate(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "a.toml", chatgptProfile)
	writeProfile(t, dir, "b.toml", chatgptProfile)
	if _, err := LoadProfiles(dir); err == nil {
		t.Error("expected duplicate-profile error")
	}
}
