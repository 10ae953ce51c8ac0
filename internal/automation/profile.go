package automation

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/yamakatsunamamugi/autoai/internal/model"
)

// Option is the canonical record for a selectable model or feature. Profiles
// may spell options as bare strings or as tables; both normalize to this
// shape at load time and nothing downstream branches on the original form.
type Option struct {
	Name     string
	Selector string
}

// OptionList accepts both the legacy list-of-strings form
// (models = ["o3", "GPT-4o"]) and the newer table form
// ([[models]] name = "o3" selector = "...").
type OptionList []Option

// UnmarshalTOML normalizes the heterogeneous option shapes once, at the
// collaborator boundary.
func (l *OptionList) UnmarshalTOML(v interface{}) error {
	items, ok := v.([]interface{})
	if !ok {
		return fmt.Errorf("options must be a list, got %T", v)
	}
	out := make(OptionList, 0, len(items))
	for _, item := range items {
		switch t := item.(type) {
		case string:
			out = append(out, Option{Name: t})
		case map[string]interface{}:
			opt := Option{}
			if name, ok := t["name"].(string); ok {
				opt.Name = name
			}
			if sel, ok := t["selector"].(string); ok {
				opt.Selector = sel
			}
			if opt.Name == "" {
				return fmt.Errorf("option table missing name: %v", t)
			}
			out = append(out, opt)
		default:
			return fmt.Errorf("unsupported option shape %T", item)
		}
	}
	*l = out
	return nil
}

// Find returns the option matching name (case-insensitive substring).
func (l OptionList) Find(name string) (Option, bool) {
	needle := strings.ToLower(name)
	for _, opt := range l {
		if strings.Contains(strings.ToLower(opt.Name), needle) {
			return opt, true
		}
	}
	return Option{}, false
}

// Selectors holds the DOM selectors one service's automation needs. These are
// data, not code: they live in TOML files so a broken selector is a profile
// edit, not a rebuild.
type Selectors struct {
	Input        string `toml:"input"`
	Send         string `toml:"send"`
	Stop         string `toml:"stop"`
	Response     string `toml:"response"`
	ModelMenu    string `toml:"model_menu"`
	FunctionMenu string `toml:"function_menu"`
	MenuItem     string `toml:"menu_item"`
}

// Profile is one service's automation profile.
type Profile struct {
	AI        model.AIType `toml:"ai"`
	URL       string       `toml:"url"`
	Selectors Selectors    `toml:"selectors"`
	Models    OptionList   `toml:"models"`
	Functions OptionList   `toml:"functions"`
}

func (p Profile) validate() error {
	if !model.ValidAIType(string(p.AI)) {
		return fmt.Errorf("unknown ai type %q", p.AI)
	}
	if p.URL == "" {
		return fmt.Errorf("profile %s: url is required", p.AI)
	}
	if p.Selectors.Input == "" || p.Selectors.Send == "" {
		return fmt.Errorf("profile %s: input and send selectors are required", p.AI)
	}
	return nil
}

// LoadProfiles reads every *.toml profile in dir, keyed by AI type.
func LoadProfiles(dir string) (map[model.AIType]Profile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read profile dir %s: %w", dir, err)
	}

	profiles := make(map[model.AIType]Profile)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".toml" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		var p Profile
		if _, err := toml.DecodeFile(path, &p); err != nil {
			return nil, fmt.Errorf("decode profile %s: %w", path, err)
		}
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("profile %s: %w", path, err)
		}
		if _, dup := profiles[p.AI]; dup {
			return nil, fmt.Errorf("duplicate profile for %s (%s)", p.AI, path)
		}
		profiles[p.AI] = p
	}
	if len(profiles) == 0 {
		return nil, fmt.Errorf("no automation profiles found in %s", dir)
	}
	return profiles, nil
}
