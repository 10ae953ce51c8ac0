// Package automation defines the AI automation collaborator contract and the
// chromedp-backed driver that fulfils it for each chat service.
package automation

import (
	"context"
	"fmt"

	"github.com/yamakatsunamamugi/autoai/internal/model"
)

// Automator is the per-AI automation collaborator. The executor drives it;
// implementations own the DOM choreography behind each primitive.
type Automator interface {
	// SelectModel picks a model by display name. Empty name is a no-op.
	SelectModel(ctx context.Context, name string) error
	// SelectFunction picks a feature/mode by display name. Empty name is a no-op.
	SelectFunction(ctx context.Context, name string) error
	// InputText places the prompt into the composer.
	InputText(ctx context.Context, text string) error
	// Send submits the composed prompt.
	Send(ctx context.Context) error
	// InFlight probes the response-in-progress indicator (stop button
	// visible, or send control gone).
	InFlight(ctx context.Context) (bool, error)
	// GetResponse returns the latest completed response text.
	GetResponse(ctx context.Context) (string, error)
	// Close releases the underlying browser window.
	Close() error
}

// Factory opens a fresh Automator for one AI type. The window manager calls
// it when filling or recycling a slot.
type Factory func(ctx context.Context, ai model.AIType) (Automator, error)

// Registry maps AI types to loaded profiles and builds drivers from them.
type Registry struct {
	profiles map[model.AIType]Profile
	headless bool
}

// NewRegistry loads every profile in dir.
func NewRegistry(dir string, headless bool) (*Registry, error) {
	profiles, err := LoadProfiles(dir)
	if err != nil {
		return nil, err
	}
	return &Registry{profiles: profiles, headless: headless}, nil
}

// Profile returns the selector profile for ai.
func (r *Registry) Profile(ai model.AIType) (Profile, error) {
	p, ok := r.profiles[ai]
	if !ok {
		return Profile{}, fmt.Errorf("no automation profile for %s", ai)
	}
	return p, nil
}

// Open builds a ChromeDriver for ai. Satisfies Factory.
func (r *Registry) Open(ctx context.Context, ai model.AIType) (Automator, error) {
	p, err := r.Profile(ai)
	if err != nil {
		return nil, err
	}
	return NewChromeDriver(ctx, p, r.headless)
}
