package automation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
)

const (
	findAttempts    = 3
	findBackoffBase = 500 * time.Millisecond
)

// ChromeDriver drives one chat service in one browser window over CDP. All
// DOM knowledge comes from the profile; the driver itself is service-agnostic.
type ChromeDriver struct {
	profile     Profile
	tab         context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
}

// NewChromeDriver opens a browser window and navigates to the service URL.
func NewChromeDriver(ctx context.Context, profile Profile, headless bool) (*ChromeDriver, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1280, 900),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	tab, cancelTab := chromedp.NewContext(allocCtx)

	d := &ChromeDriver{
		profile:     profile,
		tab:         tab,
		cancelTab:   cancelTab,
		cancelAlloc: cancelAlloc,
	}

	if err := d.run(ctx, chromedp.Navigate(profile.URL)); err != nil {
		d.Close()
		return nil, fmt.Errorf("open %s: %w", profile.URL, err)
	}
	return d, nil
}

// run executes actions on the tab, honoring the caller's context.
func (d *ChromeDriver) run(ctx context.Context, actions ...chromedp.Action) error {
	done := make(chan error, 1)
	go func() { done <- chromedp.Run(d.tab, actions...) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// findElement waits for a selector with short backoff retries, matching the
// transient-failure policy: exhausting retries is a task-level failure, not a
// crash.
func (d *ChromeDriver) findElement(ctx context.Context, selector string) error {
	var lastErr error
	for attempt := 0; attempt < findAttempts; attempt++ {
		if attempt > 0 {
			backoff := findBackoffBase * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		waitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := d.run(waitCtx, chromedp.WaitVisible(selector, chromedp.ByQuery))
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("element %q not found after %d attempts: %w", selector, findAttempts, lastErr)
}

func (d *ChromeDriver) SelectModel(ctx context.Context, name string) error {
	return d.selectFromMenu(ctx, name, d.profile.Selectors.ModelMenu, d.profile.Models, "model")
}

func (d *ChromeDriver) SelectFunction(ctx context.Context, name string) error {
	return d.selectFromMenu(ctx, name, d.profile.Selectors.FunctionMenu, d.profile.Functions, "function")
}

// selectFromMenu opens a picker menu and clicks the entry for name. An option
// with its own selector is clicked directly; otherwise menu items are matched
// by visible text.
func (d *ChromeDriver) selectFromMenu(ctx context.Context, name, menuSelector string, options OptionList, kind string) error {
	if name == "" {
		return nil
	}
	if menuSelector == "" {
		return fmt.Errorf("profile %s has no %s menu selector", d.profile.AI, kind)
	}

	if err := d.findElement(ctx, menuSelector); err != nil {
		return err
	}
	if err := d.run(ctx, chromedp.Click(menuSelector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("open %s menu: %w", kind, err)
	}

	if opt, ok := options.Find(name); ok && opt.Selector != "" {
		if err := d.findElement(ctx, opt.Selector); err != nil {
			return err
		}
		return d.run(ctx, chromedp.Click(opt.Selector, chromedp.ByQuery))
	}
	return d.clickMenuItemByText(ctx, name)
}

func (d *ChromeDriver) clickMenuItemByText(ctx context.Context, text string) error {
	itemSelector := d.profile.Selectors.MenuItem
	if itemSelector == "" {
		itemSelector = "[role=menuitem], [role=option]"
	}

	var nodes []*cdp.Node
	if err := d.run(ctx, chromedp.Nodes(itemSelector, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0))); err != nil {
		return fmt.Errorf("list menu items: %w", err)
	}
	needle := strings.ToLower(text)
	for _, n := range nodes {
		var label string
		if err := d.run(ctx, chromedp.Text([]cdp.NodeID{n.NodeID}, &label, chromedp.ByNodeID)); err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(label), needle) {
			return d.run(ctx, chromedp.MouseClickNode(n))
		}
	}
	return fmt.Errorf("menu item %q not found", text)
}

func (d *ChromeDriver) InputText(ctx context.Context, text string) error {
	sel := d.profile.Selectors.Input
	if err := d.findElement(ctx, sel); err != nil {
		return err
	}
	return d.run(ctx,
		chromedp.Click(sel, chromedp.ByQuery),
		chromedp.SendKeys(sel, text, chromedp.ByQuery),
	)
}

func (d *ChromeDriver) Send(ctx context.Context) error {
	sel := d.profile.Selectors.Send
	if err := d.findElement(ctx, sel); err != nil {
		return err
	}
	return d.run(ctx, chromedp.Click(sel, chromedp.ByQuery))
}

// InFlight reports whether a response is being generated: the stop control is
// visible, or the send control has been swapped out.
func (d *ChromeDriver) InFlight(ctx context.Context) (bool, error) {
	script := fmt.Sprintf(
		`(() => { const stop = %q && document.querySelector(%q);
		          const send = document.querySelector(%q);
		          return !!stop || !send; })()`,
		d.profile.Selectors.Stop, d.profile.Selectors.Stop, d.profile.Selectors.Send,
	)
	var inFlight bool
	if err := d.run(ctx, chromedp.Evaluate(script, &inFlight)); err != nil {
		return false, fmt.Errorf("probe in-flight indicator: %w", err)
	}
	return inFlight, nil
}

// GetResponse returns the text of the last response node, or "" when none.
func (d *ChromeDriver) GetResponse(ctx context.Context) (string, error) {
	script := fmt.Sprintf(
		`(() => { const nodes = document.querySelectorAll(%q);
		          return nodes.length ? nodes[nodes.length-1].innerText : ""; })()`,
		d.profile.Selectors.Response,
	)
	var text string
	if err := d.run(ctx, chromedp.Evaluate(script, &text)); err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	return text, nil
}

func (d *ChromeDriver) Close() error {
	d.cancelTab()
	d.cancelAlloc()
	return nil
}
