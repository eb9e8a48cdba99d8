// Package chrome drives a Chrome browser over the DevTools protocol.
package chrome

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/vango-go/demo-copilot/pkg/core"
)

type Config struct {
	// RemoteURL attaches to an already running browser (ws://host:9222)
	// instead of launching one.
	RemoteURL      string
	Headless       bool
	ViewportWidth  int
	ViewportHeight int
	// ExecPath overrides the Chrome binary.
	ExecPath string
	// WaitVisible bounds how long click and type wait for their element.
	WaitVisible time.Duration
	Logger      *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ViewportWidth <= 0 {
		c.ViewportWidth = 1920
	}
	if c.ViewportHeight <= 0 {
		c.ViewportHeight = 1080
	}
	if c.WaitVisible <= 0 {
		c.WaitVisible = 10 * time.Second
	}
	return c
}

// Driver implements core.BrowserDriver with one browser tab.
type Driver struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	tab         context.Context
	cancelAlloc context.CancelFunc
	cancelTab   context.CancelFunc
}

var _ core.BrowserDriver = (*Driver)(nil)

func New(cfg Config) *Driver {
	cfg = cfg.withDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{cfg: cfg, logger: logger}
}

// allocatorOptions are the launch flags for a local browser.
func (d *Driver) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", d.cfg.Headless),
		chromedp.WindowSize(d.cfg.ViewportWidth, d.cfg.ViewportHeight),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("no-sandbox", true),
	)
	if d.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(d.cfg.ExecPath))
	}
	return opts
}

// Start launches the browser. The browser outlives ctx; Stop closes it.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tab != nil {
		return nil
	}

	var allocCtx context.Context
	var cancelAlloc context.CancelFunc
	if d.cfg.RemoteURL != "" {
		allocCtx, cancelAlloc = chromedp.NewRemoteAllocator(context.Background(), d.cfg.RemoteURL)
	} else {
		allocCtx, cancelAlloc = chromedp.NewExecAllocator(context.Background(), d.allocatorOptions()...)
	}
	tab, cancelTab := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(format string, args ...any) {
		d.logger.Debug(fmt.Sprintf(format, args...))
	}))

	// the first Run launches the browser and must use the tab context itself,
	// otherwise the browser dies with the caller's ctx
	launched := make(chan error, 1)
	go func() { launched <- chromedp.Run(tab) }()
	var err error
	select {
	case err = <-launched:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err == nil {
		err = d.run(ctx, tab, chromedp.EmulateViewport(int64(d.cfg.ViewportWidth), int64(d.cfg.ViewportHeight)))
	}
	if err != nil {
		cancelTab()
		cancelAlloc()
		return fmt.Errorf("start chrome: %w", err)
	}
	d.tab, d.cancelAlloc, d.cancelTab = tab, cancelAlloc, cancelTab
	d.logger.Info("browser started", "remote", d.cfg.RemoteURL != "", "headless", d.cfg.Headless)
	return nil
}

func (d *Driver) Stop(ctx context.Context) error {
	d.mu.Lock()
	tab, cancelAlloc, cancelTab := d.tab, d.cancelAlloc, d.cancelTab
	d.tab = nil
	d.mu.Unlock()
	if tab == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(tab) }()
	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	cancelTab()
	cancelAlloc()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("stop chrome: %w", err)
	}
	return nil
}

func (d *Driver) Navigate(ctx context.Context, url string) error {
	return d.do(ctx, "navigate "+url, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery))
}

func (d *Driver) Click(ctx context.Context, selector string) error {
	return d.do(ctx, "click "+selector,
		d.waitVisible(selector),
		chromedp.Click(selector, chromedp.NodeVisible),
	)
}

func (d *Driver) Type(ctx context.Context, selector, text string) error {
	return d.do(ctx, "type "+selector,
		d.waitVisible(selector),
		chromedp.SetValue(selector, "", chromedp.NodeVisible),
		chromedp.SendKeys(selector, text, chromedp.NodeVisible),
	)
}

func (d *Driver) Scroll(ctx context.Context, deltaY int) error {
	return d.do(ctx, "scroll", chromedp.Evaluate(fmt.Sprintf("window.scrollBy(0, %d)", deltaY), nil))
}

func (d *Driver) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := d.do(ctx, "screenshot", chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *Driver) waitVisible(selector string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		wctx, cancel := context.WithTimeout(ctx, d.cfg.WaitVisible)
		defer cancel()
		return chromedp.WaitVisible(selector).Do(wctx)
	})
}

func (d *Driver) do(ctx context.Context, what string, actions ...chromedp.Action) error {
	d.mu.Lock()
	tab := d.tab
	d.mu.Unlock()
	if tab == nil {
		return core.Errorf(core.KindActionFailed, "%s: browser not started", what)
	}
	if err := d.run(ctx, tab, actions...); err != nil {
		return core.Wrap(core.KindActionFailed, err, strings.TrimSpace(what))
	}
	return nil
}

// run executes actions on tab, bounded by the caller's ctx.
func (d *Driver) run(ctx context.Context, tab context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(tab)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}
