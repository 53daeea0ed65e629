package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// Adapter owns the headless browser used to rasterise the map page.
// Create with NewAdapter, then Start once; Capture can be called repeatedly.
type Adapter struct {
	cfg     Config
	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool
}

// NewAdapter creates an Adapter. Call Start to launch Chrome.
func NewAdapter(cfg Config) *Adapter {
	cfg.defaults()
	return &Adapter{cfg: cfg}
}

// Start launches a local headless Chrome, or connects to the configured
// remote instance.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return fmt.Errorf("capture: adapter is closed")
	}

	var wsURL string
	if a.cfg.RemoteURL != "" {
		wsURL = a.cfg.RemoteURL
		a.cfg.Logger.Info("capture: connecting to remote browser", "url", wsURL)
	} else {
		l := launcher.New().Headless(true)
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("capture: launch browser: %w", err)
		}
		wsURL = u
		a.lnch = l
		a.cfg.Logger.Info("capture: launched local chrome")
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("capture: connect browser: %w", err)
	}
	a.browser = b
	return nil
}

// Close shuts the browser down.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	if a.browser != nil {
		a.browser.Close()
		a.browser = nil
	}
	if a.lnch != nil {
		a.lnch.Cleanup()
		a.lnch = nil
	}
	return nil
}

// Capture opens the map page in a fresh tab and runs the capture sequence
// against the configured region. Returns ErrNoRegion when the page has no
// map element.
func (a *Adapter) Capture(ctx context.Context) (Snapshot, error) {
	a.mu.Lock()
	b := a.browser
	a.mu.Unlock()
	if b == nil {
		return Snapshot{}, fmt.Errorf("capture: browser not started")
	}

	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return Snapshot{}, fmt.Errorf("capture: open tab: %w", err)
	}
	defer page.Close()
	page = page.Context(ctx)

	// The viewport matches the capture geometry so tiles load at target
	// resolution before the element is even resized.
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             a.cfg.Geometry.Width,
		Height:            a.cfg.Geometry.Height,
		DeviceScaleFactor: 1,
	}); err != nil {
		return Snapshot{}, fmt.Errorf("capture: set viewport: %w", err)
	}

	if err := page.Navigate(a.cfg.PageURL); err != nil {
		return Snapshot{}, fmt.Errorf("capture: navigate %s: %w", a.cfg.PageURL, err)
	}
	if err := page.WaitLoad(); err != nil {
		a.cfg.Logger.Warn("capture: wait load timeout", "url", a.cfg.PageURL, "error", err)
	}

	has, _, err := page.Has(a.cfg.Selector)
	if err != nil {
		return Snapshot{}, fmt.Errorf("capture: query %s: %w", a.cfg.Selector, err)
	}
	if !has {
		return Snapshot{}, ErrNoRegion
	}

	return captureRegion(ctx, &rodRegion{page: page, sel: a.cfg.Selector}, a.cfg)
}

// rodRegion drives the DOM through CDP. All style work happens on the map
// element's inline style, so a snapshot of style.cssText restores exactly.
type rodRegion struct {
	page *rod.Page
	sel  string
}

func (r *rodRegion) StyleSnapshot() (string, error) {
	res, err := r.page.Eval(`(sel) => document.querySelector(sel).style.cssText`, r.sel)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

func (r *rodRegion) ApplyCaptureStyle(g Geometry, background string) error {
	_, err := r.page.Eval(`(sel, w, h, bg) => {
		const el = document.querySelector(sel);
		el.style.width = w + 'px';
		el.style.height = h + 'px';
		el.style.position = 'fixed';
		el.style.left = '0px';
		el.style.top = window.innerHeight + 'px';
		el.style.backgroundColor = bg;
	}`, r.sel, g.Width, g.Height, background)
	return err
}

func (r *rodRegion) RestoreStyle(style string) error {
	_, err := r.page.Eval(`(sel, css) => {
		document.querySelector(sel).style.cssText = css;
	}`, r.sel, style)
	return err
}

func (r *rodRegion) Invalidate() error {
	_, err := r.page.Eval(`() => {
		window.dispatchEvent(new Event('resize'));
		if (window.__mapInvalidate) window.__mapInvalidate();
	}`)
	return err
}

func (r *rodRegion) TilesComplete() (bool, error) {
	res, err := r.page.Eval(`(sel) => {
		const imgs = document.querySelector(sel).querySelectorAll('img');
		return Array.from(imgs).every((img) => img.complete && img.naturalWidth > 0);
	}`, r.sel)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

// Rasterize screenshots the region's bounding box. The region sits below
// the viewport, so the screenshot must render beyond it.
func (r *rodRegion) Rasterize() ([]byte, error) {
	res, err := r.page.Eval(`(sel) => {
		const rect = document.querySelector(sel).getBoundingClientRect();
		return { x: rect.x, y: rect.y, w: rect.width, h: rect.height };
	}`, r.sel)
	if err != nil {
		return nil, err
	}
	clip := &proto.PageViewport{
		X:      res.Value.Get("x").Num(),
		Y:      res.Value.Get("y").Num(),
		Width:  res.Value.Get("w").Num(),
		Height: res.Value.Get("h").Num(),
		Scale:  1,
	}
	return r.page.Screenshot(false, &proto.PageCaptureScreenshot{
		Format:                proto.PageCaptureScreenshotFormatPng,
		Clip:                  clip,
		FromSurface:           true,
		CaptureBeyondViewport: true,
	})
}
