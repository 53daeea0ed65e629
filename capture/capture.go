// Package capture produces a still image of the live map region. It forces
// the region into a fixed pixel geometry, parks it off-screen, waits for the
// tile images to finish loading, rasterises, and restores the region's
// original inline style on every exit path.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	_ "image/png"
)

// ErrNoRegion is returned when the configured map element is not present.
// Callers treat it as a precondition failure, not a pipeline error.
var ErrNoRegion = errors.New("capture: map region not found")

// Geometry is the fixed pixel size forced onto the region before
// rasterisation, decoupled from the responsive on-screen layout.
type Geometry struct {
	Width  int
	Height int
}

// DefaultGeometry is a 3:2 landscape frame.
var DefaultGeometry = Geometry{Width: 1200, Height: 800}

// Snapshot is the capture result. Width and Height are the decoded pixel
// dimensions of the PNG, which can differ from the requested geometry under
// device pixel scaling; layout must use these, never the request.
type Snapshot struct {
	PNG    []byte
	Width  int
	Height int
}

// Config configures the adapter.
type Config struct {
	// PageURL is the address of the map page to rasterise.
	PageURL string

	// Selector locates the map region on the page. Default: "#map".
	Selector string

	// Geometry is the capture size. Default: 1200×800.
	Geometry Geometry

	// SettleTimeout bounds the wait for tile images. The adapter proceeds
	// once every tile reports complete, or when this elapses. Default: 5s.
	SettleTimeout time.Duration

	// Background fills transparent gaps behind missing tiles. Default white.
	Background string

	// RemoteURL is the DevTools WebSocket URL of an external Chrome.
	// Empty = launch a local headless Chrome.
	RemoteURL string

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Selector == "" {
		c.Selector = "#map"
	}
	if c.Geometry.Width <= 0 || c.Geometry.Height <= 0 {
		c.Geometry = DefaultGeometry
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = 5 * time.Second
	}
	if c.Background == "" {
		c.Background = "#ffffff"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// domRegion abstracts the DOM operations the capture sequence needs, so the
// sequence itself (style bookkeeping, settling, guaranteed restore) can be
// exercised without a browser.
type domRegion interface {
	// StyleSnapshot records the region's current inline style.
	StyleSnapshot() (string, error)
	// ApplyCaptureStyle forces the geometry and parks the region off-screen
	// (off-screen, not hidden: hidden regions rasterise blank).
	ApplyCaptureStyle(g Geometry, background string) error
	// RestoreStyle reinstates a recorded inline style.
	RestoreStyle(style string) error
	// Invalidate forces the map library to re-read the region's size.
	Invalidate() error
	// TilesComplete reports whether every tile image has finished loading.
	TilesComplete() (bool, error)
	// Rasterize produces a PNG of the region at its current size.
	Rasterize() ([]byte, error)
}

// captureRegion runs the capture sequence against a region. Style
// restoration runs on every exit path once the style has been mutated.
func captureRegion(ctx context.Context, region domRegion, cfg Config) (snap Snapshot, err error) {
	prev, err := region.StyleSnapshot()
	if err != nil {
		return Snapshot{}, fmt.Errorf("capture: read style: %w", err)
	}

	defer func() {
		if rerr := region.RestoreStyle(prev); rerr != nil {
			cfg.Logger.Warn("capture: style restore failed", "error", rerr)
			if err == nil {
				err = fmt.Errorf("capture: restore style: %w", rerr)
			}
		}
		if ierr := region.Invalidate(); ierr != nil {
			cfg.Logger.Warn("capture: relayout after restore failed", "error", ierr)
		}
	}()

	if err := region.ApplyCaptureStyle(cfg.Geometry, cfg.Background); err != nil {
		return Snapshot{}, fmt.Errorf("capture: apply geometry: %w", err)
	}
	if err := region.Invalidate(); err != nil {
		return Snapshot{}, fmt.Errorf("capture: relayout: %w", err)
	}

	settle(ctx, region, cfg)

	png, err := region.Rasterize()
	if err != nil {
		return Snapshot{}, fmt.Errorf("capture: rasterize: %w", err)
	}

	imgCfg, _, err := image.DecodeConfig(bytes.NewReader(png))
	if err != nil {
		return Snapshot{}, fmt.Errorf("capture: decode result: %w", err)
	}

	return Snapshot{PNG: png, Width: imgCfg.Width, Height: imgCfg.Height}, nil
}

// settle waits until the region reports all tiles loaded. The completion
// signal is authoritative; SettleTimeout is the bounded fallback so a stuck
// tile cannot hang the export.
func settle(ctx context.Context, region domRegion, cfg Config) {
	deadline := time.Now().Add(cfg.SettleTimeout)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		done, err := region.TilesComplete()
		if err != nil {
			cfg.Logger.Debug("capture: tile check failed", "error", err)
		} else if done {
			return
		}
		if time.Now().After(deadline) {
			cfg.Logger.Warn("capture: settle timeout, proceeding with partial tiles",
				"timeout", cfg.SettleTimeout)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}
