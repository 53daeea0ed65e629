// Package export orchestrates the participation sheet pipeline: capture the
// map, compose the PDF, write it to disk, record the outcome. At most one
// export runs at a time; a second request is rejected, not queued.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/stadtlab/schulwegcheck/capture"
	"github.com/stadtlab/schulwegcheck/compose"
	"github.com/stadtlab/schulwegcheck/observability"
	"github.com/stadtlab/schulwegcheck/report"
)

// ErrInFlight is returned when an export is already running.
var ErrInFlight = errors.New("export: already in progress")

// Capturer produces a snapshot of the current map view. Satisfied by
// capture.Adapter.
type Capturer interface {
	Capture(ctx context.Context) (capture.Snapshot, error)
}

// Config configures the exporter.
type Config struct {
	// OutputDir receives a copy of every generated document. Empty = no
	// on-disk archive, the PDF is only returned to the caller.
	OutputDir string

	// FilenamePrefix leads the generated filename. Default
	// "Schulwegcheck_Beteiligung".
	FilenamePrefix string

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.FilenamePrefix == "" {
		c.FilenamePrefix = "Schulwegcheck_Beteiligung"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Result is a finished export.
type Result struct {
	Filename string
	Path     string // empty when no OutputDir is configured
	PDF      []byte
	Pages    int
	Reports  int
	Duration time.Duration
}

// Exporter runs the pipeline. Create with New.
type Exporter struct {
	cfg      Config
	capturer Capturer
	store    *report.Store
	events   *observability.EventLogger
	clock    func() time.Time

	mu      sync.Mutex
	running bool
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithEvents wires the business event log. Nil is allowed and means no
// event recording.
func WithEvents(ev *observability.EventLogger) Option {
	return func(e *Exporter) { e.events = ev }
}

// WithClock overrides the timestamp source used for filenames.
func WithClock(clock func() time.Time) Option {
	return func(e *Exporter) { e.clock = clock }
}

// New creates an Exporter over the given capturer and report store.
func New(cfg Config, capturer Capturer, store *report.Store, opts ...Option) *Exporter {
	cfg.defaults()
	e := &Exporter{
		cfg:      cfg,
		capturer: capturer,
		store:    store,
		clock:    time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Running reports whether an export is currently in flight.
func (e *Exporter) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Export runs one full pipeline pass. Returns ErrInFlight when another
// export holds the slot; the caller decides whether to retry.
func (e *Exporter) Export(ctx context.Context) (Result, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return Result{}, ErrInFlight
	}
	e.running = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	started := e.clock()
	res, err := e.run(ctx, started)
	if err != nil {
		e.cfg.Logger.Error("export failed", "error", err)
		e.recordEvent(ctx, "export_failed", "", false, err.Error())
		return Result{}, err
	}

	res.Duration = time.Since(started)
	e.cfg.Logger.Info("export completed",
		"filename", res.Filename, "pages", res.Pages,
		"reports", res.Reports, "duration", res.Duration)
	e.recordEvent(ctx, "export_completed", res.Filename, true, "")
	return res, nil
}

func (e *Exporter) run(ctx context.Context, started time.Time) (Result, error) {
	snap, err := e.capturer.Capture(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("export: capture: %w", err)
	}

	// The snapshot of the store is taken after the capture so the image and
	// the report list cannot drift further apart than the capture itself.
	reports := e.store.Snapshot()

	out, err := compose.Compose(compose.Input{
		ImagePNG:    snap.PNG,
		ImageWidth:  snap.Width,
		ImageHeight: snap.Height,
		Reports:     reports,
		GeneratedAt: started,
	})
	if err != nil {
		return Result{}, fmt.Errorf("export: compose: %w", err)
	}

	res := Result{
		Filename: fmt.Sprintf("%s_%d.pdf", e.cfg.FilenamePrefix, started.UnixMilli()),
		PDF:      out.PDF,
		Pages:    out.Pages,
		Reports:  len(reports),
	}

	if e.cfg.OutputDir != "" {
		if err := os.MkdirAll(e.cfg.OutputDir, 0o755); err != nil {
			return Result{}, fmt.Errorf("export: output dir: %w", err)
		}
		path := filepath.Join(e.cfg.OutputDir, res.Filename)
		if err := os.WriteFile(path, out.PDF, 0o644); err != nil {
			return Result{}, fmt.Errorf("export: write %s: %w", path, err)
		}
		res.Path = path
	}

	return res, nil
}

func (e *Exporter) recordEvent(ctx context.Context, eventType, entityID string, success bool, details string) {
	if e.events == nil {
		return
	}
	if details != "" {
		details = fmt.Sprintf("{%q:%q}", "error", details)
	}
	e.events.LogEvent(ctx, observability.BusinessEvent{
		EventType:   eventType,
		ServiceName: "schulwegcheck",
		EntityType:  "export",
		EntityID:    entityID,
		Action:      "export",
		Details:     details,
		Success:     success,
	})
}
