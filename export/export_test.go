package export

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stadtlab/schulwegcheck/capture"
	"github.com/stadtlab/schulwegcheck/observability"
	"github.com/stadtlab/schulwegcheck/report"
)

type fakeCapturer struct {
	snap    capture.Snapshot
	err     error
	block   chan struct{} // when set, Capture waits until closed
	started chan struct{} // when set, closed once Capture begins
}

func (f *fakeCapturer) Capture(ctx context.Context) (capture.Snapshot, error) {
	if f.started != nil {
		close(f.started)
		f.started = nil
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return capture.Snapshot{}, ctx.Err()
		}
	}
	if f.err != nil {
		return capture.Snapshot{}, f.err
	}
	return f.snap, nil
}

func testSnapshot(t *testing.T) capture.Snapshot {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 300, 200))
	img.Set(0, 0, color.RGBA{A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return capture.Snapshot{PNG: buf.Bytes(), Width: 300, Height: 200}
}

func TestExport_WritesFile(t *testing.T) {
	dir := t.TempDir()
	store := report.NewStore()
	store.Add(report.Report{Category: report.CategoryDanger, Lat: 52.2, Lon: 8.6, Description: "Fehlende Ampel"})

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	e := New(Config{OutputDir: dir}, &fakeCapturer{snap: testSnapshot(t)}, store,
		WithClock(func() time.Time { return now }))

	res, err := e.Export(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Reports != 1 {
		t.Fatalf("Reports = %d, want 1", res.Reports)
	}
	if res.Pages < 2 {
		t.Fatalf("Pages = %d, want at least 2 with a report", res.Pages)
	}
	if !strings.HasPrefix(res.Filename, "Schulwegcheck_Beteiligung_") || !strings.HasSuffix(res.Filename, ".pdf") {
		t.Fatalf("Filename = %q", res.Filename)
	}

	data, err := os.ReadFile(filepath.Join(dir, res.Filename))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, res.PDF) {
		t.Fatal("archived file must match the returned document")
	}
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		t.Fatal("archive is not a PDF")
	}
}

func TestExport_NoOutputDir(t *testing.T) {
	e := New(Config{}, &fakeCapturer{snap: testSnapshot(t)}, report.NewStore())

	res, err := e.Export(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Path != "" {
		t.Fatalf("Path = %q, want empty without an output dir", res.Path)
	}
	if len(res.PDF) == 0 {
		t.Fatal("PDF must still be returned")
	}
}

func TestExport_FilenamesDifferAcrossRuns(t *testing.T) {
	ts := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		ts = ts.Add(time.Millisecond)
		return ts
	}
	e := New(Config{}, &fakeCapturer{snap: testSnapshot(t)}, report.NewStore(), WithClock(clock))

	a, err := e.Export(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	b, err := e.Export(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if a.Filename == b.Filename {
		t.Fatalf("consecutive exports share filename %q", a.Filename)
	}
}

func TestExport_RejectsConcurrent(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	capt := &fakeCapturer{snap: testSnapshot(t), block: block, started: started}
	e := New(Config{}, capt, report.NewStore())

	var wg sync.WaitGroup
	wg.Add(1)
	var firstErr error
	go func() {
		defer wg.Done()
		_, firstErr = e.Export(context.Background())
	}()

	<-started
	if !e.Running() {
		t.Fatal("Running() must report the in-flight export")
	}
	_, err := e.Export(context.Background())
	if !errors.Is(err, ErrInFlight) {
		t.Fatalf("expected ErrInFlight, got %v", err)
	}

	close(block)
	wg.Wait()
	if firstErr != nil {
		t.Fatalf("first export: %v", firstErr)
	}

	// The slot frees up once the first export finishes.
	if _, err := e.Export(context.Background()); err != nil {
		t.Fatalf("export after completion: %v", err)
	}
}

func TestExport_CaptureFailureRecordsEvent(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if err := observability.Init(db); err != nil {
		t.Fatal(err)
	}

	e := New(Config{}, &fakeCapturer{err: errors.New("browser gone")}, report.NewStore(),
		WithEvents(observability.NewEventLogger(db)))

	if _, err := e.Export(context.Background()); err == nil {
		t.Fatal("expected capture error")
	}

	var eventType string
	var success int
	if err := db.QueryRow("SELECT event_type, success FROM business_event_logs").Scan(&eventType, &success); err != nil {
		t.Fatalf("expected one event row: %v", err)
	}
	if eventType != "export_failed" || success != 0 {
		t.Fatalf("event = %q success=%d", eventType, success)
	}
}

func TestExport_SuccessRecordsEvent(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if err := observability.Init(db); err != nil {
		t.Fatal(err)
	}

	e := New(Config{}, &fakeCapturer{snap: testSnapshot(t)}, report.NewStore(),
		WithEvents(observability.NewEventLogger(db)))

	res, err := e.Export(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	var entityID string
	var success int
	if err := db.QueryRow("SELECT entity_id, success FROM business_event_logs WHERE event_type='export_completed'").Scan(&entityID, &success); err != nil {
		t.Fatalf("expected completion event: %v", err)
	}
	if entityID != res.Filename || success != 1 {
		t.Fatalf("event entity=%q success=%d", entityID, success)
	}
}
