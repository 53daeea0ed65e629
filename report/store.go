package report

import (
	"html"
	"strings"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/stadtlab/schulwegcheck/idgen"
)

// Store is the in-memory, ordered collection of reports for the session.
// Mutations come from HTTP handlers; the export pipeline reads snapshots.
type Store struct {
	mu       sync.Mutex
	reports  []Report
	newID    idgen.Generator
	clock    func() time.Time
	sanitize *bluemonday.Policy
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithIDGenerator sets a custom ID generator (tests use deterministic ones).
func WithIDGenerator(gen idgen.Generator) StoreOption {
	return func(s *Store) { s.newID = gen }
}

// WithClock sets the time source used for CreatedAt.
func WithClock(clock func() time.Time) StoreOption {
	return func(s *Store) { s.clock = clock }
}

// NewStore creates an empty store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		newID:    idgen.Prefixed("rpt_", idgen.Default),
		clock:    time.Now,
		sanitize: bluemonday.StrictPolicy(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Add validates r, fills defaults, assigns ID and timestamp, and appends it.
// Free text is stripped of any markup before storage since it is re-embedded
// into the capture page and the PDF.
func (s *Store) Add(r Report) (Report, error) {
	if err := r.Validate(); err != nil {
		return Report{}, err
	}
	if r.Source == "" {
		r.Source = SourceDigital
	}
	// Manually entered reports always carry full confidence. The field is
	// reserved for future automated sources.
	if r.Source == SourceDigital {
		r.Confidence = 1.0
	}
	r.LocationName = s.cleanText(r.LocationName)
	if r.LocationName == "" {
		r.LocationName = DefaultLocationName
	}
	r.Description = s.cleanText(r.Description)

	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = s.newID()
	r.CreatedAt = s.clock().UTC()
	s.reports = append(s.reports, r)
	return r, nil
}

// Remove deletes the report with the given ID.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.reports {
		if r.ID == id {
			s.reports = append(s.reports[:i], s.reports[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// List returns a copy in reverse creation order (most recent first), the
// order the UI shows.
func (s *Store) List() []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Report, len(s.reports))
	for i, r := range s.reports {
		out[len(s.reports)-1-i] = r
	}
	return out
}

// Snapshot returns a copy in creation order. The export pipeline renders
// reports in this order so the printed sheet reads chronologically.
func (s *Store) Snapshot() []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Report, len(s.reports))
	copy(out, s.reports)
	return out
}

// Len returns the number of stored reports.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

// cleanText strips markup and trims whitespace. bluemonday escapes entities
// on output; unescape to get plain text back.
func (s *Store) cleanText(text string) string {
	return strings.TrimSpace(html.UnescapeString(s.sanitize.Sanitize(text)))
}
