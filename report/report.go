// Package report holds the citizen route reports collected during a page
// session. Reports live in process memory only: they are created through the
// map form, deleted explicitly, and vanish when the service restarts.
package report

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Category classifies a reported location. Exactly one applies per report.
type Category string

const (
	CategoryDanger Category = "danger"
	CategorySafe   Category = "safe"
)

// Source tags the provenance of a report. Everything created through the
// form is digital; analog is reserved for transcribed paper sheets.
type Source string

const (
	SourceDigital Source = "digital"
	SourceAnalog  Source = "analog"
)

// DefaultLocationName is used for manually placed points without a label.
const DefaultLocationName = "Selbst gesetzter Punkt"

// Sentinel errors returned by the store. HTTP handlers map them to status
// codes with errors.Is.
var (
	ErrInvalidInput = errors.New("report: invalid input")
	ErrNotFound     = errors.New("report: not found")
)

// Report is a single user-submitted point annotation. Immutable once created.
type Report struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	Source       Source    `json:"source"`
	Lat          float64   `json:"lat"`
	Lon          float64   `json:"lon"`
	LocationName string    `json:"location_name"`
	Category     Category  `json:"category"`
	Description  string    `json:"description"`
	Confidence   float64   `json:"confidence"`
}

// Validate checks the fields a caller controls. ID and CreatedAt are
// assigned by the store and not validated here.
func (r *Report) Validate() error {
	switch r.Category {
	case CategoryDanger, CategorySafe:
	default:
		return fmt.Errorf("%w: unknown category %q", ErrInvalidInput, r.Category)
	}
	switch r.Source {
	case SourceDigital, SourceAnalog, "":
	default:
		return fmt.Errorf("%w: unknown source %q", ErrInvalidInput, r.Source)
	}
	if !finite(r.Lat) || !finite(r.Lon) {
		return fmt.Errorf("%w: coordinates must be finite", ErrInvalidInput)
	}
	if r.Lat < -90 || r.Lat > 90 || r.Lon < -180 || r.Lon > 180 {
		return fmt.Errorf("%w: coordinates out of range (%f, %f)", ErrInvalidInput, r.Lat, r.Lon)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("%w: confidence %f outside [0,1]", ErrInvalidInput, r.Confidence)
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
