package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// decodeJSON parses a JSON request body and rejects unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// seedRateLimits installs conservative default rules for the write
// endpoints. Existing rows win, so operators can tune via the table.
func seedRateLimits(db *sql.DB) {
	rules := []struct {
		endpoint string
		max      int
		window   int
	}{
		{"POST /api/reports", 30, 60},
		{"POST /api/export", 6, 60},
	}
	for _, rule := range rules {
		if _, err := db.Exec(
			`INSERT OR IGNORE INTO rate_limits (endpoint, max_requests, window_seconds, enabled) VALUES (?,?,?,1)`,
			rule.endpoint, rule.max, rule.window); err != nil {
			slog.Warn("seed rate limit", "endpoint", rule.endpoint, "error", err)
		}
	}
}
