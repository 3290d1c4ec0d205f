// Package reports persists generated call reports as one JSON file each.
package reports

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned for unknown or malformed report ids.
var ErrNotFound = errors.New("report not found")

// Report is the stored document. Analysis, Messages and UISnapshot are
// produced by other services and kept verbatim.
type Report struct {
	ID                string          `json:"id"`
	CreatedAt         string          `json:"created_at"`
	Analysis          json.RawMessage `json:"analysis"`
	Content           json.RawMessage `json:"content"`
	Format            string          `json:"format"`
	Messages          json.RawMessage `json:"messages,omitempty"`
	CustomerPhone     string          `json:"customer_phone"`
	CustomerName      string          `json:"customer_name"`
	UISnapshot        json.RawMessage `json:"ui_snapshot"`
	RegenerationCount int             `json:"regeneration_count"`
	OriginalReportID  *string         `json:"original_report_id"`
	CallID            string          `json:"call_id,omitempty"`
}

// Summary is the listing view of a report.
type Summary struct {
	ID                string          `json:"id"`
	CreatedAt         string          `json:"created_at"`
	Summary           string          `json:"summary"`
	Topics            json.RawMessage `json:"topics"`
	CustomerPhone     string          `json:"customer_phone"`
	CustomerName      string          `json:"customer_name"`
	RegenerationCount int             `json:"regeneration_count"`
}

// Store is a directory of report files named <id>.json.
type Store struct {
	dir string
	log zerolog.Logger
}

// Open creates dir if needed.
func Open(dir string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create reports dir: %w", err)
	}
	return &Store{dir: dir, log: log}, nil
}

// Dir returns the reports directory.
func (s *Store) Dir() string { return s.dir }

// Save writes the report, replacing any file with the same id.
func (s *Store) Save(r Report) error {
	path, ok := s.path(r.ID)
	if !ok {
		return fmt.Errorf("invalid report id %q", r.ID)
	}
	if r.Format == "" {
		r.Format = "markdown"
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report %s: %w", r.ID, err)
	}
	tmp, err := os.CreateTemp(s.dir, ".report-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	s.log.Info().Str("report_id", r.ID).Str("customer_phone", r.CustomerPhone).Msg("report saved")
	return nil
}

// Get loads one report.
func (s *Store) Get(id string) (Report, error) {
	var r Report
	path, ok := s.path(id)
	if !ok {
		return r, ErrNotFound
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return r, ErrNotFound
		}
		return r, err
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("decode report %s: %w", id, err)
	}
	return r, nil
}

// Delete removes one report.
func (s *Store) Delete(id string) error {
	path, ok := s.path(id)
	if !ok {
		return ErrNotFound
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	s.log.Info().Str("report_id", id).Msg("report deleted")
	return nil
}

// List returns summaries newest first. A non-empty phone keeps only
// reports for that customer. Unreadable files are logged and skipped.
func (s *Store) List(phone string) ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read reports dir: %w", err)
	}
	type row struct {
		sum Summary
		at  time.Time
	}
	rows := []row{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			s.log.Warn().Err(err).Str("file", name).Msg("skipping unreadable report")
			continue
		}
		var r Report
		if err := json.Unmarshal(data, &r); err != nil {
			s.log.Warn().Err(err).Str("file", name).Msg("skipping corrupt report")
			continue
		}
		if phone != "" && r.CustomerPhone != phone {
			continue
		}
		rows = append(rows, row{sum: Summarize(r), at: parseCreatedAt(r.CreatedAt)})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].at.After(rows[j].at) })
	out := make([]Summary, len(rows))
	for i, r := range rows {
		out[i] = r.sum
	}
	return out, nil
}

// Summarize builds the listing view. Summary falls back to "No summary"
// and topics to an empty list.
func Summarize(r Report) Summary {
	var a struct {
		Summary    string          `json:"summary"`
		MainTopics json.RawMessage `json:"main_topics"`
	}
	_ = json.Unmarshal(r.Analysis, &a)
	sum := Summary{
		ID:                r.ID,
		CreatedAt:         r.CreatedAt,
		Summary:           a.Summary,
		Topics:            a.MainTopics,
		CustomerPhone:     r.CustomerPhone,
		CustomerName:      r.CustomerName,
		RegenerationCount: r.RegenerationCount,
	}
	if sum.Summary == "" {
		sum.Summary = "No summary"
	}
	if len(sum.Topics) == 0 || string(sum.Topics) == "null" {
		sum.Topics = json.RawMessage(`[]`)
	}
	return sum
}

func (s *Store) path(id string) (string, bool) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", false
	}
	return filepath.Join(s.dir, id+".json"), true
}

var createdAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// parseCreatedAt accepts RFC 3339 and the zone-less ISO forms Python emits.
// Unparseable values sort last.
func parseCreatedAt(v string) time.Time {
	for _, layout := range createdAtLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t
		}
	}
	return time.Time{}
}
