package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rimborsi/internal/sheets"
)

// Report is one written snapshot.
type Report struct {
	GeneratedAt time.Time
	Rows        []sheets.OutstandingRow
}

// Store keeps every written report in memory.
type Store struct {
	mu      sync.Mutex
	reports []Report
}

var _ sheets.ReportWriter = (*Store)(nil)

func New() *Store {
	return &Store{}
}

// WriteOutstandingReport stores the rows and returns a synthetic reference.
func (s *Store) WriteOutstandingReport(_ context.Context, rows []sheets.OutstandingRow, generatedAt time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, Report{
		GeneratedAt: generatedAt,
		Rows:        append([]sheets.OutstandingRow(nil), rows...),
	})
	return fmt.Sprintf("mem:%d", len(s.reports)), nil
}

// Latest returns the most recent report.
func (s *Store) Latest() (Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reports) == 0 {
		return Report{}, false
	}
	return s.reports[len(s.reports)-1], true
}

func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}
