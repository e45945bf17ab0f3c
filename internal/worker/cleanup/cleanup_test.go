package cleanup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// mockDeleter はStaleDeleterのモック実装。
type mockDeleter struct {
	mu      sync.Mutex
	calls   int
	before  time.Time
	deleted int64
	err     error
}

func (m *mockDeleter) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.before = before
	return m.deleted, m.err
}

func (m *mockDeleter) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func newTestJob(repo *mockDeleter, buf *bytes.Buffer, now time.Time) *CleanupJob {
	job := NewCleanupJob(repo, newTestLogger(buf))
	job.now = func() time.Time { return now }
	return job
}

// findLogField はJSONログの各行から指定フィールドを探す。
func findLogField(t *testing.T, buf *bytes.Buffer, field string) (interface{}, bool) {
	t.Helper()
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if v, ok := entry[field]; ok {
			return v, true
		}
	}
	return nil, false
}

func TestNewCleanupJob_DefaultRetention(t *testing.T) {
	job := NewCleanupJob(&mockDeleter{}, newTestLogger(&bytes.Buffer{}))

	if job.RetentionDays != 30 {
		t.Errorf("RetentionDays = %d, want 30", job.RetentionDays)
	}
}

func TestCleanupJob_Run_PassesCutoff(t *testing.T) {
	tests := []struct {
		name          string
		retentionDays int
		wantBefore    time.Time
	}{
		{"default", 30, time.Date(2026, 9, 19, 12, 0, 0, 0, time.UTC)},
		{"custom", 7, time.Date(2026, 10, 12, 12, 0, 0, 0, time.UTC)},
	}

	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			repo := &mockDeleter{}
			job := newTestJob(repo, &buf, now)
			job.RetentionDays = tt.retentionDays

			if err := job.Run(context.Background()); err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if !repo.before.Equal(tt.wantBefore) {
				t.Errorf("before = %v, want %v", repo.before, tt.wantBefore)
			}
		})
	}
}

func TestCleanupJob_Run_LogsDeletedCount(t *testing.T) {
	var buf bytes.Buffer
	job := newTestJob(&mockDeleter{deleted: 42}, &buf, time.Now())

	_ = job.Run(context.Background())

	count, ok := findLogField(t, &buf, "deleted_count")
	if !ok || count != float64(42) {
		t.Errorf("deleted_count = %v, want 42. log: %s", count, buf.String())
	}
	days, ok := findLogField(t, &buf, "retention_days")
	if !ok || days != float64(30) {
		t.Errorf("retention_days = %v, want 30", days)
	}
	if _, ok := findLogField(t, &buf, "duration_ms"); !ok {
		t.Error("duration_ms was not logged")
	}
}

func TestCleanupJob_Run_ZeroRowsIsNotAnError(t *testing.T) {
	var buf bytes.Buffer
	job := newTestJob(&mockDeleter{}, &buf, time.Now())

	for i := 0; i < 2; i++ {
		if err := job.Run(context.Background()); err != nil {
			t.Fatalf("run %d: error = %v", i+1, err)
		}
	}

	count, ok := findLogField(t, &buf, "deleted_count")
	if !ok || count != float64(0) {
		t.Errorf("deleted_count = %v, want 0", count)
	}
}

func TestCleanupJob_Run_ReturnsErrorOnFailure(t *testing.T) {
	var buf bytes.Buffer
	job := newTestJob(&mockDeleter{err: sql.ErrConnDone}, &buf, time.Now())

	err := job.Run(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "sql: connection is already closed") {
		t.Errorf("error = %v", err)
	}
	if !strings.Contains(buf.String(), "ERROR") {
		t.Errorf("expected ERROR log, got: %s", buf.String())
	}
}

func TestCleanupJob_Start_RunsImmediatelyAndStops(t *testing.T) {
	repo := &mockDeleter{}
	job := NewCleanupJob(repo, newTestLogger(&bytes.Buffer{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx, 10*time.Millisecond)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for repo.callCount() < 2 {
		select {
		case <-deadline:
			t.Fatalf("calls = %d, want at least 2", repo.callCount())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
