package tips

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/such-software/smirk-website/internal/api"
	"github.com/such-software/smirk-website/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, nil))
}

type staticTokens string

func (t staticTokens) AccessToken() string { return string(t) }

// mockBackend は一覧取得を差し替えられるテスト用バックエンド。
type mockBackend struct {
	mu          sync.Mutex
	calls       int
	sentFn      func(ctx context.Context, token string) ([]model.Tip, error)
	receivedFn  func(ctx context.Context, token string) ([]model.Tip, error)
	claimableFn func(ctx context.Context, token string) ([]model.ClaimableTip, error)
}

func (m *mockBackend) SentTips(ctx context.Context, token string) ([]model.Tip, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.sentFn == nil {
		return nil, nil
	}
	return m.sentFn(ctx, token)
}

func (m *mockBackend) ReceivedTips(ctx context.Context, token string) ([]model.Tip, error) {
	if m.receivedFn == nil {
		return nil, nil
	}
	return m.receivedFn(ctx, token)
}

func (m *mockBackend) ClaimableTips(ctx context.Context, token string) ([]model.ClaimableTip, error) {
	if m.claimableFn == nil {
		return nil, nil
	}
	return m.claimableFn(ctx, token)
}

func (m *mockBackend) sentCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func receivedTip(id string, status model.TipStatus, claimable bool, conf, required int) model.Tip {
	return model.Tip{
		ID:                    id,
		Direction:             model.TipDirectionReceived,
		Asset:                 "xmr",
		Amount:                150000000000,
		Status:                status,
		IsClaimable:           claimable,
		FundingConfirmations:  conf,
		ConfirmationsRequired: required,
	}
}

func TestSnapshot_CanClaimRequiresBothLists(t *testing.T) {
	ready := receivedTip("t1", model.TipStatusPending, true, 10, 10)
	onlyReceived := receivedTip("t2", model.TipStatusPending, true, 10, 10)
	onlyClaimable := receivedTip("t3", model.TipStatusPending, false, 3, 10)
	claimed := receivedTip("t4", model.TipStatusClaimed, true, 10, 10)

	snap := Snapshot{
		Received: []model.Tip{ready, onlyReceived, onlyClaimable, claimed},
		Claimable: []model.ClaimableTip{
			{ID: "t1"}, {ID: "t3"}, {ID: "t4"},
		},
	}

	tests := []struct {
		name string
		tip  model.Tip
		want bool
	}{
		{"両方の一覧に含まれる", ready, true},
		{"受け取り可能一覧にない", onlyReceived, false},
		{"受信一覧でis_claimableがfalse", onlyClaimable, false},
		{"受け取り済み", claimed, false},
		{"送信チップ", model.Tip{ID: "t1", Direction: model.TipDirectionSent}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := snap.CanClaim(tt.tip); got != tt.want {
				t.Errorf("CanClaim(%s) = %v, want %v", tt.tip.ID, got, tt.want)
			}
		})
	}
}

func TestSnapshot_ConfirmationsGateClaimability(t *testing.T) {
	waiting := receivedTip("t1", model.TipStatusPending, false, 3, 10)
	snap := Snapshot{Received: []model.Tip{waiting}}
	if snap.CanClaim(waiting) {
		t.Error("tip with 3/10 confirmations must not be claimable")
	}
	if got := snap.Rows(snap.Received)[0].Badge; got != "Confirming 3/10" {
		t.Errorf("badge = %q", got)
	}

	confirmed := receivedTip("t1", model.TipStatusPending, true, 10, 10)
	snap = Snapshot{
		Received:  []model.Tip{confirmed},
		Claimable: []model.ClaimableTip{{ID: "t1"}},
	}
	if !snap.CanClaim(confirmed) {
		t.Error("tip with 10/10 confirmations in both lists must be claimable")
	}
	row := snap.Rows(snap.Received)[0]
	if !row.Claimable || row.Amount != "0.15 XMR" || row.Badge != "Pending" {
		t.Errorf("row = %+v", row)
	}
}

func TestSnapshot_Counters(t *testing.T) {
	snap := Snapshot{
		Sent: []model.Tip{
			{ID: "s1", Direction: model.TipDirectionSent, Status: model.TipStatusPending},
			{ID: "s2", Direction: model.TipDirectionSent, Status: model.TipStatusClaimed},
			{ID: "s3", Direction: model.TipDirectionSent, Status: model.TipStatusPending},
		},
		Received: []model.Tip{
			receivedTip("r1", model.TipStatusPending, true, 10, 10),
			receivedTip("r2", model.TipStatusPending, false, 1, 10),
			receivedTip("r3", model.TipStatusClawedBack, false, 0, 10),
			receivedTip("r4", model.TipStatusPending, false, 0, 0),
		},
		Claimable: []model.ClaimableTip{{ID: "r1"}},
	}

	if got := snap.PendingSent(); got != 2 {
		t.Errorf("PendingSent = %d, want 2", got)
	}
	if got := snap.ClaimableReceived(); got != 1 {
		t.Errorf("ClaimableReceived = %d, want 1", got)
	}
	if got := snap.ConfirmingReceived(); got != 1 {
		t.Errorf("ConfirmingReceived = %d, want 1", got)
	}
}

func TestViewer_RefreshKeepsPreviousOnError(t *testing.T) {
	fail := false
	backend := &mockBackend{
		sentFn: func(_ context.Context, token string) ([]model.Tip, error) {
			if token != "token-1" {
				t.Errorf("token = %q", token)
			}
			return []model.Tip{{ID: "s1", Status: model.TipStatusPending}}, nil
		},
		receivedFn: func(context.Context, string) ([]model.Tip, error) {
			if fail {
				return nil, &api.Error{Status: 500, Message: "Failed to get received tips"}
			}
			return []model.Tip{receivedTip("r1", model.TipStatusPending, true, 10, 10)}, nil
		},
		claimableFn: func(context.Context, string) ([]model.ClaimableTip, error) {
			return []model.ClaimableTip{{ID: "r1"}}, nil
		},
	}
	var buf bytes.Buffer
	v := NewViewer(backend, staticTokens("token-1"), time.Minute, newTestLogger(&buf), nil)

	if err := v.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	snap := v.Snapshot()
	if !snap.Loaded || len(snap.Sent) != 1 || len(snap.Received) != 1 || len(snap.Claimable) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}

	fail = true
	if err := v.Refresh(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	snap = v.Snapshot()
	if len(snap.Received) != 1 || snap.Error != "Failed to get received tips" {
		t.Errorf("snapshot after error = %+v", snap)
	}

	fail = false
	if err := v.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if v.Snapshot().Error != "" {
		t.Error("error should be cleared after a successful refresh")
	}
}

func TestViewer_RefreshNotLoggedIn(t *testing.T) {
	var buf bytes.Buffer
	v := NewViewer(&mockBackend{}, staticTokens(""), 0, newTestLogger(&buf), nil)
	if err := v.Refresh(context.Background()); !errors.Is(err, ErrNotLoggedIn) {
		t.Errorf("error = %v, want ErrNotLoggedIn", err)
	}
}

func TestViewer_StartRefreshesUntilStopped(t *testing.T) {
	backend := &mockBackend{}
	var buf bytes.Buffer
	v := NewViewer(backend, staticTokens("token-1"), 10*time.Millisecond, newTestLogger(&buf), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v.Start(ctx)
	v.Start(ctx) // 二重起動しない

	deadline := time.Now().Add(time.Second)
	for backend.sentCalls() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if backend.sentCalls() < 3 {
		t.Fatalf("sent calls = %d, want >= 3", backend.sentCalls())
	}

	v.Stop()
	time.Sleep(30 * time.Millisecond)
	stopped := backend.sentCalls()
	time.Sleep(50 * time.Millisecond)
	if backend.sentCalls() != stopped {
		t.Errorf("refresh continued after Stop: %d -> %d", stopped, backend.sentCalls())
	}
}

func TestViewer_ResetDiscardsInFlightRefresh(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	backend := &mockBackend{
		sentFn: func(context.Context, string) ([]model.Tip, error) {
			close(started)
			<-release
			return []model.Tip{{ID: "s1"}}, nil
		},
	}
	var buf bytes.Buffer
	v := NewViewer(backend, staticTokens("token-1"), time.Minute, newTestLogger(&buf), nil)

	done := make(chan error, 1)
	go func() { done <- v.Refresh(context.Background()) }()
	<-started
	v.Reset()
	close(release)
	<-done

	if snap := v.Snapshot(); snap.Loaded || len(snap.Sent) != 0 {
		t.Errorf("stale refresh resurrected data: %+v", snap)
	}
}
