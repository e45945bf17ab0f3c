package tips

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/such-software/smirk-website/internal/api"
	"github.com/such-software/smirk-website/internal/extension"
	"github.com/such-software/smirk-website/internal/model"
)

// mockPublicBackend は公開チップ取得を差し替えられるテスト用バックエンド。
type mockPublicBackend struct {
	calls int
	tipFn func(ctx context.Context, tipID string) (*model.PublicTip, error)
}

func (m *mockPublicBackend) PublicTip(ctx context.Context, tipID string) (*model.PublicTip, error) {
	m.calls++
	return m.tipFn(ctx, tipID)
}

// mockClaimer は拡張機能の受け取り呼び出しを差し替える。
type mockClaimer struct {
	mu      sync.Mutex
	calls   int
	claimFn func(ctx context.Context, tipID, fragmentKey string) (extension.ClaimResult, error)
}

func (m *mockClaimer) ClaimPublicTip(ctx context.Context, tipID, fragmentKey string) (extension.ClaimResult, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.claimFn(ctx, tipID, fragmentKey)
}

// recordingClaims は受け取り結果のメトリクスを記録する。
type recordingClaims struct {
	outcomes []string
}

func (r *recordingClaims) RecordBackendRequest(string, int, time.Duration) {}
func (r *recordingClaims) RecordLogin(string)                              {}
func (r *recordingClaims) RecordLinkAttempt(string, string)                {}
func (r *recordingClaims) RecordLinkVerified(string)                       {}
func (r *recordingClaims) RecordPollIteration(string)                      {}
func (r *recordingClaims) SetActiveViews(int)                              {}
func (r *recordingClaims) RecordClaim(outcome string) {
	r.outcomes = append(r.outcomes, outcome)
}

func publicTip(status model.TipStatus, public bool, conf, required int) model.PublicTip {
	return model.PublicTip{
		ID:                    "tip-1",
		Asset:                 "xmr",
		Amount:                150000000000,
		Status:                status,
		IsPublic:              public,
		FundingConfirmations:  conf,
		ConfirmationsRequired: required,
	}
}

func TestParseShareLink(t *testing.T) {
	tests := []struct {
		name         string
		raw          string
		wantID       string
		wantFragment string
		wantErr      bool
	}{
		{"完全なURL", "https://smirk.cash/tip/abc-123#s3cr3t", "abc-123", "s3cr3t", false},
		{"パスのみ", "/tip/abc-123#s3cr3t", "abc-123", "s3cr3t", false},
		{"トークンなし", "https://smirk.cash/tip/abc-123", "abc-123", "", false},
		{"末尾スラッシュ", "https://smirk.cash/tip/abc-123/#k", "abc-123", "k", false},
		{"別のパス", "https://smirk.cash/tips#k", "", "", true},
		{"IDなし", "https://smirk.cash/tip/#k", "", "", true},
		{"不正なURL", "http://[::1", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, fragment, err := ParseShareLink(tt.raw)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidShareLink) {
					t.Errorf("error = %v, want ErrInvalidShareLink", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if id != tt.wantID || fragment != tt.wantFragment {
				t.Errorf("got (%q, %q), want (%q, %q)", id, fragment, tt.wantID, tt.wantFragment)
			}
		})
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name     string
		tip      model.PublicTip
		fragment string
		want     Eligibility
	}{
		{"受け取り可能", publicTip(model.TipStatusPending, true, 10, 10), "k", EligibilityClaimable},
		{"承認待ち", publicTip(model.TipStatusPending, true, 3, 10), "k", EligibilityConfirming},
		{"トークンなしは承認数に関係なく不完全", publicTip(model.TipStatusPending, true, 10, 10), "", EligibilityIncompleteLink},
		{"トークンなしかつ承認待ちも不完全", publicTip(model.TipStatusPending, true, 3, 10), "", EligibilityIncompleteLink},
		{"非公開", publicTip(model.TipStatusPending, false, 10, 10), "k", EligibilityPrivate},
		{"受け取り済み", publicTip(model.TipStatusClaimed, true, 10, 10), "k", EligibilityTerminal},
		{"取り消し済み", publicTip(model.TipStatusClawedBack, false, 0, 10), "", EligibilityTerminal},
		{"承認不要の資産", publicTip(model.TipStatusPending, true, 0, 0), "k", EligibilityClaimable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Evaluate(tt.tip, tt.fragment); got != tt.want {
				t.Errorf("Evaluate() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDescribe_DistinctMessages(t *testing.T) {
	seen := map[string]Eligibility{}
	cases := []struct {
		tip model.PublicTip
		e   Eligibility
	}{
		{publicTip(model.TipStatusPending, true, 3, 10), EligibilityConfirming},
		{publicTip(model.TipStatusPending, true, 10, 10), EligibilityIncompleteLink},
		{publicTip(model.TipStatusPending, false, 10, 10), EligibilityPrivate},
		{publicTip(model.TipStatusClaimed, true, 10, 10), EligibilityTerminal},
		{publicTip(model.TipStatusPending, true, 10, 10), EligibilityClaimable},
	}
	for _, c := range cases {
		msg := Describe(c.tip, c.e)
		if prev, ok := seen[msg]; ok {
			t.Errorf("%s and %s share message %q", prev, c.e, msg)
		}
		seen[msg] = c.e
	}
	if msg := Describe(publicTip(model.TipStatusPending, true, 3, 10), EligibilityConfirming); !strings.Contains(msg, "3/10") {
		t.Errorf("confirming message = %q", msg)
	}
}

func TestClaimFlow_LoadNotFound(t *testing.T) {
	backend := &mockPublicBackend{
		tipFn: func(context.Context, string) (*model.PublicTip, error) {
			return nil, &api.Error{Status: 404, Message: "Tip not found or not available"}
		},
	}
	var buf bytes.Buffer
	f := NewClaimFlow("tip-1", "k", backend, &mockClaimer{}, newTestLogger(&buf), nil)

	if err := f.Load(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	snap := f.Snapshot()
	if snap.LoadError != "Tip not found or not available" || snap.Tip != nil {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestClaimFlow_ClaimSuccessRefetches(t *testing.T) {
	status := model.TipStatusPending
	backend := &mockPublicBackend{
		tipFn: func(_ context.Context, tipID string) (*model.PublicTip, error) {
			tip := publicTip(status, true, 10, 10)
			return &tip, nil
		},
	}
	claimer := &mockClaimer{
		claimFn: func(_ context.Context, tipID, fragmentKey string) (extension.ClaimResult, error) {
			if tipID != "tip-1" || fragmentKey != "s3cr3t" {
				t.Errorf("ClaimPublicTip(%q, %q)", tipID, fragmentKey)
			}
			status = model.TipStatusClaimed
			return extension.ClaimResult{Success: true, TxID: "tx-abc"}, nil
		},
	}
	var buf bytes.Buffer
	mc := &recordingClaims{}
	f := NewClaimFlow("tip-1", "s3cr3t", backend, claimer, newTestLogger(&buf), mc)

	if err := f.Load(context.Background()); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if got := f.Snapshot().Eligibility; got != EligibilityClaimable {
		t.Fatalf("eligibility = %s", got)
	}

	txid, err := f.Claim(context.Background())
	if err != nil {
		t.Fatalf("Claim error: %v", err)
	}
	if txid != "tx-abc" {
		t.Errorf("txid = %q", txid)
	}
	if backend.calls != 2 {
		t.Errorf("public tip fetched %d times, want 2", backend.calls)
	}
	snap := f.Snapshot()
	if snap.TxID != "tx-abc" || snap.Eligibility != EligibilityTerminal || snap.Tip.Status != model.TipStatusClaimed {
		t.Errorf("snapshot = %+v", snap)
	}
	if len(mc.outcomes) != 1 || mc.outcomes[0] != "success" {
		t.Errorf("claim metrics = %v", mc.outcomes)
	}
	if strings.Contains(buf.String(), "s3cr3t") {
		t.Errorf("fragment token leaked into logs: %s", buf.String())
	}
}

func TestClaimFlow_ClaimRejected(t *testing.T) {
	backend := &mockPublicBackend{
		tipFn: func(context.Context, string) (*model.PublicTip, error) {
			tip := publicTip(model.TipStatusPending, true, 10, 10)
			return &tip, nil
		},
	}
	claimer := &mockClaimer{
		claimFn: func(context.Context, string, string) (extension.ClaimResult, error) {
			return extension.ClaimResult{Success: false, Error: "Invalid claim key"}, nil
		},
	}
	var buf bytes.Buffer
	mc := &recordingClaims{}
	f := NewClaimFlow("tip-1", "wrong", backend, claimer, newTestLogger(&buf), mc)
	if err := f.Load(context.Background()); err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if _, err := f.Claim(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	snap := f.Snapshot()
	if snap.ClaimError != "Invalid claim key" || snap.TxID != "" || snap.Busy {
		t.Errorf("snapshot = %+v", snap)
	}
	if backend.calls != 1 {
		t.Errorf("public tip fetched %d times, want 1", backend.calls)
	}
	if len(mc.outcomes) != 1 || mc.outcomes[0] != "failure" {
		t.Errorf("claim metrics = %v", mc.outcomes)
	}
	if strings.Contains(buf.String(), "wrong") {
		t.Errorf("fragment token leaked into logs: %s", buf.String())
	}
}

func TestClaimFlow_ClaimGatedByEligibility(t *testing.T) {
	tests := []struct {
		name     string
		tip      model.PublicTip
		fragment string
	}{
		{"承認待ち", publicTip(model.TipStatusPending, true, 3, 10), "k"},
		{"トークンなし", publicTip(model.TipStatusPending, true, 10, 10), ""},
		{"非公開", publicTip(model.TipStatusPending, false, 10, 10), "k"},
		{"受け取り済み", publicTip(model.TipStatusClaimed, true, 10, 10), "k"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &mockPublicBackend{
				tipFn: func(context.Context, string) (*model.PublicTip, error) {
					tip := tt.tip
					return &tip, nil
				},
			}
			claimer := &mockClaimer{}
			var buf bytes.Buffer
			f := NewClaimFlow("tip-1", tt.fragment, backend, claimer, newTestLogger(&buf), nil)
			if err := f.Load(context.Background()); err != nil {
				t.Fatalf("Load error: %v", err)
			}
			if _, err := f.Claim(context.Background()); !errors.Is(err, ErrNotClaimable) {
				t.Errorf("error = %v, want ErrNotClaimable", err)
			}
			if claimer.calls != 0 {
				t.Error("extension must not be called for a non-claimable tip")
			}
		})
	}
}

func TestClaimFlow_ClaimBusy(t *testing.T) {
	backend := &mockPublicBackend{
		tipFn: func(context.Context, string) (*model.PublicTip, error) {
			tip := publicTip(model.TipStatusPending, true, 10, 10)
			return &tip, nil
		},
	}
	release := make(chan struct{})
	started := make(chan struct{})
	claimer := &mockClaimer{
		claimFn: func(context.Context, string, string) (extension.ClaimResult, error) {
			close(started)
			<-release
			return extension.ClaimResult{Success: true, TxID: "tx"}, nil
		},
	}
	var buf bytes.Buffer
	f := NewClaimFlow("tip-1", "k", backend, claimer, newTestLogger(&buf), nil)
	if err := f.Load(context.Background()); err != nil {
		t.Fatalf("Load error: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.Claim(context.Background())
		done <- err
	}()
	<-started
	if !f.Snapshot().Busy {
		t.Error("snapshot should be busy during claim")
	}
	if _, err := f.Claim(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("error = %v, want ErrBusy", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Errorf("first claim error: %v", err)
	}
}

func TestClaimFlow_WarnsOnUnexpectedConfirmations(t *testing.T) {
	backend := &mockPublicBackend{
		tipFn: func(context.Context, string) (*model.PublicTip, error) {
			tip := publicTip(model.TipStatusPending, true, 2, 2)
			return &tip, nil
		},
	}
	var buf bytes.Buffer
	f := NewClaimFlow("tip-1", "k", backend, &mockClaimer{}, newTestLogger(&buf), nil)
	if err := f.Load(context.Background()); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if !strings.Contains(buf.String(), "backend confirmation requirement differs from asset table") {
		t.Errorf("expected warning log, got %s", buf.String())
	}
	// 判定はバックエンドの値を使う
	if got := f.Snapshot().Eligibility; got != EligibilityClaimable {
		t.Errorf("eligibility = %s, want claimable", got)
	}
}
