package login

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/such-software/smirk-website/internal/api"
	"github.com/such-software/smirk-website/internal/extension"
	"github.com/such-software/smirk-website/internal/model"
	"github.com/such-software/smirk-website/internal/session"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, nil))
}

// mockBridge は拡張機能呼び出しを差し替えられるテスト用Bridge。
type mockBridge struct {
	present   bool
	connectFn func(ctx context.Context) (extension.PublicKeys, error)
	signFn    func(ctx context.Context, message string) (extension.SignResult, error)
}

func (m *mockBridge) Present() bool { return m.present }
func (m *mockBridge) Connect(ctx context.Context) (extension.PublicKeys, error) {
	if m.connectFn == nil {
		return extension.PublicKeys{XMR: "pk-xmr", BTC: "pk-btc"}, nil
	}
	return m.connectFn(ctx)
}
func (m *mockBridge) SignMessage(ctx context.Context, message string) (extension.SignResult, error) {
	return m.signFn(ctx, message)
}
func (m *mockBridge) ClaimPublicTip(context.Context, string, string) (extension.ClaimResult, error) {
	return extension.ClaimResult{}, errors.New("not used")
}

// mockBackend はチャレンジ・検証を差し替えられるテスト用バックエンド。
type mockBackend struct {
	challenges  int
	challengeFn func(ctx context.Context, origin string) (*model.Challenge, error)
	verifyFn    func(ctx context.Context, challengeID string, proof api.SignatureProof) (*model.Session, error)
	verifyCalls int
}

func (m *mockBackend) Challenge(ctx context.Context, origin string) (*model.Challenge, error) {
	m.challenges++
	if m.challengeFn != nil {
		return m.challengeFn(ctx, origin)
	}
	return &model.Challenge{Challenge: "abc", ChallengeID: "c1"}, nil
}

func (m *mockBackend) Verify(ctx context.Context, challengeID string, proof api.SignatureProof) (*model.Session, error) {
	m.verifyCalls++
	if m.verifyFn != nil {
		return m.verifyFn(ctx, challengeID, proof)
	}
	return &model.Session{AccessToken: "a", RefreshToken: "r", User: model.User{ID: "user-1"}}, nil
}

// mockSession は書き込み・削除を記録するテスト用セッションストア。
type mockSession struct {
	written []model.Session
	cleared int
	writeFn func(model.Session) error
}

func (m *mockSession) Write(_ context.Context, sess model.Session) error {
	if m.writeFn != nil {
		if err := m.writeFn(sess); err != nil {
			return err
		}
	}
	m.written = append(m.written, sess)
	return nil
}

func (m *mockSession) Clear(context.Context) error {
	m.cleared++
	return nil
}

func signAll(assets ...string) func(context.Context, string) (extension.SignResult, error) {
	return func(_ context.Context, message string) (extension.SignResult, error) {
		res := extension.SignResult{Message: message}
		for _, a := range assets {
			res.Signatures = append(res.Signatures, extension.Signature{Asset: a, Signature: "sig-" + a, PublicKey: "pk-" + a})
		}
		return res, nil
	}
}

func newMachine(bridge *mockBridge, backend *mockBackend, sess *mockSession) (*Machine, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewMachine(bridge, backend, sess, "https://smirk.cash", newTestLogger(&buf), nil), &buf
}

func TestMachine_StartsInitial(t *testing.T) {
	m, _ := newMachine(&mockBridge{}, &mockBackend{}, &mockSession{})
	if got := m.Snapshot().State; got != StateInitial {
		t.Errorf("state = %s, want initial", got)
	}
}

func TestMachine_ConnectWithoutExtension(t *testing.T) {
	bridge := &mockBridge{connectFn: func(context.Context) (extension.PublicKeys, error) {
		return extension.PublicKeys{}, extension.ErrNotInstalled
	}}
	m, _ := newMachine(bridge, &mockBackend{}, &mockSession{})

	if err := m.Connect(context.Background()); !errors.Is(err, extension.ErrNotInstalled) {
		t.Fatalf("expected ErrNotInstalled, got %v", err)
	}
	snap := m.Snapshot()
	if snap.State != StateInitial || snap.Error != "Smirk extension not found" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestMachine_ConnectRejected(t *testing.T) {
	bridge := &mockBridge{connectFn: func(context.Context) (extension.PublicKeys, error) {
		return extension.PublicKeys{}, &extension.RejectedError{Method: "connect", Message: "User rejected"}
	}}
	m, _ := newMachine(bridge, &mockBackend{}, &mockSession{})

	m.Connect(context.Background())
	if snap := m.Snapshot(); snap.State != StateInitial || snap.Error != "User rejected" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestMachine_FullLogin(t *testing.T) {
	backend := &mockBackend{
		challengeFn: func(_ context.Context, origin string) (*model.Challenge, error) {
			if origin != "https://smirk.cash" {
				t.Errorf("origin = %q", origin)
			}
			return &model.Challenge{Challenge: "abc", ChallengeID: "c1"}, nil
		},
		verifyFn: func(_ context.Context, challengeID string, proof api.SignatureProof) (*model.Session, error) {
			if challengeID != "c1" || proof.Asset != "xmr" || proof.Signature != "sig-xmr" || proof.PublicKey != "pk-xmr" {
				t.Errorf("unexpected verify args: %s %+v", challengeID, proof)
			}
			return &model.Session{AccessToken: "a", RefreshToken: "r", User: model.User{ID: "user-1"}}, nil
		},
	}
	sess := &mockSession{}
	m, _ := newMachine(&mockBridge{signFn: signAll("btc", "xmr")}, backend, sess)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	if m.Snapshot().State != StateChooseAsset {
		t.Fatalf("state = %s, want choose-asset", m.Snapshot().State)
	}
	if err := m.SelectAsset(context.Background(), "xmr"); err != nil {
		t.Fatalf("SelectAsset returned error: %v", err)
	}

	snap := m.Snapshot()
	if snap.State != StateLoggedIn || snap.User == nil || snap.User.ID != "user-1" {
		t.Errorf("snapshot = %+v", snap)
	}
	if len(sess.written) != 1 || sess.written[0].AccessToken != "a" {
		t.Errorf("written sessions = %+v", sess.written)
	}
}

func TestMachine_MissingSignatureSkipsVerify(t *testing.T) {
	backend := &mockBackend{}
	m, _ := newMachine(&mockBridge{signFn: signAll("btc", "ltc")}, backend, &mockSession{})

	m.Connect(context.Background())
	err := m.SelectAsset(context.Background(), "xmr")
	if !errors.Is(err, ErrNoSignature) {
		t.Fatalf("expected ErrNoSignature, got %v", err)
	}
	if backend.verifyCalls != 0 {
		t.Error("verify must not be attempted without a matching signature")
	}
	snap := m.Snapshot()
	if snap.State != StateChooseAsset || snap.Error != "No signature found for xmr" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestMachine_VerifyFailureReturnsToChooseAsset(t *testing.T) {
	backend := &mockBackend{verifyFn: func(context.Context, string, api.SignatureProof) (*model.Session, error) {
		return nil, &api.Error{Status: 401, Message: "challenge expired"}
	}}
	m, _ := newMachine(&mockBridge{signFn: signAll("xmr")}, backend, &mockSession{})

	m.Connect(context.Background())
	m.SelectAsset(context.Background(), "xmr")

	snap := m.Snapshot()
	if snap.State != StateChooseAsset || snap.Error != "challenge expired" {
		t.Errorf("snapshot = %+v", snap)
	}

	// 再試行では新しいチャレンジを取得する
	backend.verifyFn = nil
	if err := m.SelectAsset(context.Background(), "xmr"); err != nil {
		t.Fatalf("retry returned error: %v", err)
	}
	if backend.challenges != 2 {
		t.Errorf("challenges fetched = %d, want 2", backend.challenges)
	}
}

func TestMachine_SignRejectedUsesFallback(t *testing.T) {
	bridge := &mockBridge{signFn: func(context.Context, string) (extension.SignResult, error) {
		return extension.SignResult{}, errors.New("bridge timeout")
	}}
	m, _ := newMachine(bridge, &mockBackend{}, &mockSession{})

	m.Connect(context.Background())
	m.SelectAsset(context.Background(), "btc")
	if snap := m.Snapshot(); snap.Error != "Authentication failed" {
		t.Errorf("error = %q", snap.Error)
	}
}

func TestMachine_SelectAssetValidation(t *testing.T) {
	m, _ := newMachine(&mockBridge{signFn: signAll("xmr")}, &mockBackend{}, &mockSession{})

	if err := m.SelectAsset(context.Background(), "xmr"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("select before connect: %v", err)
	}
	m.Connect(context.Background())
	if err := m.SelectAsset(context.Background(), "doge"); !errors.Is(err, ErrInvalidAsset) {
		t.Errorf("unknown asset: %v", err)
	}
}

func TestMachine_BusyRejectsSecondTrigger(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	bridge := &mockBridge{signFn: func(ctx context.Context, message string) (extension.SignResult, error) {
		close(entered)
		<-release
		return signAll("xmr")(ctx, message)
	}}
	m, _ := newMachine(bridge, &mockBackend{}, &mockSession{})
	m.Connect(context.Background())

	done := make(chan error, 1)
	go func() { done <- m.SelectAsset(context.Background(), "xmr") }()
	<-entered

	if snap := m.Snapshot(); snap.State != StateSigning || !snap.Busy {
		t.Errorf("snapshot while signing = %+v", snap)
	}
	if err := m.SelectAsset(context.Background(), "xmr"); !errors.Is(err, ErrBusy) {
		t.Errorf("second trigger: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Errorf("first trigger: %v", err)
	}
}

func TestMachine_LogoutDiscardsInFlightLogin(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	sess := &mockSession{}
	bridge := &mockBridge{signFn: func(ctx context.Context, message string) (extension.SignResult, error) {
		close(entered)
		<-release
		return signAll("xmr")(ctx, message)
	}}
	m, _ := newMachine(bridge, &mockBackend{}, sess)
	m.Connect(context.Background())

	done := make(chan error, 1)
	go func() { done <- m.SelectAsset(context.Background(), "xmr") }()
	<-entered

	if err := m.Logout(context.Background()); err != nil {
		t.Fatalf("Logout returned error: %v", err)
	}
	close(release)

	if err := <-done; !errors.Is(err, ErrSuperseded) {
		t.Errorf("expected ErrSuperseded, got %v", err)
	}
	if len(sess.written) != 0 {
		t.Error("superseded login must not write a session")
	}
	if snap := m.Snapshot(); snap.State != StateInitial || snap.Asset != "" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestMachine_LogoutClearsSession(t *testing.T) {
	sess := &mockSession{}
	m, _ := newMachine(&mockBridge{signFn: signAll("xmr")}, &mockBackend{}, sess)
	m.Connect(context.Background())
	m.SelectAsset(context.Background(), "xmr")

	m.Logout(context.Background())

	if sess.cleared != 1 {
		t.Errorf("cleared = %d, want 1", sess.cleared)
	}
	if snap := m.Snapshot(); snap.State != StateInitial || snap.User != nil {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestMachine_SessionWriteFailure(t *testing.T) {
	sess := &mockSession{writeFn: func(model.Session) error { return errors.New("db down") }}
	m, _ := newMachine(&mockBridge{signFn: signAll("xmr")}, &mockBackend{}, sess)
	m.Connect(context.Background())

	if err := m.SelectAsset(context.Background(), "xmr"); err == nil {
		t.Fatal("expected error")
	}
	if snap := m.Snapshot(); snap.State != StateChooseAsset || snap.Error != "Authentication failed" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestMachine_Resume(t *testing.T) {
	m, _ := newMachine(&mockBridge{}, &mockBackend{}, &mockSession{})

	m.Resume(session.Snapshot{Status: session.StatusActive, User: &model.User{ID: "user-1"}})
	if snap := m.Snapshot(); snap.State != StateLoggedIn || snap.User.ID != "user-1" {
		t.Errorf("snapshot = %+v", snap)
	}

	m.Resume(session.Snapshot{Status: session.StatusAnonymous})
	if snap := m.Snapshot(); snap.State != StateInitial {
		t.Errorf("state after anonymous resume = %s", snap.State)
	}
}

func TestMachine_OvertakenConnectKeepsNewTransitionBusy(t *testing.T) {
	var calls atomic.Int32
	firstEntered := make(chan struct{})
	secondEntered := make(chan struct{})
	releaseFirst := make(chan struct{})
	releaseSecond := make(chan struct{})
	bridge := &mockBridge{connectFn: func(ctx context.Context) (extension.PublicKeys, error) {
		if calls.Add(1) == 1 {
			close(firstEntered)
			<-releaseFirst
		} else {
			close(secondEntered)
			<-releaseSecond
		}
		return extension.PublicKeys{XMR: "pk-xmr"}, nil
	}}
	m, _ := newMachine(bridge, &mockBackend{}, &mockSession{})

	first := make(chan error, 1)
	go func() { first <- m.Connect(context.Background()) }()
	<-firstEntered

	if err := m.Logout(context.Background()); err != nil {
		t.Fatalf("Logout returned error: %v", err)
	}

	second := make(chan error, 1)
	go func() { second <- m.Connect(context.Background()) }()
	<-secondEntered

	close(releaseFirst)
	if err := <-first; !errors.Is(err, ErrSuperseded) {
		t.Errorf("first Connect: %v, want ErrSuperseded", err)
	}

	if !m.Snapshot().Busy {
		t.Error("overtaken Connect must not clear the busy flag of the newer one")
	}
	if err := m.Connect(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("third Connect: %v, want ErrBusy", err)
	}

	close(releaseSecond)
	if err := <-second; err != nil {
		t.Errorf("second Connect: %v", err)
	}
	if snap := m.Snapshot(); snap.Busy || snap.State != StateChooseAsset {
		t.Errorf("snapshot = %+v", snap)
	}
}
