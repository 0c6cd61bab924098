package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/authcore/internal/clock"
	"github.com/telhawk-systems/authcore/internal/messaging"
	"github.com/telhawk-systems/authcore/internal/middleware"
	"github.com/telhawk-systems/authcore/internal/models"
	"github.com/telhawk-systems/authcore/internal/repository"
)

var epoch = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// mockRepository implements repository.AuditRepository for testing
type mockRepository struct {
	mu      sync.Mutex
	events  []*models.AuditEvent
	err     error
	lastCtx context.Context
}

func (m *mockRepository) AppendAuditEvent(ctx context.Context, e *models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastCtx = ctx
	if m.err != nil {
		return m.err
	}
	cp := *e
	m.events = append(m.events, &cp)
	return nil
}

func (m *mockRepository) QueryAuditEvents(ctx context.Context, f models.AuditFilter) ([]*models.AuditEvent, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.events, nil
}

// recordingPublisher captures forwarded messages.
type recordingPublisher struct {
	mu   sync.Mutex
	msgs []*messaging.Message
	err  error
}

func (p *recordingPublisher) PublishMsg(ctx context.Context, msg *messaging.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) messages() []*messaging.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*messaging.Message(nil), p.msgs...)
}

func newTestLogger(repo repository.AuditRepository, pub messaging.Publisher) *Logger {
	return NewLogger(repo, clock.NewManual(epoch), Options{
		Secret:    []byte("audit-secret-audit-secret-audit-secret"),
		Publisher: pub,
	})
}

func TestRecord(t *testing.T) {
	repo := &mockRepository{}
	l := newTestLogger(repo, nil)

	ctx := middleware.WithRequestID(context.Background(), "req-42")
	got := l.Record(ctx, models.AuditEvent{
		ActorID:         models.StringPtr("p-1"),
		ActorIdentifier: "user@x.com",
		Action:          models.ActionLogin,
		Success:         true,
		Metadata:        map[string]any{"method": "password"},
	})
	require.NotNil(t, got)

	assert.NotEmpty(t, got.ID)
	assert.Equal(t, epoch, got.Timestamp)
	assert.Equal(t, "req-42", got.RequestID)
	assert.Len(t, got.Signature, 64)
	assert.True(t, l.Verify(got))

	require.Len(t, repo.events, 1)
	assert.Equal(t, got.ID, repo.events[0].ID)
}

func TestRecord_UsesDetachedContext(t *testing.T) {
	repo := &mockRepository{}
	l := newTestLogger(repo, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l.Record(ctx, models.AuditEvent{Action: models.ActionLogout, Success: true})

	require.Len(t, repo.events, 1, "cancelled request must still be audited")
	assert.NoError(t, repo.lastCtx.Err())
	_, hasDeadline := repo.lastCtx.Deadline()
	assert.True(t, hasDeadline, "persistence carries its own timeout")
}

func TestRecord_SwallowsStorageFailure(t *testing.T) {
	repo := &mockRepository{err: errors.New("disk full")}
	l := newTestLogger(repo, nil)

	assert.NotPanics(t, func() {
		got := l.Record(context.Background(), models.AuditEvent{Action: models.ActionForbidden})
		assert.NotNil(t, got)
	})
}

func TestRecord_UnknownActionDropped(t *testing.T) {
	repo := &mockRepository{}
	l := newTestLogger(repo, nil)

	got := l.Record(context.Background(), models.AuditEvent{Action: "SELF_DESTRUCT"})
	assert.Nil(t, got)
	assert.Empty(t, repo.events)
}

func TestVerify_DetectsTampering(t *testing.T) {
	l := newTestLogger(&mockRepository{}, nil)
	got := l.Record(context.Background(), models.AuditEvent{
		ActorID:         models.StringPtr("p-1"),
		ActorIdentifier: "user@x.com",
		Role:            models.RoleClientUser,
		Action:          models.ActionLogin,
		Metadata:        map[string]any{"method": "password", "attempt": 2},
		Success:         false,
		IPAddress:       "10.0.0.1",
		UserAgent:       "curl/8",
	})
	require.NotNil(t, got)
	require.True(t, l.Verify(got))

	tests := []struct {
		name   string
		mutate func(e *models.AuditEvent)
	}{
		{"flip success", func(e *models.AuditEvent) { e.Success = true }},
		{"change actor", func(e *models.AuditEvent) { e.ActorID = models.StringPtr("p-2") }},
		{"change action", func(e *models.AuditEvent) { e.Action = models.ActionLogout }},
		{"shift time", func(e *models.AuditEvent) { e.Timestamp = e.Timestamp.Add(time.Second) }},
		{"add error", func(e *models.AuditEvent) { e.ErrorMessage = models.StringPtr("x") }},
		{"change role", func(e *models.AuditEvent) { e.Role = models.RoleAdmin }},
		{"change identifier", func(e *models.AuditEvent) { e.ActorIdentifier = "other@x.com" }},
		{"change ip", func(e *models.AuditEvent) { e.IPAddress = "10.0.0.2" }},
		{"change user agent", func(e *models.AuditEvent) { e.UserAgent = "wget" }},
		{"change request id", func(e *models.AuditEvent) { e.RequestID = "req-forged" }},
		{"rewrite metadata", func(e *models.AuditEvent) {
			e.Metadata = map[string]any{"method": "otp", "attempt": 2}
		}},
		{"drop metadata", func(e *models.AuditEvent) { e.Metadata = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := *got
			tt.mutate(&cp)
			assert.False(t, l.Verify(&cp))
		})
	}

	decoded := *got
	decoded.Metadata = map[string]any{"attempt": float64(2), "method": "password"}
	assert.True(t, l.Verify(&decoded), "metadata decoded from storage still verifies")

	other := NewLogger(&mockRepository{}, clock.Real{}, Options{Secret: []byte("another-secret")})
	assert.False(t, other.Verify(got), "signature is bound to the secret")
}

func TestRecord_Forwarding(t *testing.T) {
	pub := &recordingPublisher{}
	l := newTestLogger(&mockRepository{}, pub)

	ctx := middleware.WithRequestID(context.Background(), "req-7")
	login := l.Record(ctx, models.AuditEvent{Action: models.ActionLogin, Success: true})
	l.Record(ctx, models.AuditEvent{Action: models.ActionEntityViewed, Success: true})
	l.Close()

	msgs := pub.messages()
	require.Len(t, msgs, 1, "only security-relevant events are forwarded")
	assert.Equal(t, "authcore.audit.login", msgs[0].Subject)
	assert.Equal(t, login.ID, msgs[0].Metadata[messaging.HeaderEventID])
	assert.Equal(t, "req-7", msgs[0].Metadata[messaging.HeaderRequestID])

	var decoded models.AuditEvent
	require.NoError(t, json.Unmarshal(msgs[0].Data, &decoded))
	assert.Equal(t, login.Signature, decoded.Signature)
}

func TestRecord_ForwardFailureIsSwallowed(t *testing.T) {
	repo := &mockRepository{}
	l := newTestLogger(repo, &recordingPublisher{err: errors.New("no responders")})

	got := l.Record(context.Background(), models.AuditEvent{Action: models.ActionLogin})
	l.Close()

	assert.NotNil(t, got)
	assert.Len(t, repo.events, 1)
}

func TestQuery(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	clk := clock.NewManual(epoch)
	l := NewLogger(repo, clk, Options{Secret: []byte("s")})
	ctx := context.Background()

	for i := range 3 {
		l.Record(ctx, models.AuditEvent{
			ActorID: models.StringPtr("p-1"),
			Action:  models.ActionLogin,
			Success: i != 1,
		})
		clk.Advance(time.Minute)
	}
	l.Record(ctx, models.AuditEvent{ActorID: models.StringPtr("p-2"), Action: models.ActionLogout, Success: true})

	events, err := l.Query(ctx, models.AuditFilter{ActorID: "p-1"})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.True(t, events[0].Timestamp.After(events[2].Timestamp), "newest first by default")

	failed := false
	events, err = l.Query(ctx, models.AuditFilter{Success: &failed})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, epoch.Add(time.Minute), events[0].Timestamp)

	events, err = l.Query(ctx, models.AuditFilter{Limit: 2, Offset: 1, Ascending: true})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, epoch.Add(time.Minute), events[0].Timestamp)

	for _, e := range events {
		assert.True(t, l.Verify(e), "stored events verify")
	}
}

func TestQuery_StorageFailure(t *testing.T) {
	l := newTestLogger(&mockRepository{err: errors.New("timeout")}, nil)
	_, err := l.Query(context.Background(), models.AuditFilter{})
	assert.ErrorIs(t, err, models.ErrStorageUnavailable)
}
