// Package audit records security events in the append-only audit trail.
package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/authcore/internal/clock"
	"github.com/telhawk-systems/authcore/internal/logging"
	"github.com/telhawk-systems/authcore/internal/messaging"
	"github.com/telhawk-systems/authcore/internal/metrics"
	"github.com/telhawk-systems/authcore/internal/middleware"
	"github.com/telhawk-systems/authcore/internal/models"
	"github.com/telhawk-systems/authcore/internal/repository"
)

const (
	DefaultWriteTimeout = 3 * time.Second
	forwardTimeout      = 5 * time.Second
)

// Options configures a Logger.
type Options struct {
	Secret        []byte
	WriteTimeout  time.Duration
	Publisher     messaging.Publisher // nil disables forwarding
	SubjectPrefix string
}

// Logger signs, persists and optionally forwards audit events. Recording never
// fails from the caller's point of view.
type Logger struct {
	repo          repository.AuditRepository
	clock         clock.Clock
	secret        []byte
	writeTimeout  time.Duration
	publisher     messaging.Publisher
	subjectPrefix string
	forwards      sync.WaitGroup
}

func NewLogger(repo repository.AuditRepository, clk clock.Clock, opts Options) *Logger {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = messaging.DefaultAuditSubjectPrefix
	}
	return &Logger{
		repo:          repo,
		clock:         clk,
		secret:        opts.Secret,
		writeTimeout:  opts.WriteTimeout,
		publisher:     opts.Publisher,
		subjectPrefix: opts.SubjectPrefix,
	}
}

// Record stamps e with an id, timestamp and signature and persists it. Storage
// runs on a context detached from ctx so a cancelled request still leaves its
// trail. Failures are logged and counted, never returned.
func (l *Logger) Record(ctx context.Context, e models.AuditEvent) *models.AuditEvent {
	defer func() {
		if r := recover(); r != nil {
			metrics.AuditWriteFailures.Inc()
			slog.ErrorContext(ctx, "Audit recording panicked",
				logging.Action(string(e.Action)), slog.Any("panic", r))
		}
	}()

	if !e.Action.Known() {
		metrics.AuditWriteFailures.Inc()
		slog.ErrorContext(ctx, "Dropping audit event with unknown action",
			logging.Action(string(e.Action)))
		return nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	e.ID = id.String()
	if e.Timestamp.IsZero() {
		e.Timestamp = l.clock.Now()
	}
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Microsecond)
	if e.RequestID == "" {
		e.RequestID = middleware.GetRequestID(ctx)
	}
	e.Signature = l.sign(&e)

	l.persist(ctx, &e)
	metrics.AuditEventsRecorded.WithLabelValues(string(e.Action)).Inc()

	if l.publisher != nil && e.Action.ShouldForward() {
		l.forward(ctx, e)
	}
	return &e
}

func (l *Logger) persist(ctx context.Context, e *models.AuditEvent) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.writeTimeout)
	defer cancel()

	start := time.Now()
	err := l.repo.AppendAuditEvent(writeCtx, e)
	metrics.AuditWriteDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.AuditWriteFailures.Inc()
		slog.ErrorContext(ctx, "Failed to persist audit event",
			logging.Action(string(e.Action)),
			slog.String("event_id", e.ID),
			logging.Error(fmt.Errorf("%w: %w", models.ErrAuditWriteFailed, err)))
	}
}

// forward publishes e asynchronously. Close waits for in-flight publishes.
func (l *Logger) forward(ctx context.Context, e models.AuditEvent) {
	l.forwards.Add(1)
	go func() {
		defer l.forwards.Done()

		data, err := json.Marshal(e)
		if err != nil {
			metrics.AuditForwardFailures.Inc()
			slog.Warn("Failed to encode audit event for forwarding", logging.Error(err))
			return
		}

		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), forwardTimeout)
		defer cancel()

		msg := messaging.NewMessage(
			messaging.AuditSubject(l.subjectPrefix, string(e.Action)),
			data,
			messaging.WithHeader(messaging.HeaderEventID, e.ID),
			messaging.WithHeader(messaging.HeaderRequestID, e.RequestID),
		)
		if err := l.publisher.PublishMsg(pubCtx, msg); err != nil {
			metrics.AuditForwardFailures.Inc()
			slog.Warn("Failed to forward audit event",
				logging.Action(string(e.Action)), logging.Error(err))
		}
	}()
}

// Query returns audit events matching f, newest first unless f.Ascending.
func (l *Logger) Query(ctx context.Context, f models.AuditFilter) ([]*models.AuditEvent, error) {
	events, err := l.repo.QueryAuditEvents(ctx, f.Normalize())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrStorageUnavailable, err)
	}
	return events, nil
}

// Verify reports whether e still carries the signature it was recorded with.
func (l *Logger) Verify(e *models.AuditEvent) bool {
	expected := l.sign(e)
	return hmac.Equal([]byte(expected), []byte(e.Signature))
}

// Close waits for pending forwards to finish.
func (l *Logger) Close() {
	l.forwards.Wait()
}

func (l *Logger) sign(e *models.AuditEvent) string {
	actor := ""
	if e.ActorID != nil {
		actor = *e.ActorID
	}
	errMsg := ""
	if e.ErrorMessage != nil {
		errMsg = *e.ErrorMessage
	}

	h := hmac.New(sha256.New, l.secret)
	for _, part := range []string{
		e.ID,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		actor,
		e.ActorIdentifier,
		string(e.Role),
		string(e.Action),
		e.EntityType,
		e.EntityID,
		canonicalMetadata(e.Metadata),
		strconv.FormatBool(e.Success),
		errMsg,
		e.IPAddress,
		e.UserAgent,
		e.RequestID,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalMetadata renders metadata as JSON with sorted keys so the signature
// survives a storage round trip. Empty and nil metadata sign identically.
func canonicalMetadata(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf("%v", m)
	}
	return string(b)
}
