// Package contextsession implements the per-session state machine: a
// durable conversation record with an at-most-one in-flight turn lock, a
// FIFO message queue, cooperative cancellation and crash recovery.
//
// The active-message lock lives under its own key and is the single source
// of truth for "this session is running a turn". All transitions on it are
// compare-and-set; a crashed worker can never leave a double-locked session.
package contextsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/signalzero/kernel/pkg/auth"
	"github.com/signalzero/kernel/pkg/models"
	"github.com/signalzero/kernel/pkg/services"
	"github.com/signalzero/kernel/pkg/store"
)

// TestSessionTTL is how long a test-origin session may stay open before the
// hourly sweep closes it.
const TestSessionTTL = 2 * time.Hour

// Manager owns context sessions.
type Manager struct {
	store store.Store
	now   func() time.Time
}

// NewManager creates a session manager.
func NewManager(st store.Store) *Manager {
	return &Manager{store: st, now: time.Now}
}

// Create opens a new session.
func (m *Manager) Create(ctx context.Context, ac auth.Context, typ models.SessionType, metadata map[string]string, ownerUserID *string) (*models.ContextSession, error) {
	if typ != models.SessionTypeConversation && typ != models.SessionTypeAgent {
		return nil, services.NewValidationError("type", "must be conversation or agent")
	}
	if ownerUserID == nil && ac.UserID != "" {
		id := ac.UserID
		ownerUserID = &id
	}
	now := m.now()
	session := &models.ContextSession{
		ID:        uuid.New().String(),
		Type:      typ,
		Status:    models.SessionOpen,
		UserID:    ownerUserID,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.save(ctx, session); err != nil {
		return nil, err
	}
	if err := m.store.SAdd(ctx, store.KeyContexts, session.ID); err != nil {
		return nil, fmt.Errorf("registering session: %w", err)
	}
	return session, nil
}

// List returns the sessions visible to the caller, newest first. Admins see
// every session.
func (m *Manager) List(ctx context.Context, ac auth.Context) ([]models.ContextSession, error) {
	ids, err := m.store.SMembers(ctx, store.KeyContexts)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	var out []models.ContextSession
	for _, id := range ids {
		session, err := m.load(ctx, id)
		if errors.Is(err, services.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !visible(ac, session) {
			continue
		}
		m.overlay(ctx, session)
		out = append(out, *session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Get loads one session with the lock and cancellation state overlaid.
// Forbidden sessions read as NotFound.
func (m *Manager) Get(ctx context.Context, ac auth.Context, id string) (*models.ContextSession, error) {
	session, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !visible(ac, session) {
		return nil, services.ErrNotFound
	}
	m.overlay(ctx, session)
	return session, nil
}

// Close transitions a session to closed. Only an idle session may close; a
// running one returns Busy. Closing drops the queue; closing an already
// closed session is a no-op.
func (m *Manager) Close(ctx context.Context, ac auth.Context, id string) error {
	session, err := m.Get(ctx, ac, id)
	if err != nil {
		return err
	}
	if session.Status == models.SessionClosed {
		return nil
	}
	if session.ActiveMessageID != nil {
		return services.ErrBusy
	}
	session.Status = models.SessionClosed
	session.UpdatedAt = m.now()
	if err := m.save(ctx, session); err != nil {
		return err
	}
	return m.store.Del(ctx, store.ContextQueueKey(id))
}

// HasActiveMessage reports whether a turn is in flight.
func (m *Manager) HasActiveMessage(ctx context.Context, id string) (bool, error) {
	_, err := m.store.Get(ctx, store.ContextLockKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SetActiveMessage acquires the session lock for messageID. Returns ErrBusy
// when another message already holds it. Acquiring also clears any stale
// cancellation flag from a previous turn.
func (m *Manager) SetActiveMessage(ctx context.Context, id, messageID string) error {
	session, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if session.Status == models.SessionClosed {
		return services.ErrConflict
	}
	// CAS with an empty expectation: the lock key must not exist yet.
	acquired, err := m.store.CompareAndSet(ctx, store.ContextLockKey(id), "", messageID)
	if err != nil {
		return fmt.Errorf("acquiring session lock: %w", err)
	}
	if !acquired {
		return services.ErrBusy
	}
	if err := m.store.Del(ctx, store.ContextCancelKey(id)); err != nil {
		slog.Warn("Failed to clear stale cancellation flag", "session_id", id, "error", err)
	}
	return nil
}

// ClearActiveMessage releases the lock and the cancellation flag. Idempotent.
func (m *Manager) ClearActiveMessage(ctx context.Context, id string) error {
	if err := m.store.Del(ctx, store.ContextLockKey(id)); err != nil {
		return fmt.Errorf("releasing session lock: %w", err)
	}
	return m.store.Del(ctx, store.ContextCancelKey(id))
}

// ActiveMessageID returns the lock holder, or nil when idle.
func (m *Manager) ActiveMessageID(ctx context.Context, id string) (*string, error) {
	v, err := m.store.Get(ctx, store.ContextLockKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// RequestCancellation asks the in-flight turn to stop at its next suspension
// point. A no-op when the session is idle.
func (m *Manager) RequestCancellation(ctx context.Context, ac auth.Context, id string) error {
	session, err := m.Get(ctx, ac, id)
	if err != nil {
		return err
	}
	if session.ActiveMessageID == nil {
		return nil
	}
	return m.store.Set(ctx, store.ContextCancelKey(id), "1", 0)
}

// CancellationRequested reads the cooperative cancellation flag.
func (m *Manager) CancellationRequested(ctx context.Context, id string) (bool, error) {
	_, err := m.store.Get(ctx, store.ContextCancelKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// EnqueueMessage appends a pending message. FIFO by arrival.
func (m *Manager) EnqueueMessage(ctx context.Context, id, message, sourceID string) error {
	session, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if session.Status == models.SessionClosed {
		return services.ErrConflict
	}
	raw, err := json.Marshal(models.QueuedMessage{
		Message:    message,
		SourceID:   sourceID,
		EnqueuedAt: m.now(),
	})
	if err != nil {
		return fmt.Errorf("encoding queued message: %w", err)
	}
	return m.store.RPush(ctx, store.ContextQueueKey(id), string(raw))
}

// PopNextMessage removes and returns the oldest queued message, or nil.
func (m *Manager) PopNextMessage(ctx context.Context, id string) (*models.QueuedMessage, error) {
	raw, err := m.store.LPop(ctx, store.ContextQueueKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var msg models.QueuedMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, fmt.Errorf("decoding queued message: %w", err)
	}
	return &msg, nil
}

// HasQueuedMessages reports whether the queue is non-empty.
func (m *Manager) HasQueuedMessages(ctx context.Context, id string) (bool, error) {
	n, err := m.store.LLen(ctx, store.ContextQueueKey(id))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecordMessage appends a turn to history, assigning ID and timestamp when
// absent.
func (m *Manager) RecordMessage(ctx context.Context, id string, turn models.Turn) (*models.Turn, error) {
	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = m.now()
	}
	raw, err := json.Marshal(turn)
	if err != nil {
		return nil, fmt.Errorf("encoding turn: %w", err)
	}
	if err := m.store.RPush(ctx, store.HistoryKey(id), string(raw)); err != nil {
		return nil, fmt.Errorf("appending turn: %w", err)
	}
	return &turn, nil
}

// History returns the full turn sequence in append order.
func (m *Manager) History(ctx context.Context, id string) ([]models.Turn, error) {
	raws, err := m.store.LRange(ctx, store.HistoryKey(id), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	turns := make([]models.Turn, 0, len(raws))
	for _, raw := range raws {
		var t models.Turn
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("decoding turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

// HistoryGrouped buckets history by correlation ID, optionally bounded below
// by since.
func (m *Manager) HistoryGrouped(ctx context.Context, ac auth.Context, id string, since *time.Time) ([]models.TurnGroup, error) {
	if _, err := m.Get(ctx, ac, id); err != nil {
		return nil, err
	}
	turns, err := m.History(ctx, id)
	if err != nil {
		return nil, err
	}
	if since != nil {
		var kept []models.Turn
		for _, t := range turns {
			if !t.Timestamp.Before(*since) {
				kept = append(kept, t)
			}
		}
		turns = kept
	}
	return models.GroupTurns(turns), nil
}

// InterruptedSessions lists open sessions that still hold an active-message
// lock. Recovery runs over them at startup.
func (m *Manager) InterruptedSessions(ctx context.Context) ([]models.ContextSession, error) {
	ids, err := m.store.SMembers(ctx, store.KeyContexts)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	var out []models.ContextSession
	for _, id := range ids {
		session, err := m.load(ctx, id)
		if err != nil {
			continue
		}
		if session.Status != models.SessionOpen {
			continue
		}
		m.overlay(ctx, session)
		if session.ActiveMessageID != nil {
			out = append(out, *session)
		}
	}
	return out, nil
}

// LastUserTurn returns the most recent user turn, or nil when none exists.
func (m *Manager) LastUserTurn(ctx context.Context, id string) (*models.Turn, error) {
	turns, err := m.History(ctx, id)
	if err != nil {
		return nil, err
	}
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == models.TurnRoleUser {
			return &turns[i], nil
		}
	}
	return nil, nil
}

// CleanupTestSessions closes open test-origin sessions older than the TTL.
// Returns the number of sessions closed.
func (m *Manager) CleanupTestSessions(ctx context.Context) (int, error) {
	ids, err := m.store.SMembers(ctx, store.KeyContexts)
	if err != nil {
		return 0, fmt.Errorf("listing sessions: %w", err)
	}
	cutoff := m.now().Add(-TestSessionTTL)
	var closed int
	for _, id := range ids {
		session, err := m.load(ctx, id)
		if err != nil {
			continue
		}
		if session.Status != models.SessionOpen || session.Metadata["origin"] != "test" {
			continue
		}
		if session.CreatedAt.After(cutoff) {
			continue
		}
		session.Status = models.SessionClosed
		session.UpdatedAt = m.now()
		if err := m.save(ctx, session); err != nil {
			slog.Warn("Failed to close stale test session", "session_id", id, "error", err)
			continue
		}
		_ = m.store.Del(ctx, store.ContextQueueKey(id))
		_ = m.ClearActiveMessage(ctx, id)
		closed++
	}
	return closed, nil
}

func (m *Manager) load(ctx context.Context, id string) (*models.ContextSession, error) {
	raw, err := m.store.Get(ctx, store.ContextKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, services.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", id, err)
	}
	var session models.ContextSession
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", id, err)
	}
	return &session, nil
}

func (m *Manager) save(ctx context.Context, session *models.ContextSession) error {
	// Lock and cancellation state live under their own keys; never persist
	// the overlaid copies.
	clone := *session
	clone.ActiveMessageID = nil
	clone.CancellationRequested = false
	raw, err := json.Marshal(&clone)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	return m.store.Set(ctx, store.ContextKey(session.ID), string(raw), 0)
}

// overlay fills the lock and cancellation fields from their dedicated keys.
func (m *Manager) overlay(ctx context.Context, session *models.ContextSession) {
	if active, err := m.ActiveMessageID(ctx, session.ID); err == nil {
		session.ActiveMessageID = active
	}
	if cancelled, err := m.CancellationRequested(ctx, session.ID); err == nil {
		session.CancellationRequested = cancelled
	}
}

func visible(ac auth.Context, session *models.ContextSession) bool {
	if ac.Admin() {
		return true
	}
	return session.UserID != nil && *session.UserID == ac.UserID
}
