// Package session owns the clinical session lifecycle. The in-memory sharded
// map is authoritative while the process runs; every mutation is mirrored to
// the Processing Store so sessions survive restarts and feed the API.
package session

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carebridge/woundwatch/pkg/apperr"
	"github.com/carebridge/woundwatch/pkg/audit"
	"github.com/carebridge/woundwatch/pkg/config"
	"github.com/carebridge/woundwatch/pkg/models"
	"github.com/carebridge/woundwatch/pkg/processingstore"
)

const shardCount = 32

type session struct {
	snapshot models.SessionSnapshot
	ctx      context.Context
	cancel   context.CancelFunc
}

type shard struct {
	mu       sync.Mutex
	sessions map[string]*session
}

// TaskCanceler cancels a session's queued tasks and signals its in-flight
// ones. Implemented by the task runner pool; wired after pool construction.
type TaskCanceler interface {
	CancelSession(ctx context.Context, sessionID string) (int64, error)
}

// Manager tracks active sessions and enforces the TTL.
type Manager struct {
	shards  [shardCount]*shard
	byToken sync.Map // token_id -> session_id, one active session per token

	store   *processingstore.Store
	auditor *audit.Service
	tasks   TaskCanceler
	cfg     config.SessionConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager creates the session manager.
func NewManager(store *processingstore.Store, auditor *audit.Service, cfg config.SessionConfig, logger *slog.Logger) *Manager {
	m := &Manager{
		store:   store,
		auditor: auditor,
		cfg:     cfg,
		logger:  logger.With("component", "session"),
		now:     time.Now,
	}
	for i := range m.shards {
		m.shards[i] = &shard{sessions: make(map[string]*session)}
	}
	return m
}

// SetTaskCanceler binds the task runner so finalized sessions cancel their
// tasks. The pool is constructed after the manager, hence the setter.
func (m *Manager) SetTaskCanceler(tasks TaskCanceler) {
	m.tasks = tasks
}

func (m *Manager) shardFor(sessionID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return m.shards[h.Sum32()%shardCount]
}

// Create starts a new active session for a token. At most one active session
// exists per token: a live one is returned instead of creating a second.
// The returned context is canceled when the session ends, letting in-flight
// tasks observe closure.
func (m *Manager) Create(ctx context.Context, tokenID string, inputType models.InputType) (models.SessionSnapshot, error) {
	if existingID, ok := m.byToken.Load(tokenID); ok {
		if snap, err := m.Snapshot(existingID.(string)); err == nil && snap.State == models.SessionStateActive {
			return snap, nil
		}
	}

	now := m.now().UTC()
	snap := models.SessionSnapshot{
		SessionID:     "sess_" + uuid.NewString(),
		TokenID:       tokenID,
		State:         models.SessionStateActive,
		InputType:     inputType,
		AuditTrailID:  "trail_" + uuid.NewString(),
		CreatedAt:     now,
		LastTouchedAt: now,
		InputCount:    1,
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	sh := m.shardFor(snap.SessionID)
	sh.mu.Lock()
	sh.sessions[snap.SessionID] = &session{snapshot: snap, ctx: sessCtx, cancel: cancel}
	sh.mu.Unlock()
	m.byToken.Store(tokenID, snap.SessionID)

	if err := m.store.InsertSession(ctx, &processingstore.SessionRow{
		SessionID:     snap.SessionID,
		TokenID:       tokenID,
		State:         string(models.SessionStateActive),
		InputType:     string(inputType),
		AuditTrailID:  snap.AuditTrailID,
		CreatedAt:     now,
		LastTouchedAt: now,
	}); err != nil {
		sh.mu.Lock()
		delete(sh.sessions, snap.SessionID)
		sh.mu.Unlock()
		m.byToken.Delete(tokenID)
		cancel()
		return models.SessionSnapshot{}, err
	}

	_ = m.auditor.Emit(ctx, audit.Entry{
		ActorID:       "session_manager",
		TokenID:       tokenID,
		Action:        audit.ActionSessionCreated,
		Component:     "session",
		Outcome:       audit.OutcomeSuccess,
		CorrelationID: snap.SessionID,
		Details:       map[string]any{"input_type": inputType},
	})
	m.logger.InfoContext(ctx, "Session created",
		"session_id", snap.SessionID, "token_id", tokenID, "input_type", inputType)
	return snap, nil
}

// Touch resets the TTL clock of an active session and bumps its input count.
// Expired or closed sessions return apperr.ErrExpired: a terminal state is
// never revived. The TTL is checked here too, so an input arriving after the
// deadline but before the next sweep tick expires the session instead of
// reviving its clock.
func (m *Manager) Touch(ctx context.Context, sessionID string) (models.SessionSnapshot, error) {
	sh := m.shardFor(sessionID)
	sh.mu.Lock()
	s, ok := sh.sessions[sessionID]
	if !ok {
		sh.mu.Unlock()
		return models.SessionSnapshot{}, apperr.ErrNotFound
	}
	if s.snapshot.State != models.SessionStateActive {
		snap := s.snapshot
		sh.mu.Unlock()
		return snap, apperr.ErrExpired
	}
	if m.now().UTC().Sub(s.snapshot.LastTouchedAt) >= m.cfg.TTL() {
		snap := s.snapshot
		sh.mu.Unlock()
		if err := m.finalize(ctx, sessionID, models.SessionStateExpired, "ttl_elapsed", audit.ActionSessionExpired); err != nil {
			m.logger.ErrorContext(ctx, "Failed to expire session on touch",
				"session_id", sessionID, "error", err)
		}
		return snap, apperr.ErrExpired
	}
	s.snapshot.LastTouchedAt = m.now().UTC()
	s.snapshot.InputCount++
	snap := s.snapshot
	sh.mu.Unlock()

	if err := m.store.TouchSession(ctx, sessionID, snap.LastTouchedAt); err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return snap, err
	}
	return snap, nil
}

// Snapshot returns a read-only view of a session.
func (m *Manager) Snapshot(sessionID string) (models.SessionSnapshot, error) {
	sh := m.shardFor(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.sessions[sessionID]
	if !ok {
		return models.SessionSnapshot{}, apperr.ErrNotFound
	}
	return s.snapshot, nil
}

// Context returns a context that is canceled when the session ends. Task
// executors derive from it so session closure propagates to in-flight work.
func (m *Manager) Context(sessionID string) (context.Context, bool) {
	sh := m.shardFor(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return s.ctx, true
}

// ActiveForToken returns the live session for a token, if any.
func (m *Manager) ActiveForToken(tokenID string) (models.SessionSnapshot, bool) {
	id, ok := m.byToken.Load(tokenID)
	if !ok {
		return models.SessionSnapshot{}, false
	}
	snap, err := m.Snapshot(id.(string))
	if err != nil || snap.State != models.SessionStateActive {
		return models.SessionSnapshot{}, false
	}
	return snap, true
}

// Close ends a session with an outcome. Close wins over a concurrent touch:
// once terminal, the session stays terminal. Closing an already-terminal
// session is a no-op.
func (m *Manager) Close(ctx context.Context, sessionID, outcome string) error {
	return m.finalize(ctx, sessionID, models.SessionStateClosed, outcome, audit.ActionSessionClosed)
}

func (m *Manager) finalize(ctx context.Context, sessionID string, state models.SessionState, outcome, action string) error {
	sh := m.shardFor(sessionID)
	sh.mu.Lock()
	s, ok := sh.sessions[sessionID]
	if !ok {
		sh.mu.Unlock()
		return apperr.ErrNotFound
	}
	if s.snapshot.State != models.SessionStateActive {
		sh.mu.Unlock()
		return nil
	}
	s.snapshot.State = state
	s.snapshot.Outcome = outcome
	snap := s.snapshot
	cancel := s.cancel
	sh.mu.Unlock()

	cancel()
	m.byToken.CompareAndDelete(snap.TokenID, sessionID)

	// A terminal session leaves no work behind: pending tasks are canceled
	// in the store and in-flight ones observe the signal cooperatively.
	if m.tasks != nil {
		if canceled, err := m.tasks.CancelSession(ctx, sessionID); err != nil {
			m.logger.ErrorContext(ctx, "Failed to cancel tasks of finalized session",
				"session_id", sessionID, "error", err)
		} else if canceled > 0 {
			m.logger.InfoContext(ctx, "Canceled tasks of finalized session",
				"session_id", sessionID, "count", canceled)
		}
	}

	now := m.now().UTC()
	if err := m.store.FinalizeSession(ctx, sessionID, state, outcome, now); err != nil {
		return err
	}
	_ = m.auditor.Emit(ctx, audit.Entry{
		ActorID:       "session_manager",
		TokenID:       snap.TokenID,
		Action:        action,
		Component:     "session",
		Outcome:       audit.OutcomeSuccess,
		CorrelationID: sessionID,
		Details:       map[string]any{"outcome": outcome},
	})
	m.logger.InfoContext(ctx, "Session finalized",
		"session_id", sessionID, "state", state, "outcome", outcome)
	return nil
}

// SweepOnce expires active sessions whose TTL has elapsed. The boundary is
// inclusive: a session idle for exactly the TTL is expired.
func (m *Manager) SweepOnce(ctx context.Context) {
	cutoff := m.now().UTC().Add(-m.cfg.TTL())
	for _, sh := range m.shards {
		sh.mu.Lock()
		var stale []string
		for id, s := range sh.sessions {
			if s.snapshot.State == models.SessionStateActive && !s.snapshot.LastTouchedAt.After(cutoff) {
				stale = append(stale, id)
			}
		}
		sh.mu.Unlock()
		for _, id := range stale {
			if err := m.finalize(ctx, id, models.SessionStateExpired, "ttl_elapsed", audit.ActionSessionExpired); err != nil {
				m.logger.ErrorContext(ctx, "Failed to expire session", "session_id", id, "error", err)
			}
		}
	}
}

// Run sweeps every second until the context is canceled, then drops all
// in-memory state. Terminal rows persist in the store.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepOnce(ctx)
		}
	}
}

// ActiveSessions returns snapshots of all active sessions, newest first.
// Backs the admin session listing.
func (m *Manager) ActiveSessions() []models.SessionSnapshot {
	var out []models.SessionSnapshot
	for _, sh := range m.shards {
		sh.mu.Lock()
		for _, s := range sh.sessions {
			if s.snapshot.State == models.SessionStateActive {
				out = append(out, s.snapshot)
			}
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// ActiveCount reports the number of active in-memory sessions (health).
func (m *Manager) ActiveCount() int {
	total := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		for _, s := range sh.sessions {
			if s.snapshot.State == models.SessionStateActive {
				total++
			}
		}
		sh.mu.Unlock()
	}
	return total
}
