// Package studio holds the per-user editing sessions that sit between the
// HTTP surface and the dispatch, quota and history packages.
package studio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"thumbgen/core"
	"thumbgen/dispatch"
	"thumbgen/flow"
	"thumbgen/history"
	"thumbgen/logging"
	"thumbgen/quota"
)

// DefaultIdleTTL is how long an untouched session is kept.
const DefaultIdleTTL = 30 * time.Minute

// Studio owns one Session per user. Sessions idle for longer than the TTL
// are dropped by Cleanup, together with the user's cached quota record, so
// the next visit starts fresh.
//
// Thread-Safety: Studio is safe for concurrent use.
type Studio struct {
	dispatcher *dispatch.Dispatcher
	ledger     *quota.Ledger
	notifier   Notifier
	logger     *logging.Logger
	debounce   time.Duration
	ttl        time.Duration
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
}

type entry struct {
	session  *Session
	lastSeen time.Time
}

// Config holds the collaborators of a Studio.
type Config struct {
	Dispatcher *dispatch.Dispatcher
	Ledger     *quota.Ledger
	// Notifier receives session events. May be nil.
	Notifier Notifier
	Logger   *logging.Logger
	// Debounce is the passive edit quiet period; zero means
	// history.DefaultDebounce.
	Debounce time.Duration
	// IdleTTL is how long an untouched session survives; zero means
	// DefaultIdleTTL.
	IdleTTL time.Duration
	// Now replaces time.Now.
	Now func() time.Time
}

// New creates a Studio.
func New(cfg Config) (*Studio, error) {
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("studio: dispatcher cannot be nil")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("studio: ledger cannot be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNopLogger()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = history.DefaultDebounce
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Studio{
		dispatcher: cfg.Dispatcher,
		ledger:     cfg.Ledger,
		notifier:   cfg.Notifier,
		logger:     cfg.Logger.Named("studio"),
		debounce:   cfg.Debounce,
		ttl:        cfg.IdleTTL,
		now:        cfg.Now,
		sessions:   make(map[string]*entry),
	}, nil
}

// Session returns the user's session, creating it on first use. Creating
// a session loads the quota profile, which applies a due refill.
func (s *Studio) Session(ctx context.Context, userID string) (*Session, error) {
	if userID == "" {
		return nil, core.ErrNotAuthenticated
	}
	s.mu.Lock()
	e, ok := s.sessions[userID]
	if ok {
		e.lastSeen = s.now()
	}
	s.mu.Unlock()
	if ok {
		return e.session, nil
	}

	if _, err := s.ledger.Load(ctx, userID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.sessions[userID]; ok {
		e.lastSeen = s.now()
		return e.session, nil
	}
	sess := newSession(userID, s)
	s.sessions[userID] = &entry{session: sess, lastSeen: s.now()}
	s.logger.Debugw("session opened", "user_id", userID)
	return sess, nil
}

// Cleanup closes sessions idle for longer than the TTL and returns how many
// were removed. A session with a batch in flight is kept.
func (s *Studio) Cleanup() int {
	cutoff := s.now().Add(-s.ttl)

	s.mu.Lock()
	var expired []*Session
	for userID, e := range s.sessions {
		if e.lastSeen.After(cutoff) || e.session.flow.State() == flow.StateDispatching {
			continue
		}
		delete(s.sessions, userID)
		expired = append(expired, e.session)
	}
	s.mu.Unlock()

	for _, sess := range expired {
		sess.Close()
		if !s.ledger.Forget(sess.userID) {
			s.logger.Debugw("keeping quota record with queued writes", "user_id", sess.userID)
		}
		s.logger.Debugw("session expired", "user_id", sess.userID)
	}
	return len(expired)
}

// StartCleanupTicker runs Cleanup every interval until ctx is done.
func (s *Studio) StartCleanupTicker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.Cleanup(); n > 0 {
					s.logger.Debugw("expired idle sessions", "count", n)
				}
			}
		}
	}()
}

// Len returns the number of open sessions.
func (s *Studio) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close stops every session's timers.
func (s *Studio) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.sessions {
		e.session.Close()
	}
}
