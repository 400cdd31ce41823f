package api

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"mindspace-board/board"
	"mindspace-board/domain"
)

const defaultSessionIdleTTL = 30 * time.Minute

// Sessions keeps one engine per session. Each engine is only ever touched
// while its entry lock is held, and is loaded from the fetcher on first use.
// Sessions idle for longer than IdleTTL with nothing left to persist are
// dropped and reloaded on their next request.
type Sessions struct {
	fetcher board.Fetcher
	logger  *log.Logger
	opts    []board.Option
	IdleTTL time.Duration
	now     func() time.Time

	mu        sync.Mutex
	entries   map[string]*sessionEntry
	lastSweep time.Time
}

type sessionEntry struct {
	mu     sync.Mutex
	engine *board.Engine
	loaded bool

	// guarded by Sessions.mu
	users    int
	lastUsed time.Time
}

// NewSessions creates an empty registry. opts are applied to every engine.
func NewSessions(fetcher board.Fetcher, logger *log.Logger, opts ...board.Option) *Sessions {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Sessions{
		fetcher: fetcher,
		logger:  logger,
		opts:    append([]board.Option{board.WithLogger(logger)}, opts...),
		IdleTTL: defaultSessionIdleTTL,
		now:     time.Now,
		entries: make(map[string]*sessionEntry),
	}
}

// Do runs fn with exclusive access to the engine of sess. A failed first load
// is returned without calling fn and retried on the next call. When a
// mutation's change could not be queued the error is returned and the engine
// is reloaded on the next call, discarding the unpersisted state.
func (s *Sessions) Do(ctx context.Context, sess domain.Session, fn func(*board.Engine) error) error {
	entry := s.acquire(sess)
	defer s.release(entry)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if !entry.loaded {
		start := time.Now()
		if err := entry.engine.Load(ctx, s.fetcher); err != nil {
			s.logger.WithError(err).WithField("workspace", sess.WorkspaceID).Warn("board load failed")
			return err
		}
		entry.loaded = true
		s.logger.WithFields(log.Fields{
			"workspace": sess.WorkspaceID,
			"user":      sess.UserID,
			"load_ms":   durationToMillis(time.Since(start)),
		}).Debug("session engine ready")
	}
	err := fn(entry.engine)
	if dropped := entry.engine.DroppedChanges(); dropped != nil {
		entry.loaded = false
		s.logger.WithError(dropped).WithField("workspace", sess.WorkspaceID).Error("session state discarded")
		return errors.Join(err, dropped)
	}
	return err
}

func (s *Sessions) acquire(sess domain.Session) *sessionEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.sweepLocked(now)
	key := sess.Key()
	entry, ok := s.entries[key]
	if !ok {
		entry = &sessionEntry{engine: board.NewEngine(sess, s.opts...)}
		s.entries[key] = entry
	}
	entry.users++
	entry.lastUsed = now
	return entry
}

func (s *Sessions) release(entry *sessionEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.users--
	entry.lastUsed = s.now()
}

// sweepLocked drops idle entries at most twice per IdleTTL. An entry nobody
// holds cannot be locked by anyone else while s.mu is held, so its engine is
// safe to inspect here.
func (s *Sessions) sweepLocked(now time.Time) {
	if s.IdleTTL <= 0 || now.Sub(s.lastSweep) < s.IdleTTL/2 {
		return
	}
	s.lastSweep = now
	for key, entry := range s.entries {
		if entry.users > 0 || now.Sub(entry.lastUsed) < s.IdleTTL {
			continue
		}
		if len(entry.engine.PendingChanges()) > 0 {
			continue
		}
		delete(s.entries, key)
		s.logger.WithField("session", key).Debug("idle session evicted")
	}
}

// Len reports the number of sessions currently held.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
