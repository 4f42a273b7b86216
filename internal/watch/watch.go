// Package watch keeps one live position display per session fresh. A
// manager owns every watcher; there is no package-level state, so two
// managers in one process cannot fight over sessions.
package watch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Render produces the current display text for a session's watched
// position. open=false means the position no longer exists and the
// watcher should retire itself.
type Render func(ctx context.Context, tokenAddress string) (text string, open bool, err error)

// Emit delivers a display update to the session's output channel.
type Emit func(sessionID, text string)

type handle struct {
	token      string
	cancel     context.CancelFunc
	lastRender string
}

// Manager runs one refresh loop per watched session. Starting a watch
// for a session that already has one replaces it; ticks are suppressed
// while the session has an interactive flow in progress so a refresh
// never interleaves with a prompt.
type Manager struct {
	mu       sync.Mutex
	handles  map[string]*handle
	inflight map[string]struct{}

	interval time.Duration
	render   Render
	emit     Emit
	logger   *zap.Logger
}

func NewManager(interval time.Duration, render Render, emit Emit, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		handles:  make(map[string]*handle),
		inflight: make(map[string]struct{}),
		interval: interval,
		render:   render,
		emit:     emit,
		logger:   logger,
	}
}

// Start begins watching a token position for the session, replacing
// any watcher the session already had.
func (m *Manager) Start(ctx context.Context, sessionID, tokenAddress string) {
	watchCtx, cancel := context.WithCancel(ctx)
	h := &handle{token: tokenAddress, cancel: cancel}

	m.mu.Lock()
	if prev, ok := m.handles[sessionID]; ok {
		prev.cancel()
		m.logger.Debug("replacing existing watcher", zap.String("session", sessionID))
	}
	m.handles[sessionID] = h
	m.mu.Unlock()

	m.logger.Info("watcher started",
		zap.String("session", sessionID),
		zap.String("token", tokenAddress))
	go m.loop(watchCtx, sessionID, h)
}

// Stop cancels the session's watcher. Stopping a session with no
// watcher is a no-op.
func (m *Manager) Stop(sessionID string) bool {
	m.mu.Lock()
	h, ok := m.handles[sessionID]
	if ok {
		delete(m.handles, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	h.cancel()
	m.logger.Info("watcher stopped", zap.String("session", sessionID))
	return true
}

// StopAll cancels every watcher; used on shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	handles := m.handles
	m.handles = make(map[string]*handle)
	m.mu.Unlock()
	for _, h := range handles {
		h.cancel()
	}
}

// Watching reports whether the session currently has a watcher.
func (m *Manager) Watching(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handles[sessionID]
	return ok
}

// BeginFlow marks the session as mid-interaction; ticks are skipped
// until EndFlow.
func (m *Manager) BeginFlow(sessionID string) {
	m.mu.Lock()
	m.inflight[sessionID] = struct{}{}
	m.mu.Unlock()
}

func (m *Manager) EndFlow(sessionID string) {
	m.mu.Lock()
	delete(m.inflight, sessionID)
	m.mu.Unlock()
}

func (m *Manager) loop(ctx context.Context, sessionID string, h *handle) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx, sessionID, h)
		}
	}
}

// tick refreshes one session's display. Failures are logged and the
// previous render stands; a vanished position emits a closing notice
// and retires the watcher.
func (m *Manager) tick(ctx context.Context, sessionID string, h *handle) {
	m.mu.Lock()
	_, busy := m.inflight[sessionID]
	active := m.handles[sessionID] == h
	last := h.lastRender
	m.mu.Unlock()
	if busy || !active {
		return
	}

	text, open, err := m.render(ctx, h.token)
	if err != nil {
		m.logger.Warn("refresh failed, keeping previous display",
			zap.String("session", sessionID),
			zap.String("token", h.token),
			zap.Error(err))
		return
	}
	if !open {
		m.emit(sessionID, "Position closed.")
		m.Stop(sessionID)
		return
	}
	if text == last {
		return
	}

	m.mu.Lock()
	h.lastRender = text
	m.mu.Unlock()
	m.emit(sessionID, text)
}
