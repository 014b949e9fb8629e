// Package session holds the live state of every open sandbox: the current
// buffer, the attached viewers, and the idle-expiry timer. Content lives
// only in memory; a process restart discards it.
package session

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"
)

// ErrContentTooLarge rejects edits above the configured size cap. The
// session is left untouched and only the offending connection is told.
var ErrContentTooLarge = errors.New("content too large")

// Viewer is a connection attached to a session. Deliver is best-effort: a
// viewer that cannot accept the message (closing, buffer full) drops it
// silently, with no retry. Close force-disconnects the transport.
type Viewer interface {
	Deliver(msg []byte)
	Close()
}

// Session is one named shared text buffer and its attached viewers. All
// methods are safe for concurrent use; mutations and their broadcasts are
// atomic with respect to each other.
type Session struct {
	id      string
	ownerID string
	ttl     time.Duration
	maxSize int

	mu        sync.Mutex
	content   string
	updatedBy string
	updatedAt time.Time
	viewers   map[Viewer]struct{}
	timer     *time.Timer
	timerGen  uint64
}

func newSession(id, ownerID string, ttl time.Duration, maxSize int) *Session {
	s := &Session{
		id:        id,
		ownerID:   ownerID,
		ttl:       ttl,
		maxSize:   maxSize,
		updatedBy: SystemUser,
		updatedAt: time.Now(),
		viewers:   make(map[Viewer]struct{}),
	}
	s.mu.Lock()
	s.resetTTLLocked()
	s.mu.Unlock()
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) OwnerID() string { return s.ownerID }

// Attach adds the viewer and immediately pushes one state snapshot to it,
// so a new viewer sees current content without waiting for the next edit.
func (s *Session) Attach(v Viewer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.viewers[v] = struct{}{}
	s.resetTTLLocked()
	// Delivered under the lock so no broadcast can slot in ahead of the
	// snapshot. Deliver never blocks.
	v.Deliver(encode(s.stateLocked()))
}

// Detach removes the viewer and announces the new count to the remaining
// viewers. The expiry timer keeps running; a sandbox with zero viewers
// stays registered until it is explicitly deleted.
func (s *Session) Detach(v Viewer) {
	s.mu.Lock()
	delete(s.viewers, v)
	s.broadcastLocked(PresenceMessage{Type: MsgPresence, Users: len(s.viewers)})
	s.mu.Unlock()
}

// ApplyEdit replaces the whole buffer (last-writer-wins) and broadcasts the
// new state to every viewer, including the editor.
func (s *Session) ApplyEdit(content, editor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(content) > s.maxSize {
		return ErrContentTooLarge
	}

	s.content = content
	s.updatedBy = editor
	s.updatedAt = time.Now()
	s.resetTTLLocked()
	s.broadcastLocked(s.stateLocked())
	return nil
}

// ApplyClear empties the buffer and broadcasts the new state followed by a
// cleared notification naming the user who emptied it.
func (s *Session) ApplyClear(editor string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.content = ""
	s.updatedBy = editor
	s.updatedAt = time.Now()
	s.resetTTLLocked()
	s.broadcastLocked(s.stateLocked())
	s.broadcastLocked(ClearedMessage{Type: MsgCleared, By: editor, At: s.updatedAt})
}

// ViewerCount reports how many connections are currently attached.
func (s *Session) ViewerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.viewers)
}

// Content returns the current buffer text.
func (s *Session) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content
}

// UpdatedBy returns the display identity of the last mutator.
func (s *Session) UpdatedBy() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedBy
}

// destroy cancels the timer and force-closes every viewer. Called by the
// registry when the sandbox is deleted.
func (s *Session) destroy() {
	s.mu.Lock()
	s.timerGen++ // invalidate any in-flight expiry callback
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	viewers := make([]Viewer, 0, len(s.viewers))
	for v := range s.viewers {
		viewers = append(viewers, v)
	}
	s.viewers = make(map[Viewer]struct{})
	s.mu.Unlock()

	for _, v := range viewers {
		v.Close()
	}
}

// resetTTLLocked cancels the outstanding expiry timer and starts a fresh
// one. The generation token lets a callback that already fired off the old
// timer detect that it was superseded and no-op.
func (s *Session) resetTTLLocked() {
	s.timerGen++
	gen := s.timerGen
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.ttl, func() { s.expire(gen) })
}

// expire purges idle content. One-shot: it does not reschedule itself; the
// session resumes expiry scheduling on the next attach, edit or clear.
func (s *Session) expire(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.timerGen {
		return // superseded by a later reset
	}

	log.Printf("[ttl] purge sandbox: %s", s.id)
	s.content = ""
	s.updatedBy = SystemPurge
	s.updatedAt = time.Now()
	s.broadcastLocked(s.stateLocked())
}

func (s *Session) stateLocked() StateMessage {
	return StateMessage{
		Type:      MsgState,
		Content:   s.content,
		UpdatedBy: s.updatedBy,
		UpdatedAt: s.updatedAt,
		Users:     len(s.viewers),
	}
}

func (s *Session) broadcastLocked(msg any) {
	data := encode(msg)
	if data == nil {
		return
	}
	for v := range s.viewers {
		v.Deliver(data)
	}
}

func encode(msg any) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[session] marshal error: %v", err)
		return nil
	}
	return data
}
