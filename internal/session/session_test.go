package session

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeViewer records every payload delivered to it.
type fakeViewer struct {
	mu     sync.Mutex
	msgs   [][]byte
	closed bool
}

func (f *fakeViewer) Deliver(msg []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
}

func (f *fakeViewer) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeViewer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

// decoded unmarshals every received payload into a generic map.
func (f *fakeViewer) decoded(t *testing.T) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]map[string]any, 0, len(f.msgs))
	for _, raw := range f.msgs {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("unmarshal %q: %v", raw, err)
		}
		out = append(out, m)
	}
	return out
}

func (f *fakeViewer) lastOfType(t *testing.T, typ string) map[string]any {
	t.Helper()
	var found map[string]any
	for _, m := range f.decoded(t) {
		if m["type"] == typ {
			found = m
		}
	}
	if found == nil {
		t.Fatalf("no %q message received", typ)
	}
	return found
}

func newTestSession(ttl time.Duration) *Session {
	return newSession("notes", "u1", ttl, 256*1024)
}

func TestAttachSendsSnapshot(t *testing.T) {
	s := newTestSession(time.Hour)
	first := &fakeViewer{}
	s.Attach(first)
	if err := s.ApplyEdit("hello", "@alice"); err != nil {
		t.Fatal(err)
	}

	v := &fakeViewer{}
	s.Attach(v)

	msgs := v.decoded(t)
	if len(msgs) != 1 {
		t.Fatalf("new viewer received %d messages, want exactly 1 snapshot", len(msgs))
	}
	snap := msgs[0]
	if snap["type"] != "state" || snap["content"] != "hello" || snap["updatedBy"] != "@alice" {
		t.Errorf("snapshot = %v", snap)
	}
	if snap["users"] != float64(2) {
		t.Errorf("snapshot users = %v, want 2", snap["users"])
	}
}

func TestLastWriterWins(t *testing.T) {
	s := newTestSession(time.Hour)
	a := &fakeViewer{}
	b := &fakeViewer{}
	s.Attach(a)
	s.Attach(b)

	edits := []struct {
		content string
		editor  string
	}{
		{"draft one", "@alice"},
		{"draft two", "@bob"},
		{"final", "@alice"},
	}
	for _, e := range edits {
		if err := s.ApplyEdit(e.content, e.editor); err != nil {
			t.Fatalf("ApplyEdit(%q): %v", e.content, err)
		}
	}

	for name, v := range map[string]*fakeViewer{"a": a, "b": b} {
		last := v.lastOfType(t, "state")
		if last["content"] != "final" || last["updatedBy"] != "@alice" {
			t.Errorf("viewer %s final state = %v, want final/@alice", name, last)
		}
	}
	if s.Content() != "final" {
		t.Errorf("Content() = %q, want final", s.Content())
	}
}

func TestApplyEditTooLarge(t *testing.T) {
	s := newTestSession(time.Hour)
	editor := &fakeViewer{}
	other := &fakeViewer{}
	s.Attach(editor)
	s.Attach(other)

	if err := s.ApplyEdit("small", "@alice"); err != nil {
		t.Fatal(err)
	}
	before := other.count()

	huge := strings.Repeat("x", 256*1024+1)
	err := s.ApplyEdit(huge, "@bob")
	if !errors.Is(err, ErrContentTooLarge) {
		t.Fatalf("oversized edit: err = %v, want ErrContentTooLarge", err)
	}

	if s.Content() != "small" || s.UpdatedBy() != "@alice" {
		t.Errorf("rejected edit mutated state: content=%q updatedBy=%q", s.Content(), s.UpdatedBy())
	}
	if other.count() != before {
		t.Errorf("rejected edit was broadcast: %d messages, had %d", other.count(), before)
	}
}

func TestApplyEditAtLimit(t *testing.T) {
	s := newTestSession(time.Hour)
	exact := strings.Repeat("x", 256*1024)
	if err := s.ApplyEdit(exact, "@alice"); err != nil {
		t.Fatalf("edit at exactly the cap should be accepted: %v", err)
	}
}

func TestApplyClearBroadcastsStateThenCleared(t *testing.T) {
	s := newTestSession(time.Hour)
	v := &fakeViewer{}
	s.Attach(v)
	if err := s.ApplyEdit("scratch", "@alice"); err != nil {
		t.Fatal(err)
	}

	s.ApplyClear("@bob")

	msgs := v.decoded(t)
	// snapshot, edit state, clear state, cleared
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4: %v", len(msgs), msgs)
	}
	state, cleared := msgs[2], msgs[3]
	if state["type"] != "state" || state["content"] != "" || state["updatedBy"] != "@bob" {
		t.Errorf("clear state = %v", state)
	}
	if cleared["type"] != "cleared" || cleared["by"] != "@bob" {
		t.Errorf("cleared notification = %v", cleared)
	}
}

func TestDetach(t *testing.T) {
	s := newTestSession(time.Hour)
	leaving := &fakeViewer{}
	staying := &fakeViewer{}
	s.Attach(leaving)
	s.Attach(staying)

	leftCount := leaving.count()
	stayCount := staying.count()

	s.Detach(leaving)

	if got := leaving.count(); got != leftCount {
		t.Errorf("detached viewer received %d new messages", got-leftCount)
	}
	msgs := staying.decoded(t)
	if len(msgs) != stayCount+1 {
		t.Fatalf("remaining viewer got %d new messages, want exactly 1 presence", len(msgs)-stayCount)
	}
	presence := msgs[len(msgs)-1]
	if presence["type"] != "presence" || presence["users"] != float64(1) {
		t.Errorf("presence = %v, want users=1", presence)
	}

	// Further broadcasts never reach the detached viewer.
	if err := s.ApplyEdit("after", "@alice"); err != nil {
		t.Fatal(err)
	}
	if got := leaving.count(); got != leftCount {
		t.Error("detached viewer still receives broadcasts")
	}
}

func TestDetachKeepsSessionAlive(t *testing.T) {
	s := newTestSession(time.Hour)
	v := &fakeViewer{}
	s.Attach(v)
	if err := s.ApplyEdit("persists", "@alice"); err != nil {
		t.Fatal(err)
	}
	s.Detach(v)

	if s.ViewerCount() != 0 {
		t.Fatalf("ViewerCount = %d, want 0", s.ViewerCount())
	}
	if s.Content() != "persists" {
		t.Error("content lost when last viewer detached")
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestIdleExpiryPurgesOnce(t *testing.T) {
	s := newTestSession(50 * time.Millisecond)
	v := &fakeViewer{}
	s.Attach(v)
	if err := s.ApplyEdit("ephemeral", "@alice"); err != nil {
		t.Fatal(err)
	}

	purged := func() bool {
		for _, m := range v.decoded(t) {
			if m["updatedBy"] == SystemPurge {
				return true
			}
		}
		return false
	}
	if !waitFor(t, 2*time.Second, purged) {
		t.Fatal("TTL purge never fired")
	}

	if s.Content() != "" {
		t.Errorf("content after purge = %q, want empty", s.Content())
	}
	state := v.lastOfType(t, "state")
	if state["updatedBy"] != SystemPurge || state["content"] != "" {
		t.Errorf("purge state = %v", state)
	}

	// Expiry is one-shot: no further purge broadcast arrives.
	count := v.count()
	time.Sleep(150 * time.Millisecond)
	if got := v.count(); got != count {
		t.Errorf("purge rescheduled itself: %d new messages", got-count)
	}
}

func TestMutationCancelsPendingExpiry(t *testing.T) {
	s := newTestSession(80 * time.Millisecond)
	v := &fakeViewer{}
	s.Attach(v)

	// Keep touching the session more often than the TTL.
	for i := 0; i < 5; i++ {
		time.Sleep(30 * time.Millisecond)
		if err := s.ApplyEdit("alive", "@alice"); err != nil {
			t.Fatal(err)
		}
	}

	for _, m := range v.decoded(t) {
		if m["updatedBy"] == SystemPurge {
			t.Fatal("stale timer fired despite resets")
		}
	}
	if s.Content() != "alive" {
		t.Errorf("content = %q, want alive", s.Content())
	}
}
