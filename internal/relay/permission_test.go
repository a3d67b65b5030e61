package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// mockResponder records forwarded permission decisions.
type mockResponder struct {
	mu      sync.Mutex
	calls   []string // "conversationID/choice"
	respErr error
}

func (m *mockResponder) RespondPermission(ctx context.Context, conversationID, choice string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.respErr != nil {
		return m.respErr
	}
	m.calls = append(m.calls, conversationID+"/"+choice)
	return nil
}

func (m *mockResponder) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func newTestManager(t *testing.T, now *time.Time, responder *mockResponder) *PermissionManager {
	t.Helper()
	pm, err := NewPermissionManager(PermissionManagerOpts{
		Transport: responder,
		Now:       func() time.Time { return *now },
	})
	if err != nil {
		t.Fatalf("new permission manager: %v", err)
	}
	return pm
}

func TestPermission_ExpiryBoundary(t *testing.T) {
	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	now := t0
	pm := newTestManager(t, &now, &mockResponder{})

	pm.Track("perm-1", "conv-1", "Bash", nil)

	// One millisecond before the five-minute deadline: still listed.
	now = t0.Add(5*time.Minute - time.Millisecond)
	if got := len(pm.List()); got != 1 {
		t.Fatalf("expected permission listed just before expiry, got %d", got)
	}

	// One millisecond past the deadline: gone after a sweep.
	now = t0.Add(5*time.Minute + time.Millisecond)
	pm.Sweep()
	if got := len(pm.List()); got != 0 {
		t.Fatalf("expected permission expired, got %d listed", got)
	}
}

func TestPermission_RespondApproveForwardsYes(t *testing.T) {
	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	now := t0
	responder := &mockResponder{}
	pm := newTestManager(t, &now, responder)

	pm.Track("perm-1", "conv-1", "Bash", nil)
	if err := pm.Respond(context.Background(), "perm-1", DecisionApprove); err != nil {
		t.Fatalf("respond: %v", err)
	}

	responder.mu.Lock()
	calls := responder.calls
	responder.mu.Unlock()
	if len(calls) != 1 || calls[0] != "conv-1/yes" {
		t.Fatalf("expected yes forwarded to conv-1, got %v", calls)
	}
	// Terminal entries are removed.
	if got := len(pm.List()); got != 0 {
		t.Errorf("expected entry removed after respond, got %d listed", got)
	}
}

func TestPermission_RespondDenyForwardsNo(t *testing.T) {
	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	now := t0
	responder := &mockResponder{}
	pm := newTestManager(t, &now, responder)

	pm.Track("perm-1", "conv-1", "Write", nil)
	if err := pm.Respond(context.Background(), "perm-1", DecisionDeny); err != nil {
		t.Fatalf("respond: %v", err)
	}

	responder.mu.Lock()
	defer responder.mu.Unlock()
	if len(responder.calls) != 1 || responder.calls[0] != "conv-1/no" {
		t.Fatalf("expected no forwarded, got %v", responder.calls)
	}
}

func TestPermission_RespondExpiredIsNoOp(t *testing.T) {
	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	now := t0
	responder := &mockResponder{}
	pm := newTestManager(t, &now, responder)

	pm.Track("perm-1", "conv-1", "Bash", nil)
	now = t0.Add(5*time.Minute + time.Millisecond)

	err := pm.Respond(context.Background(), "perm-1", DecisionApprove)
	if !errors.Is(err, ErrPermissionExpired) {
		t.Fatalf("expected ErrPermissionExpired, got %v", err)
	}
	if responder.callCount() != 0 {
		t.Error("expected nothing forwarded for expired permission")
	}
}

func TestPermission_RespondMissingIsNoOp(t *testing.T) {
	now := time.Now()
	responder := &mockResponder{}
	pm := newTestManager(t, &now, responder)

	err := pm.Respond(context.Background(), "never-tracked", DecisionDeny)
	if !errors.Is(err, ErrPermissionExpired) {
		t.Fatalf("expected ErrPermissionExpired, got %v", err)
	}
	if responder.callCount() != 0 {
		t.Error("expected nothing forwarded for unknown permission")
	}
}

func TestPermission_ListSortedOldestFirst(t *testing.T) {
	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	now := t0
	pm := newTestManager(t, &now, &mockResponder{})

	pm.Track("perm-old", "conv-1", "Bash", nil)
	now = t0.Add(time.Minute)
	pm.Track("perm-new", "conv-1", "Write", nil)

	list := pm.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(list))
	}
	if list[0].ID != "perm-old" || list[1].ID != "perm-new" {
		t.Errorf("expected oldest first, got %s then %s", list[0].ID, list[1].ID)
	}
}

func TestPermission_SweepCountsRemovals(t *testing.T) {
	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	now := t0
	pm := newTestManager(t, &now, &mockResponder{})

	pm.Track("perm-1", "conv-1", "Bash", nil)
	now = t0.Add(2 * time.Minute)
	pm.Track("perm-2", "conv-1", "Write", nil)

	now = t0.Add(6 * time.Minute) // perm-1 expired, perm-2 alive
	if got := pm.Sweep(); got != 1 {
		t.Fatalf("expected 1 entry swept, got %d", got)
	}
	list := pm.List()
	if len(list) != 1 || list[0].ID != "perm-2" {
		t.Fatalf("expected only perm-2 remaining, got %+v", list)
	}
}

func TestPermission_SweeperLifecycle(t *testing.T) {
	now := time.Now()
	pm := newTestManager(t, &now, &mockResponder{})
	pm.Start()
	pm.Close()
	pm.Close() // idempotent
}
