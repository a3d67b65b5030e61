package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// Default configuration values for PermissionManager.
const (
	DefaultPermissionTimeout = 5 * time.Minute
	DefaultSweepCron         = "* * * * *" // every minute
)

// Decision is a user's answer to a permission request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
)

// ErrPermissionExpired marks a response attempt against a dead permission id.
// Respond treats it as a non-fatal no-op; it is exported so callers can test
// for it when rendering replies.
var ErrPermissionExpired = errors.New("relay: permission expired or unknown")

// PermissionResponder forwards the user's binary choice to the assistant
// transport owning a conversation.
type PermissionResponder interface {
	RespondPermission(ctx context.Context, conversationID, choice string) error
}

// PendingPermission is an integration-level pending approval, carrying the
// conversation context the reducer's own record lacks.
type PendingPermission struct {
	ID             string
	ConversationID string
	ToolName       string
	Input          map[string]any
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// Expired reports whether the entry is inert at the given instant. An expired
// entry must not be actionable even while it is still in memory awaiting the
// sweep.
func (p *PendingPermission) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// PermissionManager tracks pending tool-approval requests with expiry and
// mediates approve/deny round-trips to the assistant transport. A recurring
// sweep bounds memory even for entries that are never listed.
type PermissionManager struct {
	mu      sync.Mutex
	pending map[string]*PendingPermission

	timeout   time.Duration
	sweepCron string
	transport PermissionResponder
	now       func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// PermissionManagerOpts holds parameters for creating a PermissionManager.
type PermissionManagerOpts struct {
	Timeout   time.Duration       // defaults to DefaultPermissionTimeout
	SweepCron string              // 5-field cron, defaults to DefaultSweepCron
	Transport PermissionResponder // required
	Now       func() time.Time    // defaults to time.Now
}

// NewPermissionManager creates a PermissionManager. Call Start to begin the
// cleanup sweep and Close to release it.
func NewPermissionManager(opts PermissionManagerOpts) (*PermissionManager, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("relay: permission manager: transport is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultPermissionTimeout
	}
	sweepCron := opts.SweepCron
	if sweepCron == "" {
		sweepCron = DefaultSweepCron
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &PermissionManager{
		pending:   make(map[string]*PendingPermission),
		timeout:   timeout,
		sweepCron: sweepCron,
		transport: opts.Transport,
		now:       now,
		stop:      make(chan struct{}),
	}, nil
}

// Track records a new pending permission for a conversation.
func (pm *PermissionManager) Track(permissionID, conversationID, toolName string, input map[string]any) {
	now := pm.now()
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.pending[permissionID] = &PendingPermission{
		ID:             permissionID,
		ConversationID: conversationID,
		ToolName:       toolName,
		Input:          input,
		CreatedAt:      now,
		ExpiresAt:      now.Add(pm.timeout),
	}
}

// Respond resolves a pending permission and forwards the binary choice to the
// owning conversation's transport. Responding to a missing or expired id is a
// non-fatal no-op: it logs, forwards nothing, and returns
// ErrPermissionExpired so callers can render a short reply. Terminal entries
// are removed, not retained.
func (pm *PermissionManager) Respond(ctx context.Context, permissionID string, decision Decision) error {
	pm.mu.Lock()
	entry, ok := pm.pending[permissionID]
	if !ok || entry.Expired(pm.now()) {
		pm.mu.Unlock()
		log.Printf("relay: permission %s: response ignored (expired or unknown)", permissionID)
		return ErrPermissionExpired
	}
	delete(pm.pending, permissionID)
	pm.mu.Unlock()

	choice := "yes"
	if decision == DecisionDeny {
		choice = "no"
	}
	if err := pm.transport.RespondPermission(ctx, entry.ConversationID, choice); err != nil {
		return fmt.Errorf("relay: respond permission %s: %w", permissionID, err)
	}
	return nil
}

// List returns the non-expired pending entries sorted ascending by creation
// time, oldest first. Callers wanting "respond to most recent" take the last
// element.
func (pm *PermissionManager) List() []*PendingPermission {
	now := pm.now()
	pm.mu.Lock()
	defer pm.mu.Unlock()
	out := make([]*PendingPermission, 0, len(pm.pending))
	for _, p := range pm.pending {
		if !p.Expired(now) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Sweep deletes expired entries and returns how many were removed. List
// already filters expired entries; the sweep exists so stale entries stay
// bounded in memory even if never listed.
func (pm *PermissionManager) Sweep() int {
	now := pm.now()
	pm.mu.Lock()
	defer pm.mu.Unlock()
	removed := 0
	for id, p := range pm.pending {
		if p.Expired(now) {
			delete(pm.pending, id)
			removed++
		}
	}
	return removed
}

// Start launches the recurring cleanup sweep. The timer is owned by the
// manager and released by Close.
func (pm *PermissionManager) Start() {
	go pm.runSweeper()
}

func (pm *PermissionManager) runSweeper() {
	d := nextCronDuration(pm.sweepCron)
	if d <= 0 {
		d = time.Minute
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-pm.stop:
			return
		case <-timer.C:
			if n := pm.Sweep(); n > 0 {
				log.Printf("relay: permission sweep removed %d expired entries", n)
			}
			next := nextCronDuration(pm.sweepCron)
			if next <= 0 {
				next = time.Minute
			}
			timer.Reset(next)
		}
	}
}

// Close cancels the sweep timer. Safe to call more than once.
func (pm *PermissionManager) Close() {
	pm.stopOnce.Do(func() { close(pm.stop) })
}
