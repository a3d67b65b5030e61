package adapter

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"sync"
)

// Metrics counts per-platform adapter traffic.
type Metrics struct {
	Sent     int64
	Received int64
	Errors   int64
}

// Manager owns adapter instances, fans inbound messages out to registered
// handlers, aggregates metrics, and isolates per-handler failures.
type Manager struct {
	out io.Writer

	mu       sync.Mutex
	adapters map[Platform]Adapter
	handlers []Handler
	metrics  map[Platform]*Metrics
}

// ManagerOpts holds parameters for creating a Manager.
type ManagerOpts struct {
	Out io.Writer // defaults to os.Stdout
}

// NewManager creates an empty Manager. Adapters are added with Register and
// connected with Initialize.
func NewManager(opts ManagerOpts) *Manager {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Manager{
		out:      out,
		adapters: make(map[Platform]Adapter),
		metrics:  make(map[Platform]*Metrics),
	}
}

// Register adds a constructed adapter. The adapter's inbound callback is
// wired into the manager's fan-out immediately; messages flow once the
// adapter is connected.
func (m *Manager) Register(a Adapter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	platform := a.Platform()
	if _, ok := m.adapters[platform]; ok {
		return fmt.Errorf("adapter: platform %s already registered", platform)
	}
	m.adapters[platform] = a
	m.metrics[platform] = &Metrics{}
	a.OnMessage(func(msg Inbound) { m.dispatch(msg) })
	return nil
}

// OnMessage registers a handler invoked for every inbound message from any
// platform.
func (m *Manager) OnMessage(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Initialize connects every registered adapter. Activation is all-or-nothing:
// if any connect fails, the adapters connected so far during this call are
// disconnected before the error propagates.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	ordered := m.orderedAdapters()
	m.mu.Unlock()

	var connected []Adapter
	for _, a := range ordered {
		fmt.Fprintf(m.out, "adapter: connecting %s...\n", a.Platform())
		if err := a.Connect(ctx); err != nil {
			for _, c := range connected {
				if derr := c.Disconnect(); derr != nil {
					log.Printf("adapter: rollback disconnect %s: %v", c.Platform(), derr)
				}
			}
			return fmt.Errorf("adapter: connect %s: %w", a.Platform(), err)
		}
		connected = append(connected, a)
	}
	fmt.Fprintf(m.out, "adapter: %d platform(s) online\n", len(connected))
	return nil
}

// SendMessage delivers text to a chat on the named platform. Fails with an
// ErrNotConnected-wrapping error when the platform has no connected adapter.
func (m *Manager) SendMessage(ctx context.Context, platform Platform, chatID, content string) error {
	a, metrics, err := m.connectedAdapter(platform)
	if err != nil {
		return err
	}
	if err := a.SendMessage(ctx, chatID, content); err != nil {
		m.addError(metrics)
		return fmt.Errorf("adapter: send to %s: %w", platform, err)
	}
	m.addSent(metrics)
	return nil
}

// SendNotification delivers a structured alert to a chat on the named
// platform, with the same failure semantics as SendMessage.
func (m *Manager) SendNotification(ctx context.Context, platform Platform, chatID string, n Notification) error {
	a, metrics, err := m.connectedAdapter(platform)
	if err != nil {
		return err
	}
	if err := a.SendNotification(ctx, chatID, n); err != nil {
		m.addError(metrics)
		return fmt.Errorf("adapter: notify %s: %w", platform, err)
	}
	m.addSent(metrics)
	return nil
}

// Broadcast sends content to the default chat of every connected platform.
// Failures are logged and counted, never aborting the remaining platforms.
func (m *Manager) Broadcast(ctx context.Context, content string) {
	for _, platform := range m.GetConnectedPlatforms() {
		if err := m.SendMessage(ctx, platform, "", content); err != nil {
			log.Printf("adapter: broadcast to %s: %v", platform, err)
		}
	}
}

// BroadcastNotification sends a notification to every connected platform.
func (m *Manager) BroadcastNotification(ctx context.Context, n Notification) {
	for _, platform := range m.GetConnectedPlatforms() {
		if err := m.SendNotification(ctx, platform, "", n); err != nil {
			log.Printf("adapter: broadcast notification to %s: %v", platform, err)
		}
	}
}

// VerifyUser checks a user id against the named platform's allow policy.
func (m *Manager) VerifyUser(platform Platform, userID string) bool {
	m.mu.Lock()
	a, ok := m.adapters[platform]
	m.mu.Unlock()
	return ok && a.VerifyUser(userID)
}

// GetConnectedPlatforms returns the platforms with a connected adapter,
// sorted for stable output.
func (m *Manager) GetConnectedPlatforms() []Platform {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Platform
	for platform, a := range m.adapters {
		if a.IsConnected() {
			out = append(out, platform)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Metrics returns a snapshot of per-platform counters.
func (m *Manager) Metrics() map[Platform]Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Platform]Metrics, len(m.metrics))
	for platform, mm := range m.metrics {
		out[platform] = *mm
	}
	return out
}

// Shutdown disconnects all adapters concurrently, tolerating individual
// failures (logged and counted, not rethrown), then clears all adapter and
// handler state.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	adapters := m.orderedAdapters()
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, a := range adapters {
		wg.Add(1)
		go func(a Adapter) {
			defer wg.Done()
			if err := a.Disconnect(); err != nil {
				log.Printf("adapter: disconnect %s: %v", a.Platform(), err)
				m.mu.Lock()
				if mm, ok := m.metrics[a.Platform()]; ok {
					mm.Errors++
				}
				m.mu.Unlock()
			}
		}(a)
	}
	wg.Wait()

	m.mu.Lock()
	m.adapters = make(map[Platform]Adapter)
	m.metrics = make(map[Platform]*Metrics)
	m.handlers = nil
	m.mu.Unlock()
	fmt.Fprintf(m.out, "adapter: shutdown complete\n")
}

// dispatch fans one inbound message out to every registered handler. A
// panicking handler must not prevent the others from running nor crash the
// manager; the panic is caught, logged, and counted as an error.
func (m *Manager) dispatch(msg Inbound) {
	m.mu.Lock()
	handlers := make([]Handler, len(m.handlers))
	copy(handlers, m.handlers)
	if mm, ok := m.metrics[msg.Platform]; ok {
		mm.Received++
	}
	m.mu.Unlock()

	for _, h := range handlers {
		m.safeInvoke(h, msg)
	}
}

func (m *Manager) safeInvoke(h Handler, msg Inbound) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("adapter: message handler panicked: %v", rec)
			m.mu.Lock()
			if mm, ok := m.metrics[msg.Platform]; ok {
				mm.Errors++
			}
			m.mu.Unlock()
		}
	}()
	h(msg)
}

// connectedAdapter resolves a platform to its connected adapter, counting an
// error when it is absent or offline.
func (m *Manager) connectedAdapter(platform Platform) (Adapter, *Metrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.adapters[platform]
	metrics := m.metrics[platform]
	if metrics == nil {
		metrics = &Metrics{}
		m.metrics[platform] = metrics
	}
	if !ok || !a.IsConnected() {
		metrics.Errors++
		return nil, nil, fmt.Errorf("adapter: %s: %w", platform, ErrNotConnected)
	}
	return a, metrics, nil
}

func (m *Manager) addSent(metrics *Metrics) {
	m.mu.Lock()
	metrics.Sent++
	m.mu.Unlock()
}

func (m *Manager) addError(metrics *Metrics) {
	m.mu.Lock()
	metrics.Errors++
	m.mu.Unlock()
}

// orderedAdapters returns adapters sorted by platform tag. Callers must hold mu.
func (m *Manager) orderedAdapters() []Adapter {
	out := make([]Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform() < out[j].Platform() })
	return out
}
