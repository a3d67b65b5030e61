package relay

import (
	"sort"
	"time"
)

// Metrics counts reducer activity for one state instance. Errors counts
// records dropped during reduction (tool results with no known tool call).
type Metrics struct {
	MessagesProcessed int       `json:"messagesProcessed"`
	Errors            int       `json:"errors"`
	LastUpdate        time.Time `json:"lastUpdate"`
}

// PermissionData is the reducer's record of a pending tool approval.
type PermissionData struct {
	ToolName  string
	ToolUseID string
	Input     map[string]any
	CreatedAt time.Time
	Status    PermissionStatus
	Decision  string
}

// State is the reducer-owned conversation state. One State exists per
// platform integration; it must only be mutated by Reduce and the narrow
// ResolvePermission entry point, and callers must serialize those calls.
type State struct {
	localIDs           map[string]string // localId → messageId
	messageIDs         map[string]string // rawId → messageId
	toolIDToMessageID  map[string]string // toolUseId → messageId
	pendingPermissions map[string]*PermissionData
	sidechains         map[string][]*Message // parent toolId → children
	messages           map[string]*Message
	metrics            Metrics
}

// NewState returns an empty reducer state.
func NewState() *State {
	return &State{
		localIDs:           make(map[string]string),
		messageIDs:         make(map[string]string),
		toolIDToMessageID:  make(map[string]string),
		pendingPermissions: make(map[string]*PermissionData),
		sidechains:         make(map[string][]*Message),
		messages:           make(map[string]*Message),
	}
}

// MessageByID looks up a message in the timeline.
func (s *State) MessageByID(id string) (*Message, bool) {
	m, ok := s.messages[id]
	return m, ok
}

// Messages returns the timeline sorted by timestamp. Ordering is applied at
// presentation time; the underlying map has no order invariant.
func (s *State) Messages() []*Message {
	out := make([]*Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Sidechain returns the tracked sub-conversation messages for a tool id.
func (s *State) Sidechain(toolID string) []*Message {
	return s.sidechains[toolID]
}

// Metrics returns a copy of the state's counters.
func (s *State) Metrics() Metrics {
	return s.metrics
}

// ResolvePermission marks a tracked permission approved or denied and updates
// the owning message payload. It is a no-op for unknown ids.
func (s *State) ResolvePermission(permissionID string, status PermissionStatus, decision string) {
	pd, ok := s.pendingPermissions[permissionID]
	if !ok {
		return
	}
	pd.Status = status
	pd.Decision = decision

	msgID, ok := s.toolIDToMessageID[pd.ToolUseID]
	if !ok {
		return
	}
	if msg, ok := s.messages[msgID]; ok && msg.Permission != nil && msg.Permission.ID == permissionID {
		msg.Permission.Status = status
		msg.Permission.Decision = decision
	}
}

// GatePolicy decides whether a tool call that arrives without a pending
// approval request must still be gated behind a permission. It is an explicit,
// injectable policy rather than a side effect of whether agent state was
// supplied with the batch.
type GatePolicy func(toolName string, input map[string]any) bool

// GateNone never gates; tool calls without an assistant-side request run
// ungated.
func GateNone(string, map[string]any) bool { return false }

// GateTools gates exactly the named tools.
func GateTools(names ...string) GatePolicy {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return func(toolName string, _ map[string]any) bool {
		return set[toolName]
	}
}

// Result is the output of one Reduce call. NewMessages holds the messages
// whose state changed during this call (insertions and in-place mutations),
// not the full timeline.
type Result struct {
	NewMessages []*Message
	Permissions []*Message
	HasChanges  bool
	Metrics     Metrics
}

// Reducer converts raw assistant stream records into typed messages.
type Reducer struct {
	gate      GatePolicy
	formatter *ChatFormatter
	now       func() time.Time
}

// ReducerOpts holds parameters for creating a Reducer.
type ReducerOpts struct {
	Gate      GatePolicy     // defaults to GateNone
	Formatter *ChatFormatter // defaults to NewChatFormatter()
	Now       func() time.Time
}

// NewReducer creates a Reducer.
func NewReducer(opts ReducerOpts) *Reducer {
	gate := opts.Gate
	if gate == nil {
		gate = GateNone
	}
	formatter := opts.Formatter
	if formatter == nil {
		formatter = NewChatFormatter()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Reducer{gate: gate, formatter: formatter, now: now}
}

// reduction carries per-call bookkeeping for one Reduce invocation.
type reduction struct {
	state   *State
	changed map[string]bool
	order   []*Message
	perms   []*Message
}

func (rd *reduction) markChanged(m *Message) {
	if !rd.changed[m.ID] {
		rd.changed[m.ID] = true
		rd.order = append(rd.order, m)
	}
}

// Reduce processes a batch of raw records against state. It is safe to call
// repeatedly with overlapping batches: already-seen raw ids are no-ops,
// including their side effects in later phases. All mutation happens through
// the passed-in state; the Reducer itself holds no conversation state.
func (r *Reducer) Reduce(state *State, raws []RawMessage, agent *AgentState) Result {
	rd := &reduction{state: state, changed: make(map[string]bool)}

	// Filter out raw records already processed. First write wins: a duplicate
	// id inside the same batch is dropped here too, so it cannot double-count
	// metrics or replay side effects.
	var unseen []RawMessage
	batchSeen := make(map[string]bool)
	for _, raw := range raws {
		if raw.ID != "" {
			if _, ok := state.messageIDs[raw.ID]; ok {
				continue
			}
			if batchSeen[raw.ID] {
				continue
			}
			batchSeen[raw.ID] = true
		}
		unseen = append(unseen, raw)
	}

	r.permissionPhase(rd, agent)
	r.textPhase(rd, unseen)
	r.toolCallPhase(rd, unseen)
	r.toolResultPhase(rd, unseen)
	r.eventPhase(rd, unseen)

	if len(rd.order) > 0 {
		state.metrics.LastUpdate = r.now()
	}
	return Result{
		NewMessages: rd.order,
		Permissions: rd.perms,
		HasChanges:  len(rd.order) > 0,
		Metrics:     state.metrics,
	}
}

// permissionPhase synthesizes permission messages for pending assistant-side
// approval requests not yet present on the timeline.
func (r *Reducer) permissionPhase(rd *reduction, agent *AgentState) {
	if agent == nil {
		return
	}
	for _, req := range agent.Requests {
		if _, ok := rd.state.toolIDToMessageID[req.ToolUseID]; ok {
			continue
		}
		createdAt := req.CreatedAt
		if createdAt.IsZero() {
			createdAt = r.now()
		}
		msg := &Message{
			ID:        NewID(),
			Kind:      KindPermission,
			Timestamp: createdAt,
			Permission: &PermissionInfo{
				ID:       req.ID,
				ToolName: req.ToolName,
				Input:    req.Input,
				Status:   PermissionPending,
			},
			Actions: defaultActions(),
		}
		rd.state.messages[msg.ID] = msg
		rd.state.toolIDToMessageID[req.ToolUseID] = msg.ID
		rd.state.pendingPermissions[req.ID] = &PermissionData{
			ToolName:  req.ToolName,
			ToolUseID: req.ToolUseID,
			Input:     req.Input,
			CreatedAt: createdAt,
			Status:    PermissionPending,
		}
		rd.state.metrics.MessagesProcessed++
		rd.markChanged(msg)
		rd.perms = append(rd.perms, msg)
	}
}

// textPhase emits user-text and agent-text messages for unseen records.
func (r *Reducer) textPhase(rd *reduction, unseen []RawMessage) {
	for _, raw := range unseen {
		switch raw.Role {
		case "user":
			content := firstText(raw)
			if content == "" {
				continue
			}
			if raw.LocalID != "" {
				if existing, ok := rd.state.localIDs[raw.LocalID]; ok {
					// Already have this client-side message; map the raw id
					// to it and move on.
					r.recordRawID(rd.state, raw.ID, existing)
					continue
				}
			}
			msg := &Message{
				ID:        NewID(),
				Kind:      KindUserText,
				Timestamp: r.timestamp(raw),
				Content:   content,
				LocalID:   raw.LocalID,
			}
			rd.state.messages[msg.ID] = msg
			if raw.LocalID != "" {
				rd.state.localIDs[raw.LocalID] = msg.ID
			}
			r.recordRawID(rd.state, raw.ID, msg.ID)
			r.trackSidechain(rd.state, raw, msg)
			rd.state.metrics.MessagesProcessed++
			rd.markChanged(msg)

		case "assistant":
			first := true
			for _, block := range raw.Content {
				if block.Type != "text" || block.Text == "" {
					continue
				}
				msg := &Message{
					ID:        NewID(),
					Kind:      KindAgentText,
					Timestamp: r.timestamp(raw),
					Content:   block.Text,
				}
				rd.state.messages[msg.ID] = msg
				if first {
					r.recordRawID(rd.state, raw.ID, msg.ID)
					first = false
				}
				r.trackSidechain(rd.state, raw, msg)
				rd.state.metrics.MessagesProcessed++
				rd.markChanged(msg)
			}
			if first {
				// No text blocks; mark the raw id seen so tool phases do not
				// reprocess it on the next overlapping batch.
				r.recordRawID(rd.state, raw.ID, "")
			}
		}
	}
}

// toolCallPhase materializes tool_use blocks. A pre-existing permission
// message for the same tool-use id is converted in place, preserving its
// message id; a tool-use id never maps to more than one message.
func (r *Reducer) toolCallPhase(rd *reduction, unseen []RawMessage) {
	for _, raw := range unseen {
		for i := range raw.Content {
			block := raw.Content[i]
			if block.Type != "tool_use" || block.ID == "" {
				continue
			}
			now := r.timestamp(raw)

			if msgID, ok := rd.state.toolIDToMessageID[block.ID]; ok {
				msg, ok := rd.state.messages[msgID]
				if !ok {
					continue
				}
				if msg.Kind != KindPermission {
					// First write wins; the tool call was already recorded.
					continue
				}
				// Convert the permission message into a tool-call in place.
				msg.Kind = KindToolCall
				msg.Tool = &ToolInfo{
					Name:      block.Name,
					State:     ToolRunning,
					Input:     block.Input,
					CreatedAt: now,
					StartedAt: &now,
				}
				msg.Actions = nil
				msg.Summary = r.formatter.ToolSummary(msg.Tool)
				rd.state.metrics.MessagesProcessed++
				rd.markChanged(msg)
				continue
			}

			msg := &Message{
				ID:        NewID(),
				Kind:      KindToolCall,
				Timestamp: now,
				Tool: &ToolInfo{
					Name:      block.Name,
					State:     ToolRunning,
					Input:     block.Input,
					CreatedAt: now,
					StartedAt: &now,
				},
			}

			if pd := rd.state.permissionByToolUseID(block.ID); pd != nil {
				msg.Permission = &PermissionInfo{
					ID:       permissionIDFor(rd.state, block.ID),
					ToolName: pd.ToolName,
					Input:    pd.Input,
					Status:   pd.Status,
					Decision: pd.Decision,
				}
			} else if r.gate(block.Name, block.Input) {
				// No assistant-side request, but policy says this tool must
				// not run unattended: synthesize a gate.
				permID := NewID()
				msg.Permission = &PermissionInfo{
					ID:       permID,
					ToolName: block.Name,
					Input:    block.Input,
					Status:   PermissionPending,
				}
				msg.Actions = defaultActions()
				rd.state.pendingPermissions[permID] = &PermissionData{
					ToolName:  block.Name,
					ToolUseID: block.ID,
					Input:     block.Input,
					CreatedAt: now,
					Status:    PermissionPending,
				}
				rd.perms = append(rd.perms, msg)
			}

			msg.Summary = r.formatter.ToolSummary(msg.Tool)
			rd.state.messages[msg.ID] = msg
			rd.state.toolIDToMessageID[block.ID] = msg.ID
			r.recordRawID(rd.state, raw.ID, msg.ID)
			r.trackSidechain(rd.state, raw, msg)
			rd.state.metrics.MessagesProcessed++
			rd.markChanged(msg)
		}
	}
}

// toolResultPhase applies tool_result blocks to their tool-call messages.
// Results referencing an unknown tool-use id are dropped without creating
// orphan messages.
func (r *Reducer) toolResultPhase(rd *reduction, unseen []RawMessage) {
	for _, raw := range unseen {
		for i := range raw.Content {
			block := raw.Content[i]
			if block.Type != "tool_result" || block.ToolUseID == "" {
				continue
			}
			msgID, ok := rd.state.toolIDToMessageID[block.ToolUseID]
			if !ok {
				rd.state.metrics.Errors++
				continue
			}
			msg, ok := rd.state.messages[msgID]
			if !ok || msg.Kind != KindToolCall || msg.Tool == nil {
				rd.state.metrics.Errors++
				continue
			}
			completedAt := r.timestamp(raw)
			if block.IsError {
				msg.Tool.State = ToolError
			} else {
				msg.Tool.State = ToolCompleted
			}
			msg.Tool.CompletedAt = &completedAt
			msg.Tool.Result = block.ResultText()
			msg.Summary = r.formatter.ToolSummary(msg.Tool)
			r.recordRawID(rd.state, raw.ID, msgID)
			rd.state.metrics.MessagesProcessed++
			rd.markChanged(msg)
		}
	}
}

// eventPhase emits event messages for system-role or event-typed records.
func (r *Reducer) eventPhase(rd *reduction, unseen []RawMessage) {
	for _, raw := range unseen {
		if raw.Role != "system" && raw.Type != "event" {
			continue
		}
		msg := &Message{
			ID:        NewID(),
			Kind:      KindEvent,
			Timestamp: r.timestamp(raw),
			Event: &EventInfo{
				Type:    normalizeEventType(raw.EventType),
				Data:    raw.EventData,
				Message: raw.Text,
			},
		}
		rd.state.messages[msg.ID] = msg
		r.recordRawID(rd.state, raw.ID, msg.ID)
		rd.state.metrics.MessagesProcessed++
		rd.markChanged(msg)
	}
}

// recordRawID marks a raw record as processed, keeping the first mapping.
func (r *Reducer) recordRawID(state *State, rawID, msgID string) {
	if rawID == "" {
		return
	}
	if existing, ok := state.messageIDs[rawID]; ok && existing != "" {
		return
	}
	state.messageIDs[rawID] = msgID
}

// trackSidechain appends a message to its parent tool's sub-conversation.
func (r *Reducer) trackSidechain(state *State, raw RawMessage, msg *Message) {
	if raw.ParentToolUseID == "" {
		return
	}
	state.sidechains[raw.ParentToolUseID] = append(state.sidechains[raw.ParentToolUseID], msg)
}

func (r *Reducer) timestamp(raw RawMessage) time.Time {
	if !raw.Timestamp.IsZero() {
		return raw.Timestamp
	}
	return r.now()
}

// firstText extracts the first text block of a record, falling back to the
// record's bare text field.
func firstText(raw RawMessage) string {
	for _, block := range raw.Content {
		if block.Type == "text" && block.Text != "" {
			return block.Text
		}
	}
	return raw.Text
}

// permissionByToolUseID finds the pending permission tracking a tool-use id.
func (s *State) permissionByToolUseID(toolUseID string) *PermissionData {
	for _, pd := range s.pendingPermissions {
		if pd.ToolUseID == toolUseID {
			return pd
		}
	}
	return nil
}

// permissionIDFor returns the permission id tracking a tool-use id.
func permissionIDFor(s *State, toolUseID string) string {
	for id, pd := range s.pendingPermissions {
		if pd.ToolUseID == toolUseID {
			return id
		}
	}
	return ""
}

// normalizeEventType maps raw event type strings onto the known set;
// unrecognized types default to ready.
func normalizeEventType(t string) EventType {
	switch EventType(t) {
	case EventModeSwitch, EventContextReset, EventCompaction, EventErr:
		return EventType(t)
	default:
		return EventReady
	}
}
