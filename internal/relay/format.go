package relay

import (
	"fmt"
	"sort"
	"strings"
)

// Platform message size tiers. Short-tier platforms (Discord, WhatsApp) cap
// messages around 2000 characters; long-tier platforms (Slack, Feishu) allow
// roughly double that.
const (
	ShortMessageLimit = 2000
	LongMessageLimit  = 4000
)

// PlatformLimit returns the maximum message length for a platform tag.
func PlatformLimit(platform string) int {
	switch platform {
	case "slack", "feishu":
		return LongMessageLimit
	default:
		return ShortMessageLimit
	}
}

// pluginSeparator marks plugin-style tool names (e.g. "mcp__github__search").
const pluginSeparator = "__"

// IsPluginTool reports whether a tool name follows the plugin naming scheme.
func IsPluginTool(name string) bool {
	return strings.Contains(name, pluginSeparator)
}

// ToolFormatter renders one tool's invocations for chat. Every tool-aware
// operation resolves its formatter through the same exact → plugin → default
// chain.
type ToolFormatter interface {
	// Summary is the one-line rendering used on the timeline.
	Summary(t *ToolInfo) string
	// Detail is the expanded rendering used by the full-output command.
	Detail(t *ToolInfo) string
	// KeyInfo extracts the most relevant input value (path, command, query).
	KeyInfo(t *ToolInfo) string
	// MaxOutputLength overrides the platform truncation limit; 0 keeps it.
	MaxOutputLength() int
}

// ChatFormatter renders typed messages to platform-appropriate text.
type ChatFormatter struct {
	registry map[string]ToolFormatter
	plugin   ToolFormatter
	fallback ToolFormatter
}

// NewChatFormatter creates a ChatFormatter with the built-in tool formatters
// registered.
func NewChatFormatter() *ChatFormatter {
	f := &ChatFormatter{
		registry: make(map[string]ToolFormatter),
		plugin:   pluginToolFormatter{},
		fallback: defaultToolFormatter{},
	}
	f.Register("Bash", commandToolFormatter{})
	f.Register("Read", fileToolFormatter{verb: "Read"})
	f.Register("Write", fileToolFormatter{verb: "Write"})
	f.Register("Edit", fileToolFormatter{verb: "Edit"})
	f.Register("Grep", searchToolFormatter{})
	f.Register("Glob", searchToolFormatter{})
	return f
}

// Register installs a formatter for an exact tool name.
func (f *ChatFormatter) Register(name string, tf ToolFormatter) {
	f.registry[name] = tf
}

// resolve walks the exact → plugin → default chain for a tool name.
func (f *ChatFormatter) resolve(name string) ToolFormatter {
	if tf, ok := f.registry[name]; ok {
		return tf
	}
	if IsPluginTool(name) {
		return f.plugin
	}
	return f.fallback
}

// ToolSummary renders the one-line summary for a tool payload.
func (f *ChatFormatter) ToolSummary(t *ToolInfo) string {
	if t == nil {
		return ""
	}
	return f.resolve(t.Name).Summary(t)
}

// ToolDetail renders the expanded view of a tool payload.
func (f *ChatFormatter) ToolDetail(t *ToolInfo) string {
	if t == nil {
		return ""
	}
	return f.resolve(t.Name).Detail(t)
}

// FormatMessage renders one message for a platform. The returned string is
// truncated to the effective limit for the platform (or the tool formatter's
// override when smaller).
func (f *ChatFormatter) FormatMessage(msg *Message, platform string) string {
	limit := PlatformLimit(platform)
	var text string

	switch msg.Kind {
	case KindUserText:
		text = fmt.Sprintf("👤 %s", msg.Content)
	case KindAgentText:
		text = msg.Content
	case KindToolCall:
		text = f.formatToolCall(msg)
		if msg.Tool != nil {
			if max := f.resolve(msg.Tool.Name).MaxOutputLength(); max > 0 && max < limit {
				limit = max
			}
		}
	case KindToolResult:
		status := "✓"
		if msg.IsError {
			status = "✗"
		}
		text = fmt.Sprintf("%s %s: %s", status, msg.ToolName, msg.Result)
	case KindPermission:
		text = f.formatPermission(msg)
	case KindEvent:
		text = formatEvent(msg.Event)
	case KindError:
		if msg.Error != nil {
			text = fmt.Sprintf("⚠️ %s", msg.Error.Message)
		}
	}

	return Truncate(text, limit)
}

// formatToolCall renders a tool-call message with its lifecycle state.
func (f *ChatFormatter) formatToolCall(msg *Message) string {
	if msg.Tool == nil {
		return ""
	}
	summary := msg.Summary
	if summary == "" {
		summary = f.ToolSummary(msg.Tool)
	}
	switch msg.Tool.State {
	case ToolCompleted:
		line := fmt.Sprintf("✓ %s", summary)
		if msg.Tool.Result != "" {
			line += "\n" + msg.Tool.Result
		}
		return line
	case ToolError:
		line := fmt.Sprintf("✗ %s", summary)
		if msg.Tool.Result != "" {
			line += "\n" + msg.Tool.Result
		}
		return line
	default:
		if msg.Permission != nil && msg.Permission.Status == PermissionPending {
			return fmt.Sprintf("🔒 %s (awaiting approval)", summary)
		}
		return fmt.Sprintf("⏳ %s", summary)
	}
}

// formatPermission renders a permission request with its offered actions.
func (f *ChatFormatter) formatPermission(msg *Message) string {
	if msg.Permission == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🔐 Permission requested: %s", msg.Permission.ToolName)
	if key := f.resolve(msg.Permission.ToolName).KeyInfo(&ToolInfo{
		Name:  msg.Permission.ToolName,
		Input: msg.Permission.Input,
	}); key != "" {
		fmt.Fprintf(&b, "\n%s", key)
	}
	for _, a := range msg.Actions {
		fmt.Fprintf(&b, "\n%s → %s", a.Label, a.Command)
	}
	return b.String()
}

// formatEvent renders a system event message.
func formatEvent(e *EventInfo) string {
	if e == nil {
		return ""
	}
	label := map[EventType]string{
		EventReady:        "Assistant ready",
		EventModeSwitch:   "Mode switched",
		EventContextReset: "Context reset",
		EventCompaction:   "Context compacted",
		EventErr:          "Assistant error",
	}[e.Type]
	if e.Message != "" {
		return fmt.Sprintf("ℹ️ %s: %s", label, e.Message)
	}
	return fmt.Sprintf("ℹ️ %s", label)
}

// FormatMessagesForChat renders a list of messages and batches them under the
// platform limit. Formatted strings accumulate into the current batch
// separated by a blank line; when appending the next string would exceed the
// limit, the batch is flushed and a new one starts. Message order is
// preserved across chunks, and no chunk exceeds the limit as long as no
// single formatted message does.
func (f *ChatFormatter) FormatMessagesForChat(msgs []*Message, platform string) []string {
	limit := PlatformLimit(platform)

	var chunks []string
	var batch strings.Builder
	for _, msg := range msgs {
		next := f.FormatMessage(msg, platform)
		if next == "" {
			continue
		}
		if batch.Len() > 0 && batch.Len()+len("\n\n")+len(next) > limit {
			chunks = append(chunks, batch.String())
			batch.Reset()
		}
		if batch.Len() > 0 {
			batch.WriteString("\n\n")
		}
		batch.WriteString(next)
	}
	if batch.Len() > 0 {
		chunks = append(chunks, batch.String())
	}
	return chunks
}

// Truncate cuts s to limit−3 characters with a trailing ellipsis when it
// exceeds limit.
func Truncate(s string, limit int) string {
	if limit <= 3 || len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

// --- built-in tool formatters ---

// commandToolFormatter renders shell-style tools on their command input.
type commandToolFormatter struct{}

func (commandToolFormatter) Summary(t *ToolInfo) string {
	if cmd := stringInput(t, "command"); cmd != "" {
		return fmt.Sprintf("%s: `%s`", t.Name, firstLine(cmd))
	}
	return t.Name
}

func (f commandToolFormatter) Detail(t *ToolInfo) string {
	return detailWithResult(f.Summary(t), t)
}

func (commandToolFormatter) KeyInfo(t *ToolInfo) string {
	return stringInput(t, "command")
}

func (commandToolFormatter) MaxOutputLength() int { return 0 }

// fileToolFormatter renders file-oriented tools on their path input.
type fileToolFormatter struct {
	verb string
}

func (f fileToolFormatter) Summary(t *ToolInfo) string {
	if path := stringInput(t, "file_path"); path != "" {
		return fmt.Sprintf("%s %s", f.verb, path)
	}
	return t.Name
}

func (f fileToolFormatter) Detail(t *ToolInfo) string {
	return detailWithResult(f.Summary(t), t)
}

func (fileToolFormatter) KeyInfo(t *ToolInfo) string {
	return stringInput(t, "file_path")
}

func (fileToolFormatter) MaxOutputLength() int { return 0 }

// searchToolFormatter renders search tools on their pattern input.
type searchToolFormatter struct{}

func (searchToolFormatter) Summary(t *ToolInfo) string {
	if pattern := stringInput(t, "pattern"); pattern != "" {
		return fmt.Sprintf("%s: %s", t.Name, pattern)
	}
	return t.Name
}

func (f searchToolFormatter) Detail(t *ToolInfo) string {
	return detailWithResult(f.Summary(t), t)
}

func (searchToolFormatter) KeyInfo(t *ToolInfo) string {
	return stringInput(t, "pattern")
}

func (searchToolFormatter) MaxOutputLength() int { return 0 }

// pluginToolFormatter renders plugin-style tools by their trailing name
// segment.
type pluginToolFormatter struct{}

func (pluginToolFormatter) Summary(t *ToolInfo) string {
	parts := strings.Split(t.Name, pluginSeparator)
	short := parts[len(parts)-1]
	if key := compactInput(t); key != "" {
		return fmt.Sprintf("%s (%s)", short, key)
	}
	return short
}

func (f pluginToolFormatter) Detail(t *ToolInfo) string {
	return detailWithResult(f.Summary(t), t)
}

func (pluginToolFormatter) KeyInfo(t *ToolInfo) string {
	return compactInput(t)
}

// Plugin tools often return large structured payloads; keep them terse.
func (pluginToolFormatter) MaxOutputLength() int { return 800 }

// defaultToolFormatter is the last tier of the resolution chain.
type defaultToolFormatter struct{}

func (defaultToolFormatter) Summary(t *ToolInfo) string {
	if key := compactInput(t); key != "" {
		return fmt.Sprintf("%s (%s)", t.Name, key)
	}
	return t.Name
}

func (f defaultToolFormatter) Detail(t *ToolInfo) string {
	return detailWithResult(f.Summary(t), t)
}

func (defaultToolFormatter) KeyInfo(t *ToolInfo) string {
	return compactInput(t)
}

func (defaultToolFormatter) MaxOutputLength() int { return 0 }

// --- shared helpers ---

func stringInput(t *ToolInfo, key string) string {
	if t == nil || t.Input == nil {
		return ""
	}
	if v, ok := t.Input[key].(string); ok {
		return v
	}
	return ""
}

// compactInput renders tool input as a short, user-facing key=value string
// rather than raw JSON.
func compactInput(t *ToolInfo) string {
	if t == nil || len(t.Input) == 0 {
		return ""
	}
	keys := make([]string, 0, len(t.Input))
	for k := range t.Input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		if s, ok := t.Input[k].(string); ok && s != "" {
			parts = append(parts, fmt.Sprintf("%s=%s", k, firstLine(s)))
		}
		if len(parts) == 2 {
			break
		}
	}
	return strings.Join(parts, ", ")
}

func detailWithResult(summary string, t *ToolInfo) string {
	if t.Result == "" {
		return summary
	}
	return summary + "\n" + t.Result
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
