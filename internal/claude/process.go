package claude

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"

	"github.com/google/uuid"
	"github.com/zulandar/switchboard/internal/relay"
)

// Process runs the agent CLI as a child process speaking line-delimited JSON
// on stdin/stdout. One Process serves one conversation stream; the
// conversation id is attached to every emitted event.
type Process struct {
	conversationID string
	cmd            *exec.Cmd
	stdin          io.WriteCloser
	events         chan RawEvent

	mu     sync.Mutex
	closed bool
}

// ProcessOpts holds parameters for starting a Process transport.
type ProcessOpts struct {
	Command        string   // agent binary, e.g. "claude"
	Args           []string // e.g. --output-format stream-json
	Dir            string   // working directory (the project path)
	ConversationID string
}

// inboundLine is the envelope of one stdout line from the agent.
type inboundLine struct {
	Type     string             `json:"type"`
	Messages []relay.RawMessage `json:"messages,omitempty"`
	Message  *relay.RawMessage  `json:"message,omitempty"`
	Agent    *relay.AgentState  `json:"agentState,omitempty"`
}

// outboundLine is the envelope of one stdin line to the agent.
type outboundLine struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
	Content        string `json:"content,omitempty"`
	Choice         string `json:"choice,omitempty"`
}

// StartProcess launches the agent process and begins pumping its output.
func StartProcess(ctx context.Context, opts ProcessOpts) (*Process, error) {
	if opts.Command == "" {
		return nil, fmt.Errorf("claude: command is required")
	}

	cmd := exec.CommandContext(ctx, opts.Command, opts.Args...)
	cmd.Dir = opts.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("claude: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("claude: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("claude: start %s: %w", opts.Command, err)
	}

	p := &Process{
		conversationID: opts.ConversationID,
		cmd:            cmd,
		stdin:          stdin,
		events:         make(chan RawEvent, 64),
	}
	go p.pump(stdout)
	return p, nil
}

// pump reads stdout lines until EOF. Malformed lines are dropped and logged;
// the stream continues.
func (p *Process) pump(stdout io.Reader) {
	defer close(p.events)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var in inboundLine
		if err := json.Unmarshal(line, &in); err != nil {
			log.Printf("claude: malformed stream line dropped: %v", err)
			continue
		}
		ev := RawEvent{ConversationID: p.conversationID, Agent: in.Agent}
		if in.Message != nil {
			ev.Messages = append(ev.Messages, *in.Message)
		}
		ev.Messages = append(ev.Messages, in.Messages...)
		if len(ev.Messages) == 0 && ev.Agent == nil {
			continue
		}
		p.events <- ev
	}
	if err := scanner.Err(); err != nil {
		log.Printf("claude: stream read: %v", err)
	}
}

// Send forwards a user message as one stdin line.
func (p *Process) Send(ctx context.Context, conversationID, projectPath, message string) (string, error) {
	id := uuid.NewString()
	err := p.writeLine(outboundLine{
		Type:           "user",
		ConversationID: conversationID,
		MessageID:      id,
		Content:        message,
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// RespondPermission forwards an approve/deny decision.
func (p *Process) RespondPermission(ctx context.Context, conversationID, choice string) error {
	return p.writeLine(outboundLine{
		Type:           "permission_response",
		ConversationID: conversationID,
		Choice:         choice,
	})
}

// Events streams raw agent output batches. The channel closes when the
// process exits.
func (p *Process) Events() <-chan RawEvent { return p.events }

// Close shuts the agent down by closing stdin, then waits for exit.
func (p *Process) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.stdin.Close()
	if err := p.cmd.Wait(); err != nil {
		return fmt.Errorf("claude: wait: %w", err)
	}
	return nil
}

func (p *Process) writeLine(out outboundLine) error {
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("claude: marshal %s line: %w", out.Type, err)
	}
	data = append(data, '\n')

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("claude: transport closed")
	}
	if _, err := p.stdin.Write(data); err != nil {
		return fmt.Errorf("claude: write %s line: %w", out.Type, err)
	}
	return nil
}
