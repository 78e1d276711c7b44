package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// HTTPTransport streams line-delimited JSON events from the reasoning
// service over a single POST request.
type HTTPTransport struct {
	url    string
	apiKey string
	client *http.Client
}

var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport builds a transport from the AGENT_API_URL and
// AGENT_API_KEY environment variables.
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{
		url:    os.Getenv("AGENT_API_URL"),
		apiKey: os.Getenv("AGENT_API_KEY"),
		// No client-level timeout; the per-call context carries the deadline
		// and a stream legitimately stays open for many minutes.
		client: &http.Client{},
	}
}

// wireRequest is the JSON body sent to the service.
type wireRequest struct {
	Prompt         string            `json:"prompt"`
	Model          string            `json:"model,omitempty"`
	MaxTurns       int               `json:"max_turns"`
	MaxBudgetUSD   string            `json:"max_budget_usd"`
	TimeoutSecs    int               `json:"timeout_secs"`
	WorkDir        string            `json:"cwd,omitempty"`
	PermissionMode string            `json:"permission_mode"`
	Tools          []ToolDef         `json:"tools,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
}

func (t *HTTPTransport) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	body, err := json.Marshal(wireRequest{
		Prompt:         req.Directive,
		Model:          req.Model,
		MaxTurns:       req.MaxTurns,
		MaxBudgetUSD:   req.MaxBudgetUSD.String(),
		TimeoutSecs:    int(req.Timeout / time.Second),
		WorkDir:        req.WorkDir,
		PermissionMode: permissionAutoMode,
		Tools:          req.Tools,
		Env:            req.Env,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal agent request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url+"/v1/sessions/stream", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build agent request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("agent API error %d: %s", resp.StatusCode, string(b))
	}

	events := make(chan Event, 64)
	go t.consume(ctx, resp.Body, events)
	return events, nil
}

func (t *HTTPTransport) consume(ctx context.Context, body io.ReadCloser, events chan<- Event) {
	defer close(events)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	// Result events can carry large final outputs.
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			// A garbled line is reported but does not end the stream; the
			// terminal result event may still arrive intact.
			ev = Event{Type: "error", Error: fmt.Sprintf("malformed event: %v", err)}
		}

		select {
		case events <- ev:
		case <-ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		select {
		case events <- Event{Type: "error", Error: err.Error()}:
		default:
		}
	}
}
