// Package healthcheck evaluates the /api/v1/status payload for scripts and
// container health checks.
package healthcheck

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// StatusPayload is served by GET /api/v1/status.
type StatusPayload struct {
	Status    string     `json:"status"`
	Chat      ChatStatus `json:"chat"`
	Tasks     TaskStatus `json:"tasks"`
	Inbox     InboxState `json:"inbox"`
	Timestamp int64      `json:"timestamp"`
}

type ChatStatus struct {
	TotalMessages int `json:"totalMessages"`
	Rooms         int `json:"rooms"`
	Subscribers   int `json:"subscribers"`
}

type TaskStatus struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"byStatus"`
}

type InboxState struct {
	Agents int `json:"agents"`
}

// Result is the healthcheck output. OK is true only for status "ok".
type Result struct {
	OK         bool   `json:"ok"`
	Status     string `json:"status,omitempty"`
	TasksTotal int    `json:"tasks_total"`
	Error      string `json:"error,omitempty"`
}

// ExitCode maps the result to the process exit status.
func (r Result) ExitCode() int {
	if r.OK {
		return 0
	}
	return 1
}

// String renders the human-readable form.
func (r Result) String() string {
	if r.OK {
		return fmt.Sprintf("ok status=%s tasks_total=%d", r.Status, r.TasksTotal)
	}
	return "FAIL " + r.Error
}

// Evaluate decodes data and checks its status.
func Evaluate(data []byte) Result {
	var p StatusPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return Result{OK: false, Error: fmt.Sprintf("invalid status payload: %v", err)}
	}
	res := Result{Status: p.Status, TasksTotal: p.Tasks.Total}
	if p.Status != "ok" {
		res.Error = fmt.Sprintf("unhealthy: status=%s", p.Status)
		return res
	}
	res.OK = true
	return res
}

// Fetch reads the status payload from a running gateway. baseURL may be the
// gateway root or the full status URL.
func Fetch(ctx context.Context, client *http.Client, baseURL, authToken string) ([]byte, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	url := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if !strings.HasSuffix(url, "/api/v1/status") {
		url += "/api/v1/status"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("query %s: http %d: %s", url, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
