package healthcheck

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestEvaluateHealthyPayload(t *testing.T) {
	payload := `{"status":"ok","chat":{"totalMessages":1,"rooms":1,"subscribers":0},"tasks":{"total":3,"byStatus":{"todo":1,"doing":1,"done":1}},"inbox":{"agents":1},"timestamp":123}`
	res := Evaluate([]byte(payload))
	if !res.OK || res.Status != "ok" || res.TasksTotal != 3 || res.ExitCode() != 0 {
		t.Fatalf("unexpected result %+v", res)
	}

	data, _ := json.Marshal(res)
	var out map[string]any
	_ = json.Unmarshal(data, &out)
	if out["ok"] != true || out["status"] != "ok" || out["tasks_total"] != float64(3) {
		t.Fatalf("unexpected json %s", data)
	}
	if _, ok := out["error"]; ok {
		t.Fatalf("healthy output must not carry an error: %s", data)
	}
}

func TestEvaluateUnhealthyPayload(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    string
	}{
		{"bad status", `{"status":"nope"}`, "status=nope"},
		{"missing status", `{}`, "status="},
		{"invalid json", `{"status":`, "invalid status payload"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := Evaluate([]byte(tc.payload))
			if res.OK || res.ExitCode() != 1 {
				t.Fatalf("expected failure, got %+v", res)
			}
			if !strings.Contains(res.Error, tc.want) {
				t.Fatalf("error %q does not contain %q", res.Error, tc.want)
			}
			data, _ := json.Marshal(res)
			if !strings.Contains(string(data), `"ok":false`) {
				t.Fatalf("unexpected json %s", data)
			}
		})
	}
}

func TestFetchQueriesStatusEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/status" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok","tasks":{"total":2}}`))
	}))
	defer srv.Close()

	body, err := Fetch(context.Background(), srv.Client(), srv.URL+"/", "secret")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res := Evaluate(body); !res.OK || res.TasksTotal != 2 {
		t.Fatalf("unexpected result %+v", res)
	}

	if _, err := Fetch(context.Background(), srv.Client(), srv.URL, ""); err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected 401 error, got %v", err)
	}
}
