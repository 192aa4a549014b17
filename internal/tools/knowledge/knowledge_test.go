package knowledge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestTool_Execute(t *testing.T) {
	var got matchRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/similarity_match" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response":[{"text":"first passage"},{"text":"second passage"}]}`))
	}))
	defer server.Close()

	tool, err := New(Config{URL: server.URL + "/"}, "asst-1")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	result, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"refund policy"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result != "first passage\n\nsecond passage\n\n" {
		t.Fatalf("Execute() = %q", result)
	}
	want := matchRequest{Text: "refund policy", CollectionName: "asst-1", TopK: 10, TopR: 5}
	if got != want {
		t.Fatalf("request = %+v, want %+v", got, want)
	}
}

func TestTool_ExecuteErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "collection missing", http.StatusNotFound)
	}))
	defer server.Close()

	tool, err := New(Config{URL: server.URL}, "asst-1")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tests := []struct {
		name    string
		params  string
		wantErr string
	}{
		{name: "upstream status", params: `{"query":"x"}`, wantErr: "status 404"},
		{name: "blank query", params: `{"query":"  "}`, wantErr: "query is required"},
		{name: "malformed", params: `{`, wantErr: "decode arguments"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tool.Execute(context.Background(), json.RawMessage(tt.params))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Execute() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{}, "asst-1"); err == nil {
		t.Fatal("expected error without url")
	}
	if _, err := New(Config{URL: "http://db"}, ""); err == nil {
		t.Fatal("expected error without assistant id")
	}
}
