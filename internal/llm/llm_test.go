package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestParseJSONDirect(t *testing.T) {
	result, err := ParseJSON(`{"title": "hello"}`)
	if err != nil {
		t.Fatalf("ParseJSON returned error: %v", err)
	}
	if result.Strategy != "direct" {
		t.Errorf("expected direct strategy, got %s", result.Strategy)
	}
}

func TestParseJSONMarkdownBlock(t *testing.T) {
	text := "Here is the result:\n```json\n{\"title\": \"hello\"}\n```\nHope that helps."
	result, err := ParseJSON(text)
	if err != nil {
		t.Fatalf("ParseJSON returned error: %v", err)
	}
	if result.Strategy != "markdown_block" {
		t.Errorf("expected markdown_block strategy, got %s", result.Strategy)
	}
}

func TestParseJSONBraceMatchIgnoresStringBraces(t *testing.T) {
	text := `some preamble { "title": "a } b", "count": 2 } trailing text`
	result, err := ParseJSON(text)
	if err != nil {
		t.Fatalf("ParseJSON returned error: %v", err)
	}
	if result.Strategy != "brace_match" {
		t.Errorf("expected brace_match strategy, got %s", result.Strategy)
	}
	var decoded struct {
		Title string `json:"title"`
		Count int    `json:"count"`
	}
	if err := unmarshalRaw(result, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded.Title != "a } b" || decoded.Count != 2 {
		t.Errorf("unexpected decoded value: %+v", decoded)
	}
}

func TestParseJSONRepairTrailingComma(t *testing.T) {
	text := `{"title": "hello", "tags": ["a", "b",],}`
	result, err := ParseJSON(text)
	if err != nil {
		t.Fatalf("ParseJSON returned error: %v", err)
	}
	if result.Strategy != "repair" {
		t.Errorf("expected repair strategy, got %s", result.Strategy)
	}
}

func TestParseJSONFailsOnGarbage(t *testing.T) {
	if _, err := ParseJSON("not json at all, just prose"); err == nil {
		t.Fatalf("expected error for unparseable text")
	}
}

func unmarshalRaw(r ParseResult, v any) error {
	return json.Unmarshal(r.Raw, v)
}

func TestPingSucceedsOnReachableServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, 1)
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("expected Ping to succeed, got %v", err)
	}
}

func TestPingFailsOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, 1)
	if err := c.Ping(context.Background()); err == nil {
		t.Error("expected Ping to fail on 503")
	}
}

func TestPingFailsWhenUnreachable(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", time.Millisecond*50, 1)
	if err := c.Ping(context.Background()); err == nil {
		t.Error("expected Ping to fail against an unreachable host")
	}
}
