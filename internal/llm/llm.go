// Package llm is the client for the local text-generation service every
// LLM-backed component (classifier, summariser, entity extractor,
// synthesiser) calls through. It owns two concerns: sending a prompt and
// getting text back with bounded retry, and recovering a JSON value from
// whatever that text turns out to actually look like.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"newsbrief/internal/core"
)

// trailingCommaRe matches a comma immediately followed (ignoring whitespace)
// by a closing brace or bracket, the most common local-model JSON defect.
var trailingCommaRe = regexp.MustCompile(`,(\s*[}\]])`)

// Sentinel errors for the LLM boundary, compared with errors.Is by callers
// that need to distinguish "try the fallback" from "something is broken."
var (
	ErrLLMUnavailable = errors.New("llm: unavailable")
	ErrLLMTimeout     = errors.New("llm: timeout")
	ErrLLMBadResponse = errors.New("llm: bad response")
)

// Client talks to a local Ollama-compatible text-generation endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
}

// NewClient builds a Client against baseURL (e.g. http://localhost:11434),
// with requestTimeout applied per attempt and maxRetries total attempts.
func NewClient(baseURL string, requestTimeout time.Duration, maxRetries int) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: requestTimeout},
		maxRetries: maxRetries,
	}
}

type generateRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature"`
	Stream      bool    `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Complete sends prompt to model and returns the generated text, making up
// to maxRetries attempts in total with exponential backoff (100ms * 2^attempt)
// between them. Network errors, per-attempt timeouts, 5xx responses, and
// unreadable, undecodable or empty response bodies are retried. A 400 (bad
// prompt), 404 (model not found) or other non-200 status, or cancellation of
// ctx, short-circuits without retry.
func (c *Client) Complete(ctx context.Context, prompt, model string, temperature float64) (string, error) {
	reqBody, err := json.Marshal(generateRequest{
		Model:       model,
		Prompt:      prompt,
		Temperature: temperature,
		Stream:      false,
	})
	if err != nil {
		return "", fmt.Errorf("marshal llm request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := 100 * time.Millisecond * time.Duration(1<<uint(attempt))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %v", ErrLLMTimeout, ctx.Err())
			}
		}

		text, terminal, err := c.doComplete(ctx, reqBody)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if terminal {
			break
		}
	}
	return "", lastErr
}

// doComplete performs one HTTP attempt. terminal=true means retrying would
// not help (bad request, model not found, or context cancellation).
func (c *Client) doComplete(ctx context.Context, reqBody []byte) (text string, terminal bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(reqBody))
	if err != nil {
		return "", true, fmt.Errorf("build llm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", true, fmt.Errorf("%w: %v", ErrLLMTimeout, err)
		}
		return "", false, fmt.Errorf("%w: %v", ErrLLMUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false, fmt.Errorf("%w: read response body: %v", ErrLLMBadResponse, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadRequest:
		return "", true, fmt.Errorf("%w: status %d: %s", ErrLLMBadResponse, resp.StatusCode, string(body))
	case resp.StatusCode >= 500:
		return "", false, fmt.Errorf("%w: status %d", ErrLLMUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", true, fmt.Errorf("%w: status %d: %s", ErrLLMBadResponse, resp.StatusCode, string(body))
	}

	var out generateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", false, fmt.Errorf("%w: unmarshal response: %v", ErrLLMBadResponse, err)
	}
	if out.Response == "" {
		return "", false, fmt.Errorf("%w: empty response text", ErrLLMBadResponse)
	}
	return out.Response, false, nil
}

// Ping checks that the text-generation endpoint is reachable, for the
// /ollamaz readiness surface. It does not exercise a model.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("build ping request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLLMUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrLLMUnavailable, resp.StatusCode)
	}
	return nil
}

// ParseResult is the outcome of recovering a JSON value from raw LLM text:
// the strategy that worked, alongside the raw bytes for the caller to
// json.Unmarshal into their own target type.
type ParseResult struct {
	Strategy core.ParseStrategy
	Raw      json.RawMessage
}

// ParseJSON runs the four-tier recovery chain from direct parsing through
// brace-matching to light repair, returning the first strategy that yields
// valid JSON.
func ParseJSON(text string) (ParseResult, error) {
	strategies := []struct {
		name core.ParseStrategy
		fn   func(string) (string, bool)
	}{
		{core.ParseDirect, tryDirect},
		{core.ParseMarkdownBlock, tryMarkdownBlock},
		{core.ParseBraceMatch, tryBraceMatch},
		{core.ParseRepair, tryRepair},
	}

	for _, s := range strategies {
		if candidate, ok := s.fn(text); ok {
			var raw json.RawMessage
			if err := json.Unmarshal([]byte(candidate), &raw); err == nil {
				return ParseResult{Strategy: s.name, Raw: raw}, nil
			}
		}
	}
	return ParseResult{}, fmt.Errorf("%w: no strategy recovered valid json", ErrLLMBadResponse)
}

// tryDirect succeeds when the entire trimmed text is already valid JSON.
func tryDirect(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", false
	}
	return trimmed, json.Valid([]byte(trimmed))
}

// tryMarkdownBlock extracts the contents of a ```json ... ``` or ``` ... ```
// fenced block, the most common way local models wrap structured output.
func tryMarkdownBlock(text string) (string, bool) {
	start := strings.Index(text, "```")
	if start == -1 {
		return "", false
	}
	rest := text[start+3:]
	if idx := strings.IndexByte(rest, '\n'); idx != -1 {
		firstLine := strings.TrimSpace(rest[:idx])
		if firstLine == "json" || firstLine == "" {
			rest = rest[idx+1:]
		}
	}
	end := strings.Index(rest, "```")
	if end == -1 {
		return "", false
	}
	candidate := strings.TrimSpace(rest[:end])
	return candidate, candidate != ""
}

// tryBraceMatch scans for the first balanced {...} span, tracking whether
// each byte is inside a string literal so that braces quoted in string
// values never throw the brace count off.
func tryBraceMatch(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start == -1 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// tryRepair fixes the handful of malformations local models commonly emit:
// trailing commas before a closing bracket, and single-quoted keys/values.
func tryRepair(text string) (string, bool) {
	candidate, ok := tryBraceMatch(text)
	if !ok {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return "", false
		}
		candidate = trimmed
	}

	repaired := trailingCommaRe.ReplaceAllString(candidate, "$1")
	repaired = strings.ReplaceAll(repaired, "'", "\"")
	return repaired, repaired != ""
}
