package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nevindra/slackseek"
	"github.com/nevindra/slackseek/search"
)

type fakeSearcher struct {
	calls []string
	resp  search.Response
	err   error
}

func (f *fakeSearcher) Search(_ context.Context, query string, _ search.Overrides) (search.Response, error) {
	f.calls = append(f.calls, query)
	if f.err != nil {
		return search.Response{}, f.err
	}
	return f.resp, nil
}

type fakeLister struct {
	channels []slackseek.Channel
}

func (f *fakeLister) ListChannels(context.Context) ([]slackseek.Channel, error) {
	return f.channels, nil
}

type fakeStats struct {
	stats slackseek.StoreStats
}

func (f *fakeStats) Stats(context.Context) (slackseek.StoreStats, error) {
	return f.stats, nil
}

type testServer struct {
	srv      *httptest.Server
	searcher *fakeSearcher
	mcp      *Server
}

func newTestServer(t *testing.T, opts ...ServerOption) *testServer {
	t.Helper()
	ring, _ := NewKeyring([]string{testKey})
	searcher := &fakeSearcher{
		resp: search.Response{
			Query: "deploy failure",
			Results: []search.Result{{
				ID:          "C1:1712345678.000100",
				Score:       0.91,
				ChannelName: "eng",
				UserName:    "jane",
				Text:        "the deploy failed on step 3",
			}},
			Total: 1,
		},
	}
	registry := NewRegistry()
	registry.Add(NewSearchTool(searcher))
	registry.Add(NewListChannelsTool(&fakeLister{channels: []slackseek.Channel{
		{ID: "C1", Name: "eng", IsMember: true},
	}}))
	registry.Add(NewStatsTool(&fakeStats{stats: slackseek.StoreStats{
		VectorCount: 42,
		Channels:    []string{"eng"},
	}}, nil))

	s := NewServer("slackseek", "test", ring, registry, opts...)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, searcher: searcher, mcp: s}
}

// post sends a JSON-RPC request and decodes the response body.
func (ts *testServer) post(t *testing.T, token, session string, body string) (*http.Response, response) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.srv.URL+"/mcp", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if session != "" {
		req.Header.Set(sessionHeader, session)
	}
	httpResp, err := ts.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer httpResp.Body.Close()

	var rpc response
	if httpResp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(httpResp.Body).Decode(&rpc); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return httpResp, rpc
}

// initialize performs the handshake and returns the session id.
func (ts *testServer) initialize(t *testing.T) string {
	t.Helper()
	httpResp, rpc := ts.post(t, testKey, "",
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"clientInfo":{"name":"test-client","version":"1.0"}}}`)
	if httpResp.StatusCode != http.StatusOK {
		t.Fatalf("initialize: status %d", httpResp.StatusCode)
	}
	if rpc.Error != nil {
		t.Fatalf("initialize: rpc error %+v", rpc.Error)
	}
	session := httpResp.Header.Get(sessionHeader)
	if session == "" {
		t.Fatal("initialize: no session header")
	}
	return session
}

func errorCode(t *testing.T, rpc response) int {
	t.Helper()
	if rpc.Error == nil {
		t.Fatalf("expected rpc error, got result %v", rpc.Result)
	}
	return rpc.Error.Code
}

func TestInitializeWithoutAuthIs401(t *testing.T) {
	ts := newTestServer(t)
	httpResp, _ := ts.post(t, "", "", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	if httpResp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", httpResp.StatusCode)
	}
	httpResp, _ = ts.post(t, "mcp_key_"+strings.Repeat("0", 48), "", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	if httpResp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key: status = %d, want 401", httpResp.StatusCode)
	}
}

func TestInitializeReturnsSession(t *testing.T) {
	ts := newTestServer(t)
	httpResp, rpc := ts.post(t, testKey, "",
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"clientInfo":{"name":"cli","version":"0.1"}}}`)
	if httpResp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", httpResp.StatusCode)
	}
	raw, _ := json.Marshal(rpc.Result)
	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatal(err)
	}
	if result.ProtocolVersion != protocolVersion {
		t.Errorf("protocolVersion = %q, want %q", result.ProtocolVersion, protocolVersion)
	}
	if result.SessionID == "" || result.SessionID != httpResp.Header.Get(sessionHeader) {
		t.Errorf("session id %q does not match header %q", result.SessionID, httpResp.Header.Get(sessionHeader))
	}
}

func TestUnauthenticatedMethodGetsProtocolError(t *testing.T) {
	ts := newTestServer(t)
	httpResp, rpc := ts.post(t, "", "", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	if httpResp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", httpResp.StatusCode)
	}
	if code := errorCode(t, rpc); code != errCodeAuth {
		t.Errorf("code = %d, want %d", code, errCodeAuth)
	}
}

func TestMissingSessionRejected(t *testing.T) {
	ts := newTestServer(t)
	_, rpc := ts.post(t, testKey, "", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	if code := errorCode(t, rpc); code != errCodeSessionInvalid {
		t.Errorf("no session: code = %d, want %d", code, errCodeSessionInvalid)
	}
	_, rpc = ts.post(t, testKey, "not-a-session", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	if code := errorCode(t, rpc); code != errCodeSessionInvalid {
		t.Errorf("bogus session: code = %d, want %d", code, errCodeSessionInvalid)
	}
}

func TestExpiredSessionRejected(t *testing.T) {
	ts := newTestServer(t)
	session := ts.initialize(t)

	// Jump the session table's clock past the TTL.
	ts.mcp.sessions.now = func() time.Time { return time.Now().Add(sessionTTL + time.Minute) }

	_, rpc := ts.post(t, testKey, session, `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`)
	if code := errorCode(t, rpc); code != errCodeSessionInvalid {
		t.Errorf("code = %d, want %d", code, errCodeSessionInvalid)
	}

	// Expiry is permanent: restoring the clock must not revive the session.
	ts.mcp.sessions.now = time.Now
	_, rpc = ts.post(t, testKey, session, `{"jsonrpc":"2.0","id":4,"method":"tools/list"}`)
	if code := errorCode(t, rpc); code != errCodeSessionInvalid {
		t.Errorf("after clock restore: code = %d, want %d", code, errCodeSessionInvalid)
	}
}

func TestToolsList(t *testing.T) {
	ts := newTestServer(t)
	session := ts.initialize(t)

	_, rpc := ts.post(t, testKey, session, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	if rpc.Error != nil {
		t.Fatalf("rpc error: %+v", rpc.Error)
	}
	raw, _ := json.Marshal(rpc.Result)
	var result toolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, d := range result.Tools {
		names = append(names, d.Name)
	}
	want := []string{"search_messages", "list_channels", "stats"}
	if fmt.Sprint(names) != fmt.Sprint(want) {
		t.Errorf("tools = %v, want %v", names, want)
	}
}

func TestSearchToolCall(t *testing.T) {
	ts := newTestServer(t)
	session := ts.initialize(t)

	_, rpc := ts.post(t, testKey, session,
		`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"search_messages","arguments":{"query":"deploy failure","top_k":5}}}`)
	if rpc.Error != nil {
		t.Fatalf("rpc error: %+v", rpc.Error)
	}
	raw, _ := json.Marshal(rpc.Result)
	var result ToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", result.Content[0].Text)
	}
	if len(result.Content) != 1 || result.Content[0].Type != "text" {
		t.Fatalf("content = %+v, want one text block", result.Content)
	}
	if !strings.Contains(result.Content[0].Text, "the deploy failed on step 3") {
		t.Errorf("result text missing hit: %s", result.Content[0].Text)
	}
	if len(ts.searcher.calls) != 1 || ts.searcher.calls[0] != "deploy failure" {
		t.Errorf("searcher calls = %v", ts.searcher.calls)
	}
}

func TestSearchToolSchemaViolations(t *testing.T) {
	ts := newTestServer(t)
	session := ts.initialize(t)

	longQuery := strings.Repeat("a", maxQueryLen+1)
	tests := []struct {
		name string
		args string
	}{
		{"missing query", `{}`},
		{"blank query", `{"query":"   "}`},
		{"overlong query", fmt.Sprintf(`{"query":%q}`, longQuery)},
		{"bad date", `{"query":"x","date_from":"03/01/2024"}`},
		{"non-object arguments", `"just a string"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := fmt.Sprintf(`{"jsonrpc":"2.0","id":6,"method":"tools/call","params":{"name":"search_messages","arguments":%s}}`, tt.args)
			_, rpc := ts.post(t, testKey, session, body)
			if code := errorCode(t, rpc); code != errCodeInvalidParams {
				t.Errorf("code = %d, want %d", code, errCodeInvalidParams)
			}
		})
	}
	if len(ts.searcher.calls) != 0 {
		t.Errorf("searcher reached on invalid arguments: %v", ts.searcher.calls)
	}
}

func TestUnknownToolIsMethodNotFound(t *testing.T) {
	ts := newTestServer(t)
	session := ts.initialize(t)

	_, rpc := ts.post(t, testKey, session,
		`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"delete_everything","arguments":{}}}`)
	if code := errorCode(t, rpc); code != errCodeMethodNotFound {
		t.Errorf("code = %d, want %d", code, errCodeMethodNotFound)
	}
	if rpc.Error.Message != "Method not found" {
		t.Errorf("message = %q", rpc.Error.Message)
	}
}

func TestUnknownMethodIsMethodNotFound(t *testing.T) {
	ts := newTestServer(t)
	session := ts.initialize(t)

	_, rpc := ts.post(t, testKey, session, `{"jsonrpc":"2.0","id":8,"method":"resources/list"}`)
	if code := errorCode(t, rpc); code != errCodeMethodNotFound {
		t.Errorf("code = %d, want %d", code, errCodeMethodNotFound)
	}
}

func TestPing(t *testing.T) {
	ts := newTestServer(t)
	session := ts.initialize(t)

	_, rpc := ts.post(t, testKey, session, `{"jsonrpc":"2.0","id":9,"method":"ping"}`)
	if rpc.Error != nil {
		t.Fatalf("rpc error: %+v", rpc.Error)
	}
}

func TestParseError(t *testing.T) {
	ts := newTestServer(t)
	_, rpc := ts.post(t, testKey, "", `{not json`)
	if code := errorCode(t, rpc); code != errCodeParse {
		t.Errorf("code = %d, want %d", code, errCodeParse)
	}
}

func TestNotJSONRPCRejected(t *testing.T) {
	ts := newTestServer(t)
	_, rpc := ts.post(t, testKey, "", `{"jsonrpc":"1.0","id":1,"method":"ping"}`)
	if code := errorCode(t, rpc); code != errCodeInvalidRequest {
		t.Errorf("code = %d, want %d", code, errCodeInvalidRequest)
	}
}

func TestSessionRateLimit(t *testing.T) {
	ts := newTestServer(t)
	session := ts.initialize(t)

	var limited bool
	for i := 0; i < sessionRatePerMinute+5; i++ {
		_, rpc := ts.post(t, testKey, session, `{"jsonrpc":"2.0","id":10,"method":"ping"}`)
		if rpc.Error != nil && rpc.Error.Code == errCodeInvalidRequest {
			limited = true
			break
		}
	}
	if !limited {
		t.Errorf("no rate limit error after %d requests", sessionRatePerMinute+5)
	}
}

func TestNotReadyGatesToolCalls(t *testing.T) {
	ts := newTestServer(t, WithReadyCheck(func() bool { return false }))
	session := ts.initialize(t)

	_, rpc := ts.post(t, testKey, session,
		`{"jsonrpc":"2.0","id":11,"method":"tools/call","params":{"name":"search_messages","arguments":{"query":"x"}}}`)
	if code := errorCode(t, rpc); code != errCodeNotReady {
		t.Errorf("code = %d, want %d", code, errCodeNotReady)
	}

	// tools/list still works while warming up.
	_, rpc = ts.post(t, testKey, session, `{"jsonrpc":"2.0","id":12,"method":"tools/list"}`)
	if rpc.Error != nil {
		t.Errorf("tools/list while not ready: %+v", rpc.Error)
	}
}

func TestUpstreamFailureIsProtocolError(t *testing.T) {
	ts := newTestServer(t)
	ts.searcher.err = slackseek.Errorf(slackseek.KindThrottled, "embedding provider rate limited")
	session := ts.initialize(t)

	_, rpc := ts.post(t, testKey, session,
		`{"jsonrpc":"2.0","id":13,"method":"tools/call","params":{"name":"search_messages","arguments":{"query":"x"}}}`)
	if code := errorCode(t, rpc); code != errCodeUpstream {
		t.Fatalf("code = %d, want %d", code, errCodeUpstream)
	}
	raw, _ := json.Marshal(rpc.Error.Data)
	var data upstreamErrorData
	if err := json.Unmarshal(raw, &data); err != nil {
		t.Fatal(err)
	}
	if !data.Retryable {
		t.Error("throttled upstream failure should be retryable")
	}
}

func TestAuthUpstreamFailureNotRetryable(t *testing.T) {
	ts := newTestServer(t)
	ts.searcher.err = slackseek.Errorf(slackseek.KindAuthUpstream, "embedding provider rejected api key")
	session := ts.initialize(t)

	_, rpc := ts.post(t, testKey, session,
		`{"jsonrpc":"2.0","id":14,"method":"tools/call","params":{"name":"search_messages","arguments":{"query":"x"}}}`)
	if code := errorCode(t, rpc); code != errCodeUpstream {
		t.Fatalf("code = %d, want %d", code, errCodeUpstream)
	}
	raw, _ := json.Marshal(rpc.Error.Data)
	var data upstreamErrorData
	if err := json.Unmarshal(raw, &data); err != nil {
		t.Fatal(err)
	}
	if data.Retryable {
		t.Error("auth failure must not be retryable")
	}
}

func TestListChannelsTool(t *testing.T) {
	ts := newTestServer(t)
	session := ts.initialize(t)

	_, rpc := ts.post(t, testKey, session,
		`{"jsonrpc":"2.0","id":15,"method":"tools/call","params":{"name":"list_channels","arguments":{}}}`)
	if rpc.Error != nil {
		t.Fatalf("rpc error: %+v", rpc.Error)
	}
	raw, _ := json.Marshal(rpc.Result)
	var result ToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result.Content[0].Text, `"eng"`) {
		t.Errorf("list_channels text missing channel: %s", result.Content[0].Text)
	}
}

func TestStatsTool(t *testing.T) {
	ts := newTestServer(t)
	session := ts.initialize(t)

	_, rpc := ts.post(t, testKey, session,
		`{"jsonrpc":"2.0","id":16,"method":"tools/call","params":{"name":"stats","arguments":{}}}`)
	if rpc.Error != nil {
		t.Fatalf("rpc error: %+v", rpc.Error)
	}
	raw, _ := json.Marshal(rpc.Result)
	var result ToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result.Content[0].Text, `"total_vectors": 42`) {
		t.Errorf("stats text = %s", result.Content[0].Text)
	}
}

func TestBodyTooLarge(t *testing.T) {
	ts := newTestServer(t)
	big := `{"jsonrpc":"2.0","id":1,"method":"ping","params":{"pad":"` + strings.Repeat("x", maxBodyBytes) + `"}}`
	httpResp, _ := ts.post(t, testKey, "", big)
	if httpResp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", httpResp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, WithCORSOrigins([]string{"https://app.example.com"}))
	req, _ := http.NewRequest(http.MethodOptions, ts.srv.URL+"/mcp", nil)
	req.Header.Set("Origin", "https://app.example.com")
	resp, err := ts.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("allow-origin = %q", got)
	}
}

func TestTopKClampedThroughTool(t *testing.T) {
	ts := newTestServer(t)
	session := ts.initialize(t)

	for _, topK := range []int{-3, 0, 7, 50, 500} {
		body := fmt.Sprintf(`{"jsonrpc":"2.0","id":17,"method":"tools/call","params":{"name":"search_messages","arguments":{"query":"x","top_k":%d}}}`, topK)
		_, rpc := ts.post(t, testKey, session, body)
		if rpc.Error != nil {
			t.Errorf("top_k=%d: unexpected error %+v", topK, rpc.Error)
		}
	}
}
