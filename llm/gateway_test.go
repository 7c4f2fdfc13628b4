package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastGatewayConfig() GatewayConfig {
	return GatewayConfig{
		MaxConcurrent: 2,
		MaxAttempts:   3,
		BaseDelay:     time.Millisecond,
		Factor:        2.0,
	}
}

func chatServer(t *testing.T, replies ...func(w http.ResponseWriter)) (*httptest.Server, *int) {
	t.Helper()
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		idx := calls
		if idx >= len(replies) {
			idx = len(replies) - 1
		}
		calls++
		replies[idx](w)
	}))
	return srv, &calls
}

func reply(content string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		fmt.Fprintf(w, `{"choices":[{"message":{"content":%q}}],"usage":{"total_tokens":10}}`, content)
	}
}

func replyStatus(status int) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.WriteHeader(status)
	}
}

func TestRunJSONSuccess(t *testing.T) {
	srv, _ := chatServer(t, reply(`{"should_notify":true,"report_text":"hello"}`))
	defer srv.Close()

	g := NewGateway(NewClient(srv.URL, "key", "m1"), nil, fastGatewayConfig())
	var out DecisionOutput
	err := g.RunJSON(context.Background(), "decision", "system", "user", &out)
	require.NoError(t, err)
	require.True(t, out.ShouldNotify)
	require.Equal(t, "hello", out.ReportText)
}

func TestRunJSONStripsFencesAndThinkBlocks(t *testing.T) {
	content := "<think>reasoning here</think>```json\n{\"should_notify\":false,\"report_text\":\"\"}\n```"
	srv, _ := chatServer(t, reply(content))
	defer srv.Close()

	g := NewGateway(NewClient(srv.URL, "key", "m1"), nil, fastGatewayConfig())
	var out DecisionOutput
	require.NoError(t, g.RunJSON(context.Background(), "decision", "s", "u", &out))
	require.False(t, out.ShouldNotify)
}

func TestRunJSONRetriesServerErrors(t *testing.T) {
	srv, calls := chatServer(t,
		replyStatus(http.StatusInternalServerError),
		replyStatus(http.StatusTooManyRequests),
		reply(`{"relevance":75,"summary":"useful"}`),
	)
	defer srv.Close()

	g := NewGateway(NewClient(srv.URL, "key", "m1"), nil, fastGatewayConfig())
	var out AnalysisOutput
	err := g.RunJSON(context.Background(), "analysis", "s", "u", &out)
	require.NoError(t, err)
	require.Equal(t, 3, *calls)
	require.Equal(t, 75.0, out.Relevance)
}

func TestRunJSONSchemaViolationRetried(t *testing.T) {
	srv, calls := chatServer(t,
		reply(`{"relevance":150,"summary":"out of range"}`),
		reply(`{"relevance":60,"summary":"ok"}`),
	)
	defer srv.Close()

	g := NewGateway(NewClient(srv.URL, "key", "m1"), nil, fastGatewayConfig())
	var out AnalysisOutput
	err := g.RunJSON(context.Background(), "analysis", "s", "u", &out)
	require.NoError(t, err)
	require.Equal(t, 2, *calls)
}

func TestRunJSONFailedAttemptLeavesNoStaleFields(t *testing.T) {
	srv, calls := chatServer(t,
		reply(`{"relevance":150,"summary":"out of range","key_fragments":"stale fragment"}`),
		reply(`{"relevance":40,"summary":"ok"}`),
	)
	defer srv.Close()

	g := NewGateway(NewClient(srv.URL, "key", "m1"), nil, fastGatewayConfig())
	var out AnalysisOutput
	err := g.RunJSON(context.Background(), "analysis", "s", "u", &out)
	require.NoError(t, err)
	require.Equal(t, 2, *calls)
	require.Equal(t, 40.0, out.Relevance)
	require.Empty(t, out.KeyFragments)
}

func TestRunJSONFailsFastOnAuthError(t *testing.T) {
	srv, calls := chatServer(t, replyStatus(http.StatusUnauthorized))
	defer srv.Close()

	g := NewGateway(NewClient(srv.URL, "key", "m1"), nil, fastGatewayConfig())
	var out DecisionOutput
	err := g.RunJSON(context.Background(), "decision", "s", "u", &out)
	require.Error(t, err)
	require.Equal(t, 1, *calls)
}

func TestRunJSONFallbackOnFinalAttempt(t *testing.T) {
	primary, primaryCalls := chatServer(t, replyStatus(http.StatusBadGateway))
	defer primary.Close()
	fallback, fallbackCalls := chatServer(t, reply(`{"queries":[{"query_text":"rag","source":"arxiv"}]}`))
	defer fallback.Close()

	g := NewGateway(
		NewClient(primary.URL, "key", "m1"),
		NewClient(fallback.URL, "key", "m2"),
		fastGatewayConfig(),
	)
	var out QueryPlan
	err := g.RunJSON(context.Background(), "strategy", "s", "u", &out)
	require.NoError(t, err)
	require.Equal(t, 2, *primaryCalls)
	require.Equal(t, 1, *fallbackCalls)
	require.Len(t, out.Queries, 1)
}

func TestRunJSONExhaustsAttempts(t *testing.T) {
	srv, calls := chatServer(t, replyStatus(http.StatusInternalServerError))
	defer srv.Close()

	g := NewGateway(NewClient(srv.URL, "key", "m1"), nil, fastGatewayConfig())
	var out DecisionOutput
	err := g.RunJSON(context.Background(), "decision", "s", "u", &out)
	require.Error(t, err)
	require.Equal(t, 3, *calls)
}

func TestRunJSONNotConfigured(t *testing.T) {
	g := NewGateway(NewClient("http://localhost:1", "", "m1"), nil, fastGatewayConfig())
	var out DecisionOutput
	err := g.RunJSON(context.Background(), "decision", "s", "u", &out)
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestQueryPlanValidation(t *testing.T) {
	srv, _ := chatServer(t,
		reply(`{"queries":[{"query_text":"rag","source":"bing"}]}`),
		reply(`{"queries":[{"query_text":"rag","source":"github"}]}`),
	)
	defer srv.Close()

	g := NewGateway(NewClient(srv.URL, "key", "m1"), nil, fastGatewayConfig())
	var out QueryPlan
	// Invalid source enum fails validation, second attempt passes.
	require.NoError(t, g.RunJSON(context.Background(), "strategy", "s", "u", &out))
	require.Equal(t, "github", out.Queries[0].Source)
}

func TestNormalizeBaseURL(t *testing.T) {
	require.Equal(t, "http://x", normalizeBaseURL("http://x/"))
	require.Equal(t, "http://x", normalizeBaseURL("http://x/chat/completions"))
	require.Equal(t, "http://x", normalizeBaseURL("http://x/chat/completions/"))
	require.Equal(t, "", normalizeBaseURL(""))
}

func TestStripFences(t *testing.T) {
	require.Equal(t, `{"a":1}`, StripFences("```json\n{\"a\":1}\n```"))
	require.Equal(t, `{"a":1}`, StripFences(`{"a":1}`))
	require.Equal(t, "after", StripThinkBlocks("<think>x</think>after"))
	require.Equal(t, "", StripThinkBlocks("<think>unclosed"))
}
