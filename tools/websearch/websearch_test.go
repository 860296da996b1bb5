package websearch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/relaykit/orchestrator/kernel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTool_Name(t *testing.T) {
	tool := New("", Config{}, nil)
	assert.Equal(t, "web_search", tool.Name())
}

func TestTool_ExecuteExtractsVisibleText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "RAG overview", r.URL.Query().Get("q"))
		fmt.Fprint(w, `<html><body><script>ignored();</script><h1>Result</h1><p>Retrieval augmented generation explained.</p></body></html>`)
	}))
	defer server.Close()

	tool := New("web_search", Config{Endpoint: server.URL}, nil)
	resp := tool.Execute(context.Background(), kernel.Step{Tool: "web_search", Query: "RAG overview"})

	require.True(t, resp.IsSuccess())
	require.NotNil(t, resp.Data)
	assert.Contains(t, *resp.Data, "Retrieval augmented generation explained")
}

func TestTool_ExecuteFailsWithNoEndpointConfigured(t *testing.T) {
	tool := New("web_search", Config{}, nil)
	resp := tool.Execute(context.Background(), kernel.Step{Tool: "web_search", Query: "x"})

	require.False(t, resp.IsSuccess())
	assert.Contains(t, resp.Metadata[kernel.MetaError], "no endpoint configured")
}

func TestTool_ExecuteFailsOnNonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	tool := New("web_search", Config{Endpoint: server.URL}, nil)
	resp := tool.Execute(context.Background(), kernel.Step{Tool: "web_search", Query: "x"})

	require.False(t, resp.IsSuccess())
	assert.Contains(t, resp.Metadata[kernel.MetaError], "unexpected status")
}

func TestTool_ExecuteFailsOnEmptyExtractedText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>   </body></html>`)
	}))
	defer server.Close()

	tool := New("web_search", Config{Endpoint: server.URL}, nil)
	resp := tool.Execute(context.Background(), kernel.Step{Tool: "web_search", Query: "x"})

	require.False(t, resp.IsSuccess())
	assert.Contains(t, resp.Metadata[kernel.MetaError], "no extractable text")
}

func TestTool_ExecuteTruncatesToMaxBodyChars(t *testing.T) {
	longText := strings.Repeat("word ", 100)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><body><p>%s</p></body></html>`, longText)
	}))
	defer server.Close()

	tool := New("web_search", Config{Endpoint: server.URL, MaxBodyChars: 20}, nil)
	resp := tool.Execute(context.Background(), kernel.Step{Tool: "web_search", Query: "x"})

	require.True(t, resp.IsSuccess())
	assert.LessOrEqual(t, len(*resp.Data), 20)
}

func TestTool_ExecuteTimesOutOnSlowEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		fmt.Fprint(w, `<html><body>too slow</body></html>`)
	}))
	defer server.Close()

	tool := New("web_search", Config{Endpoint: server.URL, Timeout: 10 * time.Millisecond}, nil)
	resp := tool.Execute(context.Background(), kernel.Step{Tool: "web_search", Query: "x"})

	require.False(t, resp.IsSuccess())
}

func TestTool_ExecuteUsesConfiguredQueryParam(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "weather", r.URL.Query().Get("search"))
		fmt.Fprint(w, `<html><body><p>sunny</p></body></html>`)
	}))
	defer server.Close()

	tool := New("web_search", Config{Endpoint: server.URL, QueryParam: "search"}, nil)
	resp := tool.Execute(context.Background(), kernel.Step{Tool: "web_search", Query: "weather"})

	require.True(t, resp.IsSuccess())
}
