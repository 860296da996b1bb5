// Package websearch implements the web_search reference Tool: an HTTP
// fetch against a configurable search endpoint followed by goquery-based
// HTML-to-text scrubbing. It is the kernel.Router's default fallback target
// for both of its triggers (failure, low confidence), per spec.md §4.6.
package websearch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/relaykit/orchestrator/core"
	"github.com/relaykit/orchestrator/kernel"
)

const (
	defaultMaxBodyChars = 4000
	defaultTimeout      = 10 * time.Second
)

// Config parameterizes the Tool. Endpoint must accept the query as a
// single URL query parameter and return an HTML results page; QueryParam
// names that parameter (defaults to "q").
type Config struct {
	Endpoint      string
	QueryParam    string
	Timeout       time.Duration
	MaxBodyChars  int
	ResultSelector string // goquery selector scoping extraction, e.g. "body"
}

// Tool implements kernel.Tool by fetching Config.Endpoint with the step's
// query and scrubbing the HTML response down to visible text.
//
// Grounded on examples/news-tool/news_tool.go's http.Client construction
// (otelhttp-wrapped transport, bounded idle-connection pool, explicit
// timeout) generalized from a fixed third-party news API to a configurable
// search endpoint, since spec.md's Non-goals exclude "the vector store
// build pipeline" and any specific external search API but not the HTTP
// plumbing around one.
type Tool struct {
	name   string
	config Config
	client *http.Client
	logger core.Logger
}

// New constructs a websearch Tool named "web_search".
func New(name string, config Config, logger core.Logger) *Tool {
	if name == "" {
		name = "web_search"
	}
	if config.QueryParam == "" {
		config.QueryParam = "q"
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.MaxBodyChars <= 0 {
		config.MaxBodyChars = defaultMaxBodyChars
	}
	if config.ResultSelector == "" {
		config.ResultSelector = "body"
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("tool/" + name)
	}

	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 5,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Tool{
		name:   name,
		config: config,
		client: &http.Client{
			Transport: otelhttp.NewTransport(transport),
			Timeout:   config.Timeout,
		},
		logger: logger,
	}
}

// Name satisfies kernel.Tool.
func (t *Tool) Name() string { return t.name }

// Execute fetches t.config.Endpoint with step.Query and returns the page's
// scrubbed text. Tool output is untrusted external content — Guardrails,
// not this tool, is responsible for sanitizing it (spec.md §4.4).
func (t *Tool) Execute(ctx context.Context, step kernel.Step) kernel.ToolResponse {
	if t.config.Endpoint == "" {
		return kernel.NewErrorResponse(fmt.Errorf("websearch: no endpoint configured"))
	}

	reqURL, err := buildURL(t.config.Endpoint, t.config.QueryParam, step.Query)
	if err != nil {
		return kernel.NewErrorResponse(fmt.Errorf("websearch: build request url: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return kernel.NewErrorResponse(fmt.Errorf("websearch: build request: %w", err))
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return kernel.NewErrorResponse(fmt.Errorf("websearch: request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return kernel.NewErrorResponse(fmt.Errorf("websearch: unexpected status %d", resp.StatusCode))
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return kernel.NewErrorResponse(fmt.Errorf("websearch: parse response: %w", err))
	}

	text := extractText(doc, t.config.ResultSelector, t.config.MaxBodyChars)
	if text == "" {
		return kernel.NewErrorResponse(fmt.Errorf("websearch: no extractable text in response"))
	}

	t.logger.Debug("web_search fetched result", map[string]interface{}{
		"query":      step.Query,
		"endpoint":   t.config.Endpoint,
		"chars":      len(text),
	})

	return kernel.NewSuccessResponse(text)
}

func buildURL(endpoint, param, query string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(param, query)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// extractText collapses selector's matched elements to whitespace-joined
// visible text, truncated to maxChars to bound what Guardrails and the
// synthesis prompt later have to process.
func extractText(doc *goquery.Document, selector string, maxChars int) string {
	doc.Find("script, style").Remove()

	var b strings.Builder
	doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		text := strings.TrimSpace(sel.Text())
		if text == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(text)
	})

	fields := strings.Fields(b.String())
	collapsed := strings.Join(fields, " ")
	if len(collapsed) > maxChars {
		collapsed = collapsed[:maxChars]
	}
	return collapsed
}
