package observability

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	sentryhttpclient "github.com/getsentry/sentry-go/httpclient"
)

// NewHTTPClient returns a client that opens a Sentry span per request and
// propagates trace headers only to the hosts of upstreamURLs. Every call made
// with it is bounded by timeout.
func NewHTTPClient(timeout time.Duration, upstreamURLs ...string) *http.Client {
	client := &http.Client{
		Transport: sentryhttpclient.NewSentryRoundTripper(
			http.DefaultTransport,
			sentryhttpclient.WithTracePropagationTargets(PropagationTargets(upstreamURLs...)),
		),
	}
	if timeout > 0 {
		client.Timeout = timeout
	}
	return client
}

// PropagationTargets returns the distinct hosts of rawURLs.
func PropagationTargets(rawURLs ...string) []string {
	targets := make([]string, 0, len(rawURLs))
	seen := map[string]struct{}{}
	for _, raw := range rawURLs {
		parsed, err := url.Parse(strings.TrimSpace(raw))
		if err != nil {
			continue
		}
		host := strings.ToLower(parsed.Hostname())
		if host == "" {
			continue
		}
		if _, ok := seen[host]; ok {
			continue
		}
		seen[host] = struct{}{}
		targets = append(targets, host)
	}
	return targets
}
