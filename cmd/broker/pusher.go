package main

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/kadirpekel/devicebroker/pkg/httpclient"
)

// httpPusher implements task.Pusher over httpclient.Client, retried
// with the SmartRetry strategy the way the teacher's chat-completion
// calls are, per spec.md §4.3's push delivery retry policy (base 1s,
// cap 60s).
type httpPusher struct {
	client *httpclient.Client
}

func newHTTPPusher() *httpPusher {
	client := httpclient.New(
		httpclient.WithMaxRetries(5),
		httpclient.WithBaseDelay(time.Second),
		httpclient.WithMaxDelay(60*time.Second),
		httpclient.WithRetryStrategy(func(status int) httpclient.RetryStrategy {
			if status >= 500 || status == http.StatusTooManyRequests {
				return httpclient.SmartRetry
			}
			return httpclient.NoRetry
		}),
	)
	return &httpPusher{client: client}
}

func (p *httpPusher) Push(ctx context.Context, callbackURL, bearerToken string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+bearerToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
