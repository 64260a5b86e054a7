package safety

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/temporal-agent/scheduler/internal/apperr"
)

var errRedirectBlocked = errors.New("RedirectBlocked: redirect following is disabled")

// SendResult is the outcome of a SecureSend call.
type SendResult struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// SecureSend re-validates the URL immediately before issuing the request,
// closing the DNS-rebinding window between registration-time validation and
// dispatch time. It pins the connection to the first resolved safe IP while
// preserving the original hostname in the Host header, disables redirect
// following, and honors a per-request timeout.
func SecureSend(ctx context.Context, method, rawURL string, headers map[string]string, body []byte, opt Options, timeout time.Duration) (*SendResult, error) {
	u, safeIP, err := ValidateURL(rawURL, opt)
	if err != nil {
		return nil, err
	}

	pinned := *u
	originalHost := u.Hostname()
	port := u.Port()
	if safeIP != nil {
		if port != "" {
			pinned.Host = net.JoinHostPort(safeIP.String(), port)
		} else {
			pinned.Host = safeIP.String()
		}
	}

	var redirectTarget string
	client := &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			redirectTarget = req.URL.String()
			return errRedirectBlocked
		},
	}

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = strings.NewReader(string(body))
	}

	req, err := http.NewRequestWithContext(ctx, method, pinned.String(), bodyReader)
	if err != nil {
		return nil, apperr.Wrap(apperr.UrlRejected, "failed to build request", err)
	}
	req.Host = originalHost
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, errRedirectBlocked) {
			return nil, apperr.New(apperr.UrlRejected, "RedirectBlocked: webhook target issued a redirect to "+redirectTarget)
		}
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return nil, apperr.New(apperr.Timeout, "Timeout: request exceeded the configured timeout")
		}
		return nil, apperr.Wrap(apperr.CallbackFailure, "request failed", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		location := resp.Header.Get("Location")
		if location == "" {
			location = "(no Location header)"
		}
		return nil, apperr.New(apperr.UrlRejected, "RedirectBlocked: received a 3xx response redirecting to "+location)
	}

	return &SendResult{StatusCode: resp.StatusCode, Body: respBody, Header: resp.Header}, nil
}
