// Package health polls staging servers for readiness.
package health

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/pkg/errors"
)

// Poller checks whether the staging server behind url is serving.
type Poller interface {
	Poll(ctx context.Context, url string) error
}

// UnhealthyError is returned when the server answered with a status code
// outside the 2xx and 3xx range.
type UnhealthyError struct {
	URL        string
	StatusCode int
}

func (e *UnhealthyError) Error() string {
	return fmt.Sprintf("%s responded with %d", e.URL, e.StatusCode)
}

// IsUnhealthy returns true if err means the server responded but is not
// ready yet, as opposed to being unreachable.
func IsUnhealthy(err error) bool {
	var u *UnhealthyError
	return errors.As(err, &u)
}

// HTTPPoller issues a single GET per poll. Redirects are not followed: a
// redirect from the staging app already means it is up.
type HTTPPoller struct {
	Client *http.Client
}

// NewHTTPPoller returns a poller using its own client that never follows
// redirects.
func NewHTTPPoller() *HTTPPoller {
	return &HTTPPoller{
		Client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (p *HTTPPoller) Poll(ctx context.Context, url string) error {
	if url == "" {
		return errors.New("no check url configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrapf(err, "building request for %s", url)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "polling %s", url)
	}
	defer resp.Body.Close() // nolint: errcheck
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return &UnhealthyError{URL: url, StatusCode: resp.StatusCode}
	}
	return nil
}
