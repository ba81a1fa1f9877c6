package release

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// HeadSource tells which commit is currently deployed to production.
type HeadSource interface {
	Head(ctx context.Context) (string, error)
}

// URLHeadSource reads the version endpoint of the production build. The
// body starts with "commit <sha>", anything after the sha is ignored.
type URLHeadSource struct {
	URL    string
	Client *http.Client
}

func (u *URLHeadSource) Head(ctx context.Context) (string, error) {
	client := u.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.URL, nil)
	if err != nil {
		return "", errors.Wrapf(err, "building request for %s", u.URL)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "fetching deployed sha from %s", u.URL)
	}
	defer resp.Body.Close() // nolint: errcheck
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("fetching deployed sha from %s: status %d", u.URL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", errors.Wrapf(err, "reading %s", u.URL)
	}
	return ParseVersion(string(body))
}

// ParseVersion extracts the sha from a "commit <sha> ..." version string.
func ParseVersion(body string) (string, error) {
	fields := strings.Fields(strings.TrimPrefix(strings.TrimSpace(body), "commit "))
	if len(fields) == 0 {
		return "", errors.Errorf("no sha in version %q", body)
	}
	return fields[0], nil
}

// BranchHeadGetter returns the sha a branch points at.
type BranchHeadGetter interface {
	BranchHead(ctx context.Context, branch string) (string, error)
}

// BranchHeadSource treats the head of a branch as deployed.
type BranchHeadSource struct {
	GitHub BranchHeadGetter
	Branch string
}

func (b *BranchHeadSource) Head(ctx context.Context) (string, error) {
	return b.GitHub.BranchHead(ctx, b.Branch)
}
