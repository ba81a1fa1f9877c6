package github

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/pkg/errors"
)

// AppTransport authenticates requests as a GitHub App installation.
type AppTransport = ghinstallation.Transport

// NewAppTransport reads the app's private key from keyPath and returns a
// transport that signs requests with installation tokens.
func NewAppTransport(hostname string, appID int64, installationID int64, keyPath string) (*AppTransport, error) {
	key, err := os.ReadFile(keyPath) // nolint: gosec
	if err != nil {
		return nil, errors.Wrapf(err, "reading github app private key %s", keyPath)
	}
	return NewAppTransportFromKey(hostname, appID, installationID, key)
}

// NewAppTransportFromKey is like NewAppTransport with the PEM encoded key
// already in memory.
func NewAppTransportFromKey(hostname string, appID int64, installationID int64, key []byte) (*AppTransport, error) {
	itr, err := ghinstallation.New(http.DefaultTransport, appID, installationID, key)
	if err != nil {
		return nil, errors.Wrap(err, "parsing github app private key")
	}
	if hostname != "" && hostname != "github.com" {
		itr.BaseURL = fmt.Sprintf("https://%s/api/v3", hostname)
	}
	return itr, nil
}

// InstallationToken exchanges the app credentials for an installation
// token. It is used at startup to find out whether check runs can be
// created at all.
func InstallationToken(ctx context.Context, itr *AppTransport) (string, error) {
	token, err := itr.Token(ctx)
	if err != nil {
		return "", errors.Wrap(err, "acquiring installation token")
	}
	return token, nil
}

// TokenChecker asks for an installation token on demand. The transport
// caches tokens until they expire, so repeated checks are cheap.
type TokenChecker struct {
	Transport *AppTransport
}

// CheckToken returns an error if no installation token can be obtained.
func (t *TokenChecker) CheckToken(ctx context.Context) error {
	_, err := InstallationToken(ctx, t.Transport)
	return err
}
