package githubapp

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v80/github"
	"github.com/rs/zerolog/log"
)

// GitHub protocol constants for app JWTs: the issued-at is backdated to
// tolerate clock skew against GitHub's verifier, and ten minutes is the
// maximum lifetime GitHub accepts.
const (
	assertionBackdate = 60 * time.Second
	assertionLifetime = 10 * time.Minute
)

const apiTimeout = 10 * time.Second

// Options configures a Broker.
type Options struct {
	// AppName is the GitHub App display name, used in diagnostics only.
	AppName string

	// ClientID is the GitHub App client ID, used as the 'iss' claim of the
	// self-signed app JWT.
	ClientID string

	// PrivateKey is the GitHub App private key in PEM format.
	PrivateKey []byte

	// BaseURL optionally points the broker at a GitHub Enterprise server.
	// Empty means github.com.
	BaseURL string
}

// Broker exchanges a repository name for a GitHub App installation access
// token. Every call performs a fresh exchange: a new self-signed app JWT,
// a fresh installation lookup, a newly minted token. Nothing is cached.
type Broker struct {
	appName  string
	clientID string
	key      *rsa.PrivateKey
	baseURL  string
}

// New parses the private key and returns a ready Broker.
func New(opts Options) (*Broker, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(opts.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parsing github app private key: %w", err)
	}
	return &Broker{
		appName:  opts.AppName,
		clientID: opts.ClientID,
		key:      key,
		baseURL:  opts.BaseURL,
	}, nil
}

// Exchange resolves the installation of the app in the given repository
// ("owner/repo") and mints an installation access token for it. The two
// GitHub calls are authenticated with a single app JWT minted at the start
// of the call, well within its validity window.
func (b *Broker) Exchange(ctx context.Context, repository string) (string, error) {
	logger := log.Ctx(ctx)

	owner, repo, ok := strings.Cut(repository, "/")
	if !ok || owner == "" || repo == "" {
		return "", fmt.Errorf("invalid repository %q, expected owner/repo", repository)
	}

	client, err := b.newAppClient()
	if err != nil {
		return "", err
	}

	installation, _, err := client.Apps.FindRepositoryInstallation(ctx, owner, repo)
	if err != nil {
		var ghErr *github.ErrorResponse
		if errors.As(err, &ghErr) && ghErr.Response != nil {
			// GitHub answers 401 "Bad credentials" when the app JWT is valid
			// but the app is not installed in the repository.
			if ghErr.Response.StatusCode == http.StatusUnauthorized {
				return "", &NotInstalledError{Repository: repository, AppName: b.appName}
			}
			return "", &APIError{StatusCode: ghErr.Response.StatusCode, Body: ghErr.Message, wrapped: err}
		}
		return "", &APIError{Body: err.Error(), wrapped: err}
	}
	logger.Debug().
		Str("repository", repository).
		Int64("installation_id", installation.GetID()).
		Msg("resolved app installation")

	token, _, err := client.Apps.CreateInstallationToken(ctx, installation.GetID(), nil)
	if err != nil {
		var ghErr *github.ErrorResponse
		if errors.As(err, &ghErr) && ghErr.Response != nil {
			return "", &TokenMintError{StatusCode: ghErr.Response.StatusCode, Body: ghErr.Message, wrapped: err}
		}
		return "", &TokenMintError{Body: err.Error(), wrapped: err}
	}
	logger.Debug().
		Time("expires_at", token.GetExpiresAt().Time).
		Msg("minted installation access token")

	return token.GetToken(), nil
}

// newAppClient mints a fresh app JWT and returns a GitHub client
// authenticated with it.
func (b *Broker) newAppClient() (*github.Client, error) {
	assertion, err := b.mintAssertion(time.Now())
	if err != nil {
		return nil, fmt.Errorf("signing github app jwt: %w", err)
	}

	client := github.NewClient(&http.Client{Timeout: apiTimeout}).WithAuthToken(assertion)
	if b.baseURL != "" {
		// we don't interact with uploads, so just use the same URL for both.
		client, err = client.WithEnterpriseURLs(b.baseURL, b.baseURL)
		if err != nil {
			return nil, fmt.Errorf("creating github enterprise client: %w", err)
		}
	}
	return client, nil
}

func (b *Broker) mintAssertion(now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iat": now.Add(-assertionBackdate).Unix(),
		"exp": now.Add(assertionLifetime).Unix(),
		"iss": b.clientID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(b.key)
}
