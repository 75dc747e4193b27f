package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/mattmorgis/github-token-exchange/internal/auth"
	"github.com/mattmorgis/github-token-exchange/internal/config"
	"github.com/mattmorgis/github-token-exchange/internal/githubapp"
)

// repositoryClaim names the repository ("owner/repo") a GitHub Actions OIDC
// token was issued for.
const repositoryClaim = "repository"

// TokenVerifier validates an inbound OIDC token and returns its claims.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken, audience string) (map[string]any, error)
}

// TokenBroker exchanges a repository name for an installation access token.
type TokenBroker interface {
	Exchange(ctx context.Context, repository string) (string, error)
}

// ExchangeService runs the full token exchange: verify the inbound OIDC
// token, extract the repository claim, and broker an installation access
// token for it. All failures come back as *HTTPError with a sanitized
// message; the raw cause is logged here and never crosses the HTTP boundary.
type ExchangeService struct {
	cfg      *config.Config
	verifier TokenVerifier
	broker   TokenBroker
}

func NewExchangeService(cfg *config.Config, verifier TokenVerifier, broker TokenBroker) *ExchangeService {
	return &ExchangeService{
		cfg:      cfg,
		verifier: verifier,
		broker:   broker,
	}
}

// Exchange validates rawToken and mints an installation access token for the
// repository it was issued to.
func (s *ExchangeService) Exchange(ctx context.Context, rawToken string) (string, error) {
	logger := log.Ctx(ctx)

	// Configuration is checked per request so a misconfigured process
	// answers with a proper error before any cryptographic or network work.
	if err := s.cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("service misconfigured")
		return "", httpError(http.StatusInternalServerError, err.Error(), err)
	}

	claims, err := s.verifier.Verify(ctx, rawToken, s.cfg.AllowedAudience)
	if err != nil {
		var verr *auth.VerificationError
		if errors.As(err, &verr) {
			logger.Warn().Err(err).Stringer("kind", verr.Kind).Msg("token verification failed")
			if verr.Kind == auth.FailureUnreachable {
				return "", httpError(http.StatusInternalServerError, verr.Reason, err)
			}
			return "", httpError(http.StatusUnauthorized, verr.Reason, err)
		}
		logger.Error().Err(err).Msg("token verification failed unexpectedly")
		return "", httpError(http.StatusInternalServerError, genericInternalMessage, err)
	}

	repository, _ := claims[repositoryClaim].(string)
	if repository == "" {
		logger.Warn().Msg("verified token missing repository claim")
		return "", httpError(http.StatusUnauthorized,
			"OIDC token missing required repository information",
			fmt.Errorf("missing %q claim", repositoryClaim))
	}
	logger.Debug().Str("repository", repository).Msg("verified OIDC token")

	token, err := s.broker.Exchange(ctx, repository)
	if err != nil {
		return "", s.brokerError(ctx, err)
	}

	logger.Info().Str("repository", repository).Msg("token exchange succeeded")
	return token, nil
}

const (
	genericInternalMessage = "internal server error occurred during token exchange"
	genericGitHubMessage   = "failed to communicate with GitHub API"
)

func (s *ExchangeService) brokerError(ctx context.Context, err error) *HTTPError {
	logger := log.Ctx(ctx)

	var notInstalled *githubapp.NotInstalledError
	if errors.As(err, &notInstalled) {
		logger.Warn().
			Str("repository", notInstalled.Repository).
			Str("app", notInstalled.AppName).
			Msg("app not installed in repository")
		// The message identifies the repository and app on purpose, so CI
		// jobs can tell a missing installation from a credential problem.
		return httpError(http.StatusForbidden, notInstalled.Error(), err)
	}

	var apiErr *githubapp.APIError
	if errors.As(err, &apiErr) {
		logger.Error().Err(err).Int("status", apiErr.StatusCode).Msg("installation lookup failed")
		return httpError(http.StatusInternalServerError, genericGitHubMessage, err)
	}

	var mintErr *githubapp.TokenMintError
	if errors.As(err, &mintErr) {
		logger.Error().Err(err).Int("status", mintErr.StatusCode).Msg("token mint failed")
		return httpError(http.StatusInternalServerError, genericGitHubMessage, err)
	}

	logger.Error().Err(err).Msg("token exchange failed unexpectedly")
	return httpError(http.StatusInternalServerError, genericInternalMessage, err)
}
