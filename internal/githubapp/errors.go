package githubapp

import "fmt"

// NotInstalledError means the GitHub App is not installed in the requested
// repository. GitHub signals this with a 401 "Bad credentials" on the
// installation lookup instead of a 404, so callers must never treat that
// status as a credential problem.
type NotInstalledError struct {
	Repository string
	AppName    string
}

func (e *NotInstalledError) Error() string {
	return fmt.Sprintf("GitHub App %q is not installed in repository %q", e.AppName, e.Repository)
}

// APIError is returned when the installation lookup fails for any reason
// other than the app not being installed.
type APIError struct {
	StatusCode int
	Body       string
	wrapped    error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github api request failed: %d - %s", e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	return e.wrapped
}

// TokenMintError is returned when creating the installation access token fails.
type TokenMintError struct {
	StatusCode int
	Body       string
	wrapped    error
}

func (e *TokenMintError) Error() string {
	return fmt.Sprintf("creating installation access token failed: %d - %s", e.StatusCode, e.Body)
}

func (e *TokenMintError) Unwrap() error {
	return e.wrapped
}
