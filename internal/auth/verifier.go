package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// GitHub Actions OIDC trust anchor. The JWKS URL is fixed rather than derived
// from the token's 'iss' claim, so a forged issuer cannot redirect key lookup.
const (
	Issuer  = "https://token.actions.githubusercontent.com"
	JWKSURL = "https://token.actions.githubusercontent.com/.well-known/jwks"
)

const keyFetchTimeout = 10 * time.Second

// Verifier validates GitHub Actions OIDC tokens against the issuer's JWKS.
// The remote key set caches keys and refetches on unknown key IDs, so key
// rotation is handled without a fetch on every request.
type Verifier struct {
	issuer string
	keys   oidc.KeySet
}

// NewVerifier creates a Verifier bound to the GitHub Actions issuer.
// The context governs key fetches for the lifetime of the verifier.
func NewVerifier(ctx context.Context) *Verifier {
	ctx = oidc.ClientContext(ctx, &http.Client{Timeout: keyFetchTimeout})
	return newVerifier(Issuer, oidc.NewRemoteKeySet(ctx, JWKSURL))
}

func newVerifier(issuer string, keys oidc.KeySet) *Verifier {
	return &Verifier{
		issuer: issuer,
		keys:   keys,
	}
}

// Verify checks the token's signature against the issuer's key set and then
// validates the standard claims: expiry, audience and issuer. On success it
// returns the full decoded claim set. On failure it returns a
// *VerificationError carrying the failure kind; when several claims are
// invalid, expiry takes precedence over audience, and audience over issuer.
func (v *Verifier) Verify(ctx context.Context, rawToken, audience string) (map[string]any, error) {
	// Reject unexpected signing algorithms before touching the key set.
	unverified, _, err := jwt.NewParser().ParseUnverified(rawToken, jwt.MapClaims{})
	if err != nil {
		return nil, verificationError(FailureMalformed, "invalid OIDC token", err)
	}
	if _, ok := unverified.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, verificationError(FailureMalformed, "invalid OIDC token",
			fmt.Errorf("unexpected signing algorithm %q", unverified.Method.Alg()))
	}

	payload, err := v.keys.VerifySignature(ctx, rawToken)
	if err != nil {
		if isKeyFetchError(err) {
			return nil, verificationError(FailureUnreachable, "could not fetch OIDC signing keys", err)
		}
		return nil, verificationError(FailureMalformed, "invalid OIDC token", err)
	}

	var claims jwt.MapClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, verificationError(FailureMalformed, "invalid OIDC token", err)
	}

	validator := jwt.NewValidator(
		jwt.WithExpirationRequired(),
		jwt.WithAudience(audience),
		jwt.WithIssuer(v.issuer),
	)
	if err := validator.Validate(claims); err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, verificationError(FailureExpired, "OIDC token has expired", err)
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			return nil, verificationError(FailureInvalidAudience,
				fmt.Sprintf("invalid OIDC token audience, expected %q", audience), err)
		case errors.Is(err, jwt.ErrTokenInvalidIssuer):
			return nil, verificationError(FailureInvalidIssuer,
				fmt.Sprintf("invalid OIDC token issuer, expected %q", v.issuer), err)
		default:
			return nil, verificationError(FailureMalformed, "invalid OIDC token", err)
		}
	}

	return claims, nil
}

// isKeyFetchError reports whether the key set failed because the JWKS
// endpoint could not be reached. go-oidc does not wrap the underlying fetch
// error, so this has to match on the message.
func isKeyFetchError(err error) bool {
	return strings.Contains(err.Error(), "fetching keys")
}
