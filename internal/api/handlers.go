package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/mattmorgis/github-token-exchange/internal/api/presenter"
	"github.com/mattmorgis/github-token-exchange/internal/buildinfo"
)

type ExchangePayload struct {
	// OIDCToken is the GitHub Actions OIDC token to exchange.
	OIDCToken string `json:"oidc_token"`
}

type ExchangeResponse struct {
	// Token is the minted GitHub App installation access token.
	Token string `json:"token"`
}

func DecodePayload(r *http.Request, dest any, allowEmpty bool) error {
	switch r.Header.Get("Content-Type") {
	case "application/json", "":
		// strict encoding for JSON
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(dest); err != nil {
			if !errors.Is(err, io.EOF) || !allowEmpty {
				return err
			}
		}
		// ensure there's no extra data
		if dec.More() {
			return errors.New("extra data in request body")
		}
		return nil
	default:
		return errors.New("unsupported content type")
	}
}

// handleExchange processes token exchange requests.
func (s *Server) handleExchange(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.Ctx(ctx)

	var payload ExchangePayload
	if err := DecodePayload(r, &payload, false); err != nil {
		logger.Warn().Err(err).Msg("failed to decode exchange request payload")
		presenter.Error(w, r, "invalid request payload", http.StatusBadRequest)
		return
	}
	if payload.OIDCToken == "" {
		logger.Warn().Msg("exchange request missing oidc_token")
		presenter.Error(w, r, "missing oidc_token", http.StatusBadRequest)
		return
	}

	token, err := s.exchanger.Exchange(ctx, payload.OIDCToken)
	if err != nil {
		presenter.Err(w, r, err)
		return
	}

	presenter.JSON(w, r, ExchangeResponse{Token: token}, http.StatusOK)
}

// handleHealth responds with a simple OK status to indicate the server is healthy.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleAbout responds with service information including version and commit hash.
func (s *Server) handleAbout(w http.ResponseWriter, r *http.Request) {
	presenter.JSON(w, r, buildinfo.GetBuildInfo(), http.StatusOK)
}
