package presenter

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/mattmorgis/github-token-exchange/internal/api/middleware"
	"github.com/mattmorgis/github-token-exchange/internal/service"
)

type ErrorResponse struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlation_id"`
}

func JSON(w http.ResponseWriter, r *http.Request, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("failed to write json response")
	}
}

func Error(w http.ResponseWriter, r *http.Request, msg string, status int) {
	resp := ErrorResponse{
		Error:         msg,
		CorrelationID: middleware.CorrelationCtx(r.Context()),
	}
	JSON(w, r, resp, status)
}

// Err writes err as an error response. Only the sanitized message of an
// *service.HTTPError reaches the body; anything else gets a generic 500.
func Err(w http.ResponseWriter, r *http.Request, err error) {
	var httpErr *service.HTTPError
	if errors.As(err, &httpErr) {
		Error(w, r, httpErr.Message, httpErr.StatusCode)
		return
	}
	Error(w, r, "internal server error", http.StatusInternalServerError)
}
