package server

import (
	"errors"
	"net/http"

	"github.com/jonathan/cicd-control/internal/db"
	"github.com/jonathan/cicd-control/internal/engine"
	"github.com/jonathan/cicd-control/internal/ingest"
)

// HTTPStatus maps the error taxonomy onto response codes: missing records
// are 404, illegal state transitions 409, signature failures 401, payload
// problems 400, everything else 500.
func HTTPStatus(err error) int {
	var verr *ingest.ValidationError
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, db.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ingest.ErrBadSignature):
		return http.StatusUnauthorized
	case errors.Is(err, ingest.ErrMalformedPayload):
		return http.StatusBadRequest
	case errors.As(err, &verr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
