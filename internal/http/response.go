package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"sketchcredits/internal/services"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

var validate = validator.New()

// respondJSON writes payload as JSON with the given status.
func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, ErrorResponse{Error: err.Error()})
}

// respondErrorWithLog logs the cause and hides it from the client.
func respondErrorWithLog(w http.ResponseWriter, r *http.Request, status int, err error) {
	reqID := middleware.GetReqID(r.Context())
	log.Printf("[ERROR] [%s] %s %s: %v", reqID, r.Method, r.URL.Path, err)
	respondError(w, status, errors.New("internal server error"))
}

// decodeJSON decodes and validates a request body. Failures wrap ErrInvalidRequest.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", services.ErrInvalidRequest, err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", services.ErrInvalidRequest, err)
	}
	return nil
}
