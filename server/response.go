package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"tidbyt.dev/bustime"
)

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) sendResponse(w http.ResponseWriter, response interface{}) {
	w.Header().Set("Content-Type", "application/json")

	jsonData, err := json.Marshal(response)
	if err != nil {
		s.Logger.Error("marshaling response", "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Write(jsonData)
}

func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	jsonData, err := json.Marshal(errorResponse{Error: message})
	if err != nil {
		s.Logger.Error("marshaling error response", "err", err)
		return
	}

	w.Write(jsonData)
}

// Returns the status code err maps to.
func statusCode(err error) int {
	var validationErr *bustime.ValidationError

	// Config and upstream failures fall through to 500.
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) sendError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusCode(err)
	if code >= 500 {
		var upstreamErr *bustime.UpstreamError
		s.Logger.Warn(
			"request failed",
			"path", r.URL.Path,
			"status", code,
			"upstream", errors.As(err, &upstreamErr),
			"err", err,
		)
	}
	s.sendErrorResponse(w, code, err.Error())
}
