package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/llmgateway/gateway/internal/registry"
)

type registerRequest struct {
	Name               string `json:"name"`
	PublicKey          string `json:"publicKey"`
	SignatureAlgorithm string `json:"signatureAlgorithm"`
}

type registerResponse struct {
	ClientID string `json:"clientId"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// handleRegister implements the registration HTTP endpoint (§6.3): it
// validates the request and delegates to the Client Registry (C1), mapping
// its typed errors onto the documented status codes.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
		return
	}
	if req.Name == "" || req.PublicKey == "" {
		writeJSONError(w, http.StatusBadRequest, "name and publicKey are required", "missing_parameters")
		return
	}

	algorithm := req.SignatureAlgorithm
	if algorithm == "" {
		algorithm = s.cfg.DefaultSignatureAlgorithm
	}
	id, err := s.registry.Register(req.Name, req.PublicKey, algorithm)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrInvalidPublicKey):
			writeJSONError(w, http.StatusBadRequest, err.Error(), "invalid_public_key")
		case errors.Is(err, registry.ErrUnsupportedAlgorithm):
			writeJSONError(w, http.StatusBadRequest, err.Error(), "unsupported_algorithm")
		case errors.Is(err, registry.ErrDuplicateName):
			writeJSONError(w, http.StatusBadRequest, err.Error(), "duplicate_name")
		case errors.Is(err, registry.ErrDuplicateKey):
			writeJSONError(w, http.StatusBadRequest, err.Error(), "duplicate_key")
		default:
			s.logger.Error().Err(err).Msg("registration persistence failure")
			writeJSONError(w, http.StatusInternalServerError, "failed to persist client", "server_error")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(registerResponse{ClientID: id})
}

func writeJSONError(w http.ResponseWriter, status int, msg, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: msg, Code: code})
}
