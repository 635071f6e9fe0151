package node

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/tap-rsvp/tap-node/pkg/errs"
)

// HTTPHandlers exposes the node's inbound DIDComm endpoint over plain
// net/http, matching the hand-rolled ServeMux style this codebase uses for
// every other HTTP surface.
type HTTPHandlers struct {
	node *Node
}

func NewHTTPHandlers(n *Node) *HTTPHandlers {
	return &HTTPHandlers{node: n}
}

// HandleDIDCommMessage handles POST /didcomm, accepting a packed envelope
// (JWE, JWS, or plaintext JSON) in the request body.
func (h *HTTPHandlers) HandleDIDCommMessage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, `{"error":"failed to read request body"}`, http.StatusBadRequest)
		return
	}

	if err := h.node.ProcessInbound(r.Context(), string(body)); err != nil {
		w.WriteHeader(statusFor(err))
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

func statusFor(err error) int {
	var e *errs.Error
	if errors.As(err, &e) {
		switch e.Kind {
		case errs.Validation, errs.Serialization, errs.InvalidTransition:
			return http.StatusBadRequest
		case errs.Cryptography, errs.DidResolution:
			return http.StatusUnprocessableEntity
		case errs.KeyNotFound:
			return http.StatusNotFound
		}
	}
	return http.StatusInternalServerError
}
