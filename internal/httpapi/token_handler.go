package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"mobigate.org/internal/apiauth"
	"mobigate.org/internal/credential"
	"mobigate.org/internal/directory"
)

// unknownOfficerRole never matches a stored credential; verifying against it
// exercises the dummy-hash path.
const unknownOfficerRole = "unknown-officer"

type tokenRequest struct {
	OfficerID string `json:"officer_id"`
	Secret    string `json:"secret"`
}

type tokenResponse struct {
	Token     string   `json:"token"`
	TokenType string   `json:"token_type"`
	ExpiresIn int64    `json:"expires_in"`
	Roles     []string `json:"roles"`
}

// handleToken exchanges an officer credential for an API bearer token. The
// same secret later authorizes transactions; the token only opens the door.
func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.opts.Directory == nil || a.opts.Verifier == nil {
		writeError(w, r, http.StatusServiceUnavailable, "token issuance disabled")
		return
	}

	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.OfficerID = strings.TrimSpace(req.OfficerID)
	if req.OfficerID == "" || req.Secret == "" {
		writeError(w, r, http.StatusBadRequest, "officer_id and secret are required")
		return
	}

	officer, err := a.opts.Directory.Officer(r.Context(), req.OfficerID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			// Burn a real hash comparison so unknown ids cost as much as bad
			// secrets. The role must be non-empty or the verifier short-circuits.
			_ = a.opts.Verifier.Verify(r.Context(), unknownOfficerRole, req.Secret)
			writeError(w, r, http.StatusUnauthorized, "invalid officer credentials")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	if err := a.opts.Verifier.Verify(r.Context(), string(officer.Role), req.Secret); err != nil {
		if errors.Is(err, credential.ErrUnavailable) {
			writeError(w, r, http.StatusServiceUnavailable, "credential store unavailable")
			return
		}
		a.audit(r.Context(), "auth.token.rejected", "officer", officer.ID, nil)
		writeError(w, r, http.StatusUnauthorized, "invalid officer credentials")
		return
	}

	token, err := apiauth.IssueToken(officer.ID, []string{string(officer.Role)}, a.opts.TokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not issue token")
		return
	}

	a.audit(r.Context(), "auth.token.issued", "officer", officer.ID, map[string]any{
		"role": string(officer.Role),
	})
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresIn: int64(a.opts.TokenTTL.Seconds()),
		Roles:     []string{string(officer.Role)},
	})
}
