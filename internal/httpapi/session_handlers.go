package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"mobigate.org/internal/audit"
	"mobigate.org/internal/authz"
)

type createSessionRequest struct {
	InitiatorRole string `json:"initiator_role"`
	Transaction   struct {
		Type        string `json:"type"`
		Amount      int64  `json:"amount"`
		Currency    string `json:"currency"`
		Recipient   string `json:"recipient"`
		Description string `json:"description"`
		BankDetails string `json:"bank_details"`
	} `json:"transaction"`
}

type submitAuthorizationRequest struct {
	Role   string `json:"role"`
	Secret string `json:"secret"`
}

type cancelSessionRequest struct {
	Reason string `json:"reason"`
}

func (a *API) handleSessionsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createSession(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleSessionResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if id, ok := strings.CutSuffix(path, "/authorizations"); ok {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.submitAuthorization(w, r, strings.TrimSuffix(id, "/"))
		return
	}
	if id, ok := strings.CutSuffix(path, "/cancel"); ok {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.cancelSession(w, r, strings.TrimSuffix(id, "/"))
		return
	}
	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.getStatus(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	txType := authz.TransactionType(strings.ToLower(strings.TrimSpace(req.Transaction.Type)))
	switch txType {
	case authz.TransactionTransfer, authz.TransactionWithdrawal, authz.TransactionDisbursement:
	default:
		writeError(w, r, http.StatusBadRequest, "unknown transaction type")
		return
	}
	initiator := authz.Role(strings.ToLower(strings.TrimSpace(req.InitiatorRole)))
	if initiator == "" {
		writeError(w, r, http.StatusBadRequest, "initiator_role is required")
		return
	}
	if req.Transaction.Amount <= 0 {
		writeError(w, r, http.StatusBadRequest, "amount must be > 0")
		return
	}

	sess, err := a.opts.Service.CreateSession(r.Context(), authz.Transaction{
		Type:        txType,
		Amount:      req.Transaction.Amount,
		Currency:    strings.ToUpper(strings.TrimSpace(req.Transaction.Currency)),
		Recipient:   strings.TrimSpace(req.Transaction.Recipient),
		Description: strings.TrimSpace(req.Transaction.Description),
		BankDetails: strings.TrimSpace(req.Transaction.BankDetails),
	}, initiator)
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}

	a.audit(r.Context(), "authz.session.create", "session", sess.ID, map[string]any{
		"transaction_type": string(txType),
		"initiator_role":   string(initiator),
		"required_count":   sess.Requirement.RequiredCount,
	})

	w.Header().Set("Location", "/v1/sessions/"+sess.ID)
	writeJSON(w, http.StatusCreated, sess)
}

func (a *API) submitAuthorization(w http.ResponseWriter, r *http.Request, id string) {
	var req submitAuthorizationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role := authz.Role(strings.ToLower(strings.TrimSpace(req.Role)))
	if role == "" || req.Secret == "" {
		writeError(w, r, http.StatusBadRequest, "role and secret are required")
		return
	}

	view, err := a.opts.Service.SubmitAuthorization(r.Context(), id, role, req.Secret)
	if err != nil {
		if errors.Is(err, authz.ErrInvalidCredential) || errors.Is(err, authz.ErrTooManyAttempts) {
			a.audit(r.Context(), "authz.credential.rejected", "session", id, map[string]any{
				"role": string(role),
			})
		}
		handleAuthzError(w, r, err)
		return
	}

	a.audit(r.Context(), "authz.session.authorize", "session", id, map[string]any{
		"role":             string(role),
		"authorized_count": view.AuthorizedCount,
		"status":           string(view.Status),
	})

	writeJSON(w, http.StatusOK, view)
}

func (a *API) getStatus(w http.ResponseWriter, r *http.Request, id string) {
	view, err := a.opts.Service.Status(r.Context(), id)
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) cancelSession(w http.ResponseWriter, r *http.Request, id string) {
	var req cancelSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.opts.Service.Cancel(r.Context(), id, strings.TrimSpace(req.Reason)); err != nil {
		handleAuthzError(w, r, err)
		return
	}
	a.audit(r.Context(), "authz.session.cancel", "session", id, map[string]any{
		"reason": req.Reason,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": string(authz.StatusCancelled)})
}

func (a *API) handleOfficers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.opts.Directory == nil {
		writeError(w, r, http.StatusServiceUnavailable, "directory disabled")
		return
	}
	role := authz.Role(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("role"))))
	txType := authz.TransactionType(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("transaction_type"))))

	switch {
	case role != "":
		officers, err := a.opts.Directory.ListByRole(r.Context(), role)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": officers})
	case txType != "":
		roles, err := a.opts.Directory.EligibleRoles(r.Context(), txType)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"eligible_roles": roles})
	default:
		writeError(w, r, http.StatusBadRequest, "role or transaction_type query parameter is required")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleAuthzError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, authz.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, authz.ErrInvalidCredential):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, authz.ErrTooManyAttempts):
		writeError(w, r, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, authz.ErrSessionNotActionable):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, authz.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, authz.ErrStoreUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "storage unavailable, retry later")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
