package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"payments-core/internal/apperr"
	"payments-core/internal/domain"
	"payments-core/internal/money"
)

// TransferService is the orchestrator surface the edge needs.
type TransferService interface {
	Initiate(ctx context.Context, p domain.TransferParams) (*domain.TransferResult, error)
	GetTransfer(ctx context.Context, transferID, requestingUserID uuid.UUID) (*domain.TransferDetail, error)
}

type Handlers struct {
	svc TransferService
	log zerolog.Logger
}

func NewHandlers(svc TransferService, log zerolog.Logger) *Handlers {
	return &Handlers{svc: svc, log: log.With().Str("component", "httpapi").Logger()}
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	TraceID string         `json:"trace_id"`
	Details map[string]any `json:"details,omitempty"`
}

// writeErr maps an error to its HTTP shape. Every failure carries the trace
// ID so users can quote it in support requests; internals never leak.
func (h *Handlers) writeErr(w http.ResponseWriter, traceID string, err error) {
	status := apperr.HTTPStatus(err)

	var e *apperr.Error
	body := errBody{Code: string(apperr.CodeInternal), Message: "internal error", TraceID: traceID}
	if errors.As(err, &e) && status < 500 {
		body.Code = string(e.Code)
		body.Message = e.Message
		body.Details = e.Details
	}
	if status >= 500 {
		h.log.Error().Err(err).Str("trace_id", traceID).Msg("request failed")
	}
	if apperr.IsCode(err, apperr.CodeRateLimited) {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, body)
}

type initiateRequest struct {
	FromAccountID uuid.UUID   `json:"from_account_id"`
	ToAccountID   uuid.UUID   `json:"to_account_id"`
	Amount        money.Paise `json:"amount"`
	Currency      string      `json:"currency"`
	Description   string      `json:"description,omitempty"`
}

func traceIDFrom(r *http.Request) string {
	if t := strings.TrimSpace(r.Header.Get("X-Trace-Id")); t != "" {
		return t
	}
	return uuid.NewString()
}

// userIDFrom reads the authenticated identity the edge proxy injects after
// verifying the token. Token verification itself happens upstream.
func userIDFrom(r *http.Request) (uuid.UUID, error) {
	raw := strings.TrimSpace(r.Header.Get("X-User-Id"))
	if raw == "" {
		return uuid.Nil, apperr.Validation("missing user identity")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperr.Validation("malformed user identity")
	}
	return id, nil
}

func methodNotAllowed(w http.ResponseWriter, traceID string) {
	writeJSON(w, http.StatusMethodNotAllowed, errBody{
		Code:    string(apperr.CodeValidation),
		Message: "method not allowed",
		TraceID: traceID,
	})
}

// POST /v1/transfers
func (h *Handlers) InitiateTransfer(w http.ResponseWriter, r *http.Request) {
	traceID := traceIDFrom(r)
	if r.Method != http.MethodPost {
		methodNotAllowed(w, traceID)
		return
	}

	userID, err := userIDFrom(r)
	if err != nil {
		h.writeErr(w, traceID, err)
		return
	}

	idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))

	var req initiateRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeErr(w, traceID, apperr.Validation("invalid json"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	res, err := h.svc.Initiate(ctx, domain.TransferParams{
		IdempotencyKey: idemKey,
		FromAccountID:  req.FromAccountID,
		ToAccountID:    req.ToAccountID,
		Amount:         req.Amount,
		Currency:       strings.ToUpper(strings.TrimSpace(req.Currency)),
		Description:    req.Description,
		UserID:         userID,
		TraceID:        traceID,
	})
	if err != nil {
		h.writeErr(w, traceID, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// GET /v1/transfers/{uuid}
func (h *Handlers) GetTransferByPath(w http.ResponseWriter, r *http.Request) {
	traceID := traceIDFrom(r)
	if r.Method != http.MethodGet {
		methodNotAllowed(w, traceID)
		return
	}

	userID, err := userIDFrom(r)
	if err != nil {
		h.writeErr(w, traceID, err)
		return
	}

	raw := strings.TrimPrefix(r.URL.Path, "/v1/transfers/")
	transferID, err := uuid.Parse(raw)
	if err != nil {
		h.writeErr(w, traceID, apperr.Validation("invalid transfer id"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	detail, err := h.svc.GetTransfer(ctx, transferID, userID)
	if err != nil {
		h.writeErr(w, traceID, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}
