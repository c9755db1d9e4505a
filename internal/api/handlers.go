/**
 * @description
 * This file contains the HTTP handlers for the transfer-service's API endpoints.
 * Handlers parse and validate incoming requests, call the application service, and map
 * its error taxonomy onto HTTP status codes.
 *
 * @dependencies
 * - github.com/go-playground/validator/v10: Request body validation.
 * - internal/app, internal/domain: For service logic, models, and errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/finora/transfer-service/internal/app"
	"github.com/finora/transfer-service/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TransferHandlers holds the application service that handlers will use.
type TransferHandlers struct {
	service  *app.Service
	validate *validator.Validate
	logger   *zap.Logger
}

type verifyPINRequest struct {
	PIN string `json:"pin" validate:"required,max=64"`
}

type verifyCodeRequest struct {
	Code string `json:"code" validate:"required,max=128"`
}

type verifyOTPRequest struct {
	Code string `json:"code" validate:"required,len=6,numeric"`
}

type otpIssuedResponse struct {
	TransferID string    `json:"transfer_id"`
	ExpiresAt  time.Time `json:"expires_at"`
	Message    string    `json:"message"`
}

type settlementFailedResponse struct {
	Error    string              `json:"error"`
	Transfer domain.TransferView `json:"transfer"`
}

// NewTransferHandlers creates a new instance of TransferHandlers.
func NewTransferHandlers(service *app.Service, logger *zap.Logger) *TransferHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransferHandlers{
		service:  service,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With(zap.String("component", "api")),
	}
}

// InitiateTransferHandler creates a pending transfer.
func (h *TransferHandlers) InitiateTransferHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := GetOwnerID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return
	}

	var req domain.InitiateTransferRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	transfer, err := h.service.InitiateTransfer(r.Context(), ownerID, req)
	if err != nil {
		h.writeServiceError(w, err, "initiate_transfer", zap.String("owner_id", ownerID.String()))
		return
	}

	h.logger.Info("transfer accepted",
		zap.String("endpoint", "initiate_transfer"),
		zap.String("owner_id", ownerID.String()),
		zap.String("transfer_id", transfer.ID.String()),
	)
	writeJSON(w, http.StatusCreated, transfer.View())
}

// GetTransferHandler returns one transfer owned by the caller.
func (h *TransferHandlers) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, transferID, ok := h.ownerAndTransferID(w, r)
	if !ok {
		return
	}

	transfer, err := h.service.GetTransfer(r.Context(), ownerID, transferID)
	if err != nil {
		h.writeServiceError(w, err, "get_transfer", zap.String("transfer_id", transferID.String()))
		return
	}
	writeJSON(w, http.StatusOK, transfer.View())
}

// ListTransfersHandler lists the caller's transfers, newest first.
func (h *TransferHandlers) ListTransfersHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := GetOwnerID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	views, err := h.service.ListTransfers(r.Context(), ownerID, opts)
	if err != nil {
		h.writeServiceError(w, err, "list_transfers", zap.String("owner_id", ownerID.String()))
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// VerifyPINHandler submits the transaction PIN.
func (h *TransferHandlers) VerifyPINHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, transferID, ok := h.ownerAndTransferID(w, r)
	if !ok {
		return
	}
	var req verifyPINRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	transfer, err := h.service.VerifyPIN(r.Context(), ownerID, transferID, req.PIN)
	h.writeVerificationResult(w, transfer, err, "verify_pin", transferID)
}

// VerifyCodeHandler submits an IMF, tax or COT code.
func (h *TransferHandlers) VerifyCodeHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, transferID, ok := h.ownerAndTransferID(w, r)
	if !ok {
		return
	}
	codeType := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "codeType")))
	var req verifyCodeRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	transfer, err := h.service.VerifyCode(r.Context(), ownerID, transferID, codeType, req.Code)
	h.writeVerificationResult(w, transfer, err, "verify_"+codeType, transferID)
}

// VerifyOTPHandler submits the one-time password.
func (h *TransferHandlers) VerifyOTPHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, transferID, ok := h.ownerAndTransferID(w, r)
	if !ok {
		return
	}
	var req verifyOTPRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	transfer, err := h.service.VerifyOTP(r.Context(), ownerID, transferID, req.Code)
	h.writeVerificationResult(w, transfer, err, "verify_otp", transferID)
}

// RequestOTPHandler issues a fresh OTP for a transfer at the Otp step.
func (h *TransferHandlers) RequestOTPHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, transferID, ok := h.ownerAndTransferID(w, r)
	if !ok {
		return
	}

	challenge, err := h.service.RequestOTP(r.Context(), ownerID, transferID)
	if err != nil {
		h.writeServiceError(w, err, "request_otp", zap.String("transfer_id", transferID.String()))
		return
	}
	writeJSON(w, http.StatusAccepted, otpIssuedResponse{
		TransferID: transferID.String(),
		ExpiresAt:  challenge.ExpiresAt.UTC(),
		Message:    "A new verification code has been sent",
	})
}

// ListAccountHistoryHandler lists ledger rows of an account owned by the caller.
func (h *TransferHandlers) ListAccountHistoryHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := GetOwnerID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return
	}
	accountID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid account ID format")
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := h.service.ListAccountHistory(r.Context(), ownerID, accountID, opts)
	if err != nil {
		h.writeServiceError(w, err, "list_account_history", zap.String("account_id", accountID.String()))
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *TransferHandlers) writeVerificationResult(w http.ResponseWriter, transfer *domain.Transfer, err error, endpoint string, transferID uuid.UUID) {
	if err != nil {
		if errors.Is(err, app.ErrSettlementFailed) && transfer != nil {
			h.logger.Warn("settlement failed",
				zap.String("endpoint", endpoint),
				zap.String("transfer_id", transferID.String()),
				zap.Error(err),
			)
			writeJSON(w, http.StatusUnprocessableEntity, settlementFailedResponse{
				Error:    "Transfer could not be settled",
				Transfer: transfer.View(),
			})
			return
		}
		h.writeServiceError(w, err, endpoint, zap.String("transfer_id", transferID.String()))
		return
	}
	writeJSON(w, http.StatusOK, transfer.View())
}

// writeServiceError maps the service error taxonomy onto HTTP status codes.
func (h *TransferHandlers) writeServiceError(w http.ResponseWriter, err error, endpoint string, fields ...zap.Field) {
	status, message := mapServiceError(err)
	fields = append(fields, zap.String("endpoint", endpoint), zap.Int("status", status), zap.Error(err))
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", fields...)
	} else {
		h.logger.Info("request rejected", fields...)
	}
	writeError(w, status, message)
}

func mapServiceError(err error) (int, string) {
	switch {
	case errors.Is(err, app.ErrTransferNotFound):
		return http.StatusNotFound, "Transfer not found"
	case errors.Is(err, app.ErrAccountNotFound):
		return http.StatusNotFound, "Account not found"
	case errors.Is(err, app.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, app.ErrAuthorization):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, app.ErrPolicyViolation):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, app.ErrStepSequence):
		return http.StatusConflict, "This verification step is not expected for the transfer"
	case errors.Is(err, app.ErrTransferNotPending):
		return http.StatusConflict, "Transfer is no longer pending"
	case errors.Is(err, app.ErrVerificationFailed):
		return http.StatusUnauthorized, "Verification failed"
	case errors.Is(err, app.ErrSettlementFailed):
		return http.StatusUnprocessableEntity, "Transfer could not be settled"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

func (h *TransferHandlers) ownerAndTransferID(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	ownerID, ok := GetOwnerID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return uuid.Nil, uuid.Nil, false
	}
	transferID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid transfer ID format")
		return uuid.Nil, uuid.Nil, false
	}
	return ownerID, transferID, true
}

func (h *TransferHandlers) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			writeError(w, http.StatusBadRequest, "Invalid field: "+strings.ToLower(verrs[0].Field()))
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func parseListOptions(r *http.Request) (domain.ListOptions, error) {
	limit, err := parseOptionalPositiveInt(r.URL.Query().Get("limit"), 20)
	if err != nil {
		return domain.ListOptions{}, errors.New("invalid limit")
	}
	offset, err := parseOptionalPositiveInt(r.URL.Query().Get("offset"), 0)
	if err != nil {
		return domain.ListOptions{}, errors.New("invalid offset")
	}
	return domain.ListOptions{Limit: limit, Offset: offset}.Normalize(), nil
}

func parseOptionalPositiveInt(raw string, defaultValue int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if value < 0 {
		return 0, errors.New("must be >= 0")
	}
	return value, nil
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
