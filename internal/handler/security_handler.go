package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-webauthn/webauthn/protocol"
	"go.uber.org/zap"

	"security-service/internal/config"
	"security-service/internal/models"
	"security-service/internal/service"
	"security-service/internal/util"
)

// SecurityHandler handles HTTP requests for account security operations
type SecurityHandler struct {
	profiles    *service.ProfileService
	enrollment  *service.EnrollmentService
	credentials *service.CredentialService
	backupCodes *service.BackupCodeService
	recovery    *service.RecoveryService
	config      *config.Config
	logger      *zap.Logger
}

func NewSecurityHandler(
	profiles *service.ProfileService,
	enrollment *service.EnrollmentService,
	credentials *service.CredentialService,
	backupCodes *service.BackupCodeService,
	recovery *service.RecoveryService,
	cfg *config.Config,
	logger *zap.Logger,
) *SecurityHandler {
	return &SecurityHandler{
		profiles:    profiles,
		enrollment:  enrollment,
		credentials: credentials,
		backupCodes: backupCodes,
		recovery:    recovery,
		config:      cfg,
		logger:      logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{Success: true, Data: data, Message: message}
}

func errorResponse(err error, message string) Response {
	return Response{Success: false, Error: err.Error(), Message: message}
}

// RegisterRoutes registers all security routes
func (h *SecurityHandler) RegisterRoutes(router chi.Router) {
	router.Route("/users/{userID}/security", func(r chi.Router) {
		r.Get("/", h.GetProfile)
		r.Post("/password", h.SetPassword)

		r.Route("/2fa", func(r chi.Router) {
			r.Post("/setup", h.StartSetup)
			r.Post("/setup/resend", h.ResendSetupCode)
			r.Post("/setup/verify", h.SubmitSetupCode)
			r.Post("/setup/ack", h.AcknowledgeBackupCodes)
			r.Delete("/setup", h.CancelSetup)
			r.Post("/disable/code", h.RequestDisableCode)
			r.Post("/disable", h.Disable)
		})

		r.Route("/backup-codes", func(r chi.Router) {
			r.Post("/rotate", h.RotateBackupCodes)
			r.Post("/redeem", h.RedeemBackupCode)
		})

		r.Route("/credentials", func(r chi.Router) {
			r.Get("/", h.ListCredentials)
			r.Post("/begin", h.BeginCredentialRegistration)
			r.Post("/finish", h.FinishCredentialRegistration)
			r.Post("/failure", h.ReportCredentialFailure)
			r.Delete("/{credentialID}", h.RevokeCredential)
		})

		r.Route("/recovery", func(r chi.Router) {
			r.Post("/", h.AddRecoveryChannel)
			r.Post("/confirm", h.ConfirmRecoveryChannel)
			r.Patch("/{channelType}", h.SetRecoveryChannelActive)
			r.Delete("/{channelType}", h.RemoveRecoveryChannel)
		})
	})
}

// GetProfile returns the security settings view for one user.
func (h *SecurityHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	view, err := h.profiles.GetView(ctx, userID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to get security profile")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(view, "Security profile retrieved"))
}

func (h *SecurityHandler) SetPassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.profiles.SetPassword(ctx, userID, req.Password); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to set password")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Password set"))
}

// StartSetup opens a 2FA enrollment with the chosen method.
func (h *SecurityHandler) StartSetup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()
	userID := chi.URLParam(r, "userID")

	var req struct {
		Method string `json:"method"`
		Email  string `json:"email,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	method, ok := models.ParseSecondFactorMethod(req.Method)
	if !ok || method == models.MethodNone {
		h.respondWithError(w, http.StatusBadRequest,
			errors.New("method must be app or email"), "Invalid method")
		return
	}

	info, err := h.enrollment.StartSetup(ctx, userID, method, req.Email)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to start 2FA setup")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(info, "Setup started"))
	h.logger.Info("2FA setup started via HTTP",
		util.String("user_id", userID),
		util.String("method", string(method)),
		util.Duration("duration", time.Since(startTime)),
	)
}

func (h *SecurityHandler) ResendSetupCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	if err := h.enrollment.ResendSetupCode(ctx, userID); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to resend code")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Code sent"))
}

// SubmitSetupCode proves possession of the second factor. The response
// carries the backup code sheet, shown exactly once.
func (h *SecurityHandler) SubmitSetupCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if len(req.Code) != h.config.OTP.CodeLength || !util.IsDigits(req.Code) {
		h.respondWithError(w, http.StatusBadRequest,
			errors.New("malformed verification code"), "Invalid code format")
		return
	}

	sheet, err := h.enrollment.SubmitCode(ctx, userID, req.Code, clientIP(r))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Verification failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"backup_codes": sheet,
	}, "Two-factor enabled"))
}

func (h *SecurityHandler) AcknowledgeBackupCodes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	if err := h.enrollment.AcknowledgeBackupCodes(ctx, userID); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to acknowledge backup codes")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Backup codes acknowledged"))
}

func (h *SecurityHandler) CancelSetup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	if err := h.enrollment.CancelSetup(ctx, userID); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to cancel setup")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Setup cancelled"))
}

func (h *SecurityHandler) RequestDisableCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	if err := h.enrollment.RequestDisableCode(ctx, userID); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to send code")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Code sent"))
}

// Disable turns 2FA off under step-up.
func (h *SecurityHandler) Disable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	var proof service.StepUpProof
	if err := json.NewDecoder(r.Body).Decode(&proof); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.enrollment.Disable(ctx, userID, &proof, clientIP(r)); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to disable two-factor")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Two-factor disabled"))
}

func (h *SecurityHandler) RotateBackupCodes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	var proof service.StepUpProof
	if err := json.NewDecoder(r.Body).Decode(&proof); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	sheet, err := h.enrollment.RotateBackupCodes(ctx, userID, &proof, clientIP(r))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to rotate backup codes")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"backup_codes": sheet,
	}, "Backup codes rotated"))
}

func (h *SecurityHandler) RedeemBackupCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	profile, err := h.profiles.Get(ctx, userID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to load profile")
		return
	}

	if err := h.backupCodes.Redeem(ctx, profile, req.Code, clientIP(r)); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to redeem backup code")
		return
	}
	h.profiles.PublishUpdated(ctx, userID)

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"remaining": profile.BackupCodesRemaining,
	}, "Backup code accepted"))
}

func (h *SecurityHandler) ListCredentials(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	creds, err := h.credentials.List(ctx, userID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to list credentials")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(creds, "Credentials retrieved"))
}

func (h *SecurityHandler) BeginCredentialRegistration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	options, err := h.credentials.BeginRegistration(ctx, userID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to begin registration")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(options, "Registration ceremony opened"))
}

func (h *SecurityHandler) FinishCredentialRegistration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	var req struct {
		DeviceName string          `json:"device_name"`
		Credential json.RawMessage `json:"credential"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(req.Credential))
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Malformed credential response")
		return
	}

	deviceName := util.SanitizeInput(req.DeviceName)
	if deviceName == "" {
		deviceName = "Unnamed device"
	}

	cred, err := h.credentials.FinishRegistration(ctx, userID, deviceName, parsed, clientIP(r))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Registration failed")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(cred, "Credential registered"))
}

// ReportCredentialFailure records a ceremony the browser could not
// complete, identified by the DOMException name it raised.
func (h *SecurityHandler) ReportCredentialFailure(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req struct {
		ErrorName string `json:"error_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	ceremonyErr := h.credentials.AbortRegistration(userID, req.ErrorName)

	h.respondWithJSON(w, http.StatusOK, Response{
		Success: false,
		Error:   string(ceremonyErr.Reason),
		Message: "Ceremony recorded as failed",
	})
}

func (h *SecurityHandler) RevokeCredential(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")
	credentialID := chi.URLParam(r, "credentialID")

	if err := h.credentials.Revoke(ctx, userID, credentialID, clientIP(r)); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to revoke credential")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Credential revoked"))
}

func (h *SecurityHandler) AddRecoveryChannel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	var req struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	channelType, ok := models.ParseChannelType(req.Type)
	if !ok {
		h.respondWithError(w, http.StatusBadRequest,
			errors.New("type must be email or phone"), "Invalid channel type")
		return
	}

	if err := h.recovery.Add(ctx, userID, channelType, req.Value); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to add recovery channel")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Verification code sent"))
}

func (h *SecurityHandler) ConfirmRecoveryChannel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	var req struct {
		Type string `json:"type"`
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	channelType, ok := models.ParseChannelType(req.Type)
	if !ok {
		h.respondWithError(w, http.StatusBadRequest,
			errors.New("type must be email or phone"), "Invalid channel type")
		return
	}

	if err := h.recovery.Confirm(ctx, userID, channelType, req.Code, clientIP(r)); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to confirm recovery channel")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Recovery channel verified"))
}

func (h *SecurityHandler) SetRecoveryChannelActive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	channelType, ok := models.ParseChannelType(chi.URLParam(r, "channelType"))
	if !ok {
		h.respondWithError(w, http.StatusBadRequest,
			errors.New("type must be email or phone"), "Invalid channel type")
		return
	}

	var req struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.recovery.SetActive(ctx, userID, channelType, req.Active); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to update recovery channel")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Recovery channel updated"))
}

func (h *SecurityHandler) RemoveRecoveryChannel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	channelType, ok := models.ParseChannelType(chi.URLParam(r, "channelType"))
	if !ok {
		h.respondWithError(w, http.StatusBadRequest,
			errors.New("type must be email or phone"), "Invalid channel type")
		return
	}

	if err := h.recovery.Remove(ctx, userID, channelType); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to remove recovery channel")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Recovery channel removed"))
}

func (h *SecurityHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *SecurityHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *SecurityHandler) getStatusCode(err error) int {
	var ceremonyErr *service.CeremonyError
	if errors.As(err, &ceremonyErr) {
		return http.StatusBadRequest
	}

	switch {
	case errors.Is(err, service.ErrValidation), errors.Is(err, service.ErrPasswordRequired):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrAuthChallenge):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrCredentialNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrServerState),
		errors.Is(err, service.ErrOperationInFlight),
		errors.Is(err, service.ErrCredentialLimit):
		return http.StatusConflict
	case errors.Is(err, service.ErrSessionExpired):
		return http.StatusGone
	case errors.Is(err, service.ErrThrottled):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrChannelDelivery):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// clientIP extracts the caller's address; RealIP middleware has already
// folded forwarded headers into RemoteAddr.
func clientIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}
