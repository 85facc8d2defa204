package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"otp-login-service/internal/service"
	"otp-login-service/internal/util"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// SessionTokenHeader carries the transport session token. The handler
// mints one for clients that arrive without it and echoes it back.
const SessionTokenHeader = "X-Session-Token"

// AuthHandler handles HTTP requests for the OTP login flow
type AuthHandler struct {
	authService *service.AuthService
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(authService *service.AuthService) *AuthHandler {
	return &AuthHandler{authService: authService}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// RegisterRoutes registers all auth routes
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		r.Post("/login", h.Login)
		r.Post("/verify", h.Verify)
		r.Post("/resend", h.Resend)
		r.Post("/logout", h.Logout)
		r.Post("/profile", h.CompleteProfile)
		r.Get("/me", h.Me)
		r.Get("/health", h.HealthCheck)
	})
}

// Login starts a login: classifies the identifier and sends a code.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()
	token := h.sessionToken(w, r)

	var req service.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	resp, err := h.authService.SubmitIdentifier(ctx, token, &req, requestMeta(r))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Login failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(resp, "Verification code sent"))
	util.Info("Login started via HTTP",
		util.Bool("new_user", resp.NewUser),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "Login"),
	)
}

// Verify checks the submitted code and authenticates the session.
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()
	token := h.sessionToken(w, r)

	var req service.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	resp, err := h.authService.SubmitCode(ctx, token, &req, requestMeta(r))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Verification failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(resp, "Logged in"))
	util.Info("Code verified via HTTP",
		util.String("user_id", resp.UserID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "Verify"),
	)
}

// Resend issues a fresh code for the pending login.
func (h *AuthHandler) Resend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := h.sessionToken(w, r)

	resp, err := h.authService.ResendCode(ctx, token, requestMeta(r))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Resend failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(resp, "Verification code resent"))
}

// Logout tears down the session. Always succeeds.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := r.Header.Get(SessionTokenHeader)

	if err := h.authService.Logout(ctx, token, requestMeta(r)); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Logout failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Logged out"))
}

// CompleteProfile records the user's profile after first login.
func (h *AuthHandler) CompleteProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := r.Header.Get(SessionTokenHeader)

	var req service.ProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	profile, err := h.authService.CompleteProfile(ctx, token, &req, requestMeta(r))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Profile completion failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(profile, "Profile saved"))
}

// Me returns the authenticated user.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := r.Header.Get(SessionTokenHeader)

	resp, err := h.authService.CurrentUser(ctx, token)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to load user")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(resp, "User retrieved"))
}

// HealthCheck reports handler liveness.
func (h *AuthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]string{
		"status": "healthy",
	}, "Auth service is healthy"))
}

// sessionToken returns the client's session token, minting and echoing
// one if the request carries none.
func (h *AuthHandler) sessionToken(w http.ResponseWriter, r *http.Request) string {
	token := r.Header.Get(SessionTokenHeader)
	if token == "" {
		token = uuid.New().String()
	}
	w.Header().Set(SessionTokenHeader, token)
	return token
}

func requestMeta(r *http.Request) *service.RequestMeta {
	return &service.RequestMeta{
		IPAddress: r.RemoteAddr,
		UserAgent: r.UserAgent(),
	}
}

func (h *AuthHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrValidation), errors.Is(err, service.ErrInvalidCode):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrLoginRequired), errors.Is(err, service.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrRateLimited), errors.Is(err, service.ErrAttemptsExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrDelivery):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *AuthHandler) respondWithError(w http.ResponseWriter, code int, err error, message string) {
	h.respondWithJSON(w, code, errorResponse(err, message))
}

func (h *AuthHandler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		util.Error("Failed to encode response", util.ErrorField(err))
	}
}
