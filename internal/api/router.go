/**
 * @description
 * This file sets up the HTTP router for the transfer-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies the
 * authentication, CORS and throttling middleware.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling.
 */

package api

import (
	"net/http"
	"time"

	"github.com/finora/transfer-service/internal/app"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// RouterConfig carries the HTTP-layer settings.
type RouterConfig struct {
	JWTSecret                    []byte
	JWTIssuer                    string
	AllowedOrigins               []string
	VerifyRateLimitPerMinute     int
	OtpRequestRateLimitPerMinute int
}

// TransferRoutes creates and returns the router for the transfer service.
func TransferRoutes(h *TransferHandlers, limiter app.AttemptLimiter, cfg RouterConfig, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "api"))

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	verifyLimit := TransferRateLimit(limiter, app.AttemptScopeVerify, cfg.VerifyRateLimitPerMinute, logger)
	otpLimit := TransferRateLimit(limiter, app.AttemptScopeOtpRequest, cfg.OtpRequestRateLimitPerMinute, logger)

	r.Group(func(r chi.Router) {
		r.Use(JWTAuthMiddleware(cfg.JWTSecret, cfg.JWTIssuer))

		r.Post("/transfers", h.InitiateTransferHandler)
		r.Get("/transfers", h.ListTransfersHandler)

		r.Route("/transfers/{id}", func(r chi.Router) {
			r.Get("/", h.GetTransferHandler)
			r.With(verifyLimit).Post("/verify/pin", h.VerifyPINHandler)
			r.With(verifyLimit).Post("/verify/otp", h.VerifyOTPHandler)
			r.With(verifyLimit).Post("/verify/{codeType}", h.VerifyCodeHandler)
			r.With(otpLimit).Post("/otp", h.RequestOTPHandler)
		})

		r.Get("/accounts/{id}/history", h.ListAccountHistoryHandler)
	})

	return r
}
