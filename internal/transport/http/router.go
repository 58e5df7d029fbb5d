package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-signup-mfa/internal/application/mfa"
	"github.com/go-signup-mfa/internal/application/serviceaccount"
	"github.com/go-signup-mfa/internal/application/session"
	"github.com/go-signup-mfa/internal/application/signin"
	"github.com/go-signup-mfa/internal/application/signup"
	"github.com/go-signup-mfa/internal/config"
	"github.com/go-signup-mfa/internal/domain"
	"github.com/go-signup-mfa/internal/transport/http/handler"
	appmiddleware "github.com/go-signup-mfa/internal/transport/http/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ReservationService is what the router needs from the reservation manager.
type ReservationService interface {
	IsAvailable(ctx context.Context, email string) (bool, error)
	Get(ctx context.Context, email string) (*domain.EmailReservation, error)
	Release(ctx context.Context, email, userID string) error
}

type UserReader interface {
	Get(ctx context.Context, userID string) (*domain.User, error)
}

type SessionReader interface {
	Get(ctx context.Context, sessionID string) (*domain.Session, error)
}

// Deps holds the services and stores the router wires into handlers.
type Deps struct {
	Signup          signup.Service
	SignIn          signin.Service
	Sessions        session.Service
	MFA             mfa.Service
	ServiceAccounts serviceaccount.Service
	Reservations    ReservationService
	Users           UserReader
	SessionStore    SessionReader
	Tokens          appmiddleware.TokenVerifier
	HealthChecks    map[string]handler.CheckFunc
	Logger          *zap.Logger
}

// NewRouter builds and returns the application router.
func NewRouter(cfg *config.Config, deps *Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(appmiddleware.TrustedRealIP(cfg.TrustedProxies))
	r.Use(appmiddleware.RequestLogger(deps.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	sessionAuth := appmiddleware.Auth(deps.Tokens)
	identityAuth := appmiddleware.IdentityAuth(deps.Tokens)
	signInAuth := appmiddleware.SignInAuth(deps.Tokens)
	adminGuard := appmiddleware.AdminGuard(appmiddleware.AdminGuardDeps{
		Verifier:   deps.Tokens,
		Sessions:   deps.SessionStore,
		Users:      deps.Users,
		CookieName: cfg.AccessCookieName,
		Logger:     deps.Logger,
	})

	// 5 requests/second, burst of 10, applied to every endpoint that sends or checks codes.
	sensitiveRL := appmiddleware.NewRateLimiter(rate.Limit(5), 10)

	healthH := handler.NewHealthHandler(deps.HealthChecks)
	signupH := handler.NewSignupHandler(deps.Signup, deps.Reservations)
	signinH := handler.NewSignInHandler(deps.SignIn)
	sessionH := handler.NewSessionHandler(deps.Sessions)
	mfaH := handler.NewMFAHandler(deps.MFA)
	saH := handler.NewServiceAccountHandler(deps.ServiceAccounts)
	adminH := handler.NewAdminHandler(deps.Reservations, deps.Users)

	r.Route("/v1", func(r chi.Router) {
		// ── Public routes (no auth) ──────────────────────────────────────────
		r.Get("/health-check/{action}", healthH.Ping)
		r.Get("/signup/email/availability", signupH.Availability)
		r.Post("/sessions/refresh", sessionH.Refresh)

		r.Group(func(r chi.Router) {
			r.Use(sensitiveRL.Limit)
			r.Post("/signup/email/initiate", signupH.Initiate)
			r.Post("/signup/email/resend", signupH.Resend)
			r.Post("/signup/email/verify", signupH.VerifyEmail)
			r.Post("/signin/email/start", signinH.Start)
			r.Post("/signin/email/verify", signinH.VerifyEmail)
			r.Post("/service-accounts/token", saH.Token)
		})

		// ── Identity token: finishing a signup ───────────────────────────────
		r.Group(func(r chi.Router) {
			r.Use(sensitiveRL.Limit)
			r.Use(identityAuth)
			r.Post("/signup/totp/setup", signupH.SetupTOTP)
			r.Post("/signup/sms/send", signupH.SendSMS)
			r.Post("/signup/complete", signupH.Complete)
		})

		// ── Sign-in token: second factor of an existing user ─────────────────
		r.Group(func(r chi.Router) {
			r.Use(sensitiveRL.Limit)
			r.Use(signInAuth)
			r.Post("/signin/sms/send", signinH.SendSMS)
			r.Post("/signin/complete", signinH.Complete)
		})

		// ── Session token ────────────────────────────────────────────────────
		r.Group(func(r chi.Router) {
			r.Use(sessionAuth)
			r.Get("/sessions", sessionH.GetCurrent)
			r.Post("/sessions/logout", sessionH.Logout)
			r.Get("/mfa/totp", mfaH.Status)

			r.Group(func(r chi.Router) {
				r.Use(sensitiveRL.Limit)
				r.Post("/mfa/totp/setup", mfaH.Setup)
				r.Post("/mfa/totp/confirm", mfaH.Confirm)
				r.Delete("/mfa/totp", mfaH.Disable)
			})
		})

		// ── Admins and service accounts ──────────────────────────────────────
		r.Route("/admin", func(r chi.Router) {
			r.Use(adminGuard)
			r.Post("/service-accounts", saH.Create)
			r.Get("/reservations/{email}", adminH.GetReservation)
			r.Delete("/reservations/{email}", adminH.DeleteReservation)
			r.Get("/users/{id}", adminH.GetUser)
		})
	})

	return r
}
