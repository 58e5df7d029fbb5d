package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-signup-mfa/internal/domain"
	jwtinfra "github.com/go-signup-mfa/internal/infrastructure/jwt"
	"github.com/go-signup-mfa/internal/infrastructure/logger"
	"go.uber.org/zap"
)

// jwtPrefix is how every base64url-encoded JOSE header begins.
const jwtPrefix = "eyJ"

type PrincipalKind string

const (
	PrincipalUser    PrincipalKind = "user"
	PrincipalService PrincipalKind = "service"
)

// Principal is the caller admitted by AdminGuard.
type Principal struct {
	Kind   PrincipalKind
	ID     string
	Role   string
	Scopes []string
}

type SessionLookup interface {
	Get(ctx context.Context, sessionID string) (*domain.Session, error)
}

type UserLookup interface {
	Get(ctx context.Context, userID string) (*domain.User, error)
}

type AdminGuardDeps struct {
	Verifier   TokenVerifier
	Sessions   SessionLookup
	Users      UserLookup
	CookieName string
	Logger     *zap.Logger
	Now        func() time.Time
}

type adminGuard struct {
	verifier   TokenVerifier
	sessions   SessionLookup
	users      UserLookup
	cookieName string
	log        *zap.Logger
	now        func() time.Time
}

// AdminGuard admits service-account tokens and administrators. The credential is read
// from the access cookie first, then the Authorization header. JWTs are verified by
// signature; anything else is treated as an opaque session id. Missing or invalid
// credentials get 401, a valid non-admin user gets 403.
func AdminGuard(deps AdminGuardDeps) func(http.Handler) http.Handler {
	g := &adminGuard{
		verifier:   deps.Verifier,
		sessions:   deps.Sessions,
		users:      deps.Users,
		cookieName: deps.CookieName,
		log:        logger.OrNop(deps.Logger).Named("admin_guard"),
		now:        deps.Now,
	}
	if g.now == nil {
		g.now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, status, reason := g.authorize(r)
			if status != http.StatusOK {
				g.log.Warn("admin access denied",
					zap.String("path", r.URL.Path),
					zap.String("ip", realIP(r)),
					zap.Int("status", status),
					zap.String("reason", reason),
				)
				writeJSONError(w, status, http.StatusText(status))
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
		})
	}
}

func (g *adminGuard) authorize(r *http.Request) (*Principal, int, string) {
	cred := g.credential(r)
	if cred == "" {
		return nil, http.StatusUnauthorized, "no credential"
	}
	if strings.HasPrefix(cred, jwtPrefix) {
		return g.fromJWT(r.Context(), cred)
	}
	return g.fromSession(r.Context(), cred)
}

func (g *adminGuard) credential(r *http.Request) string {
	if g.cookieName != "" {
		if c, err := r.Cookie(g.cookieName); err == nil && c.Value != "" {
			return c.Value
		}
	}
	tok, _ := bearerToken(r)
	return tok
}

func (g *adminGuard) fromJWT(ctx context.Context, tok string) (*Principal, int, string) {
	claims, err := g.verifier.Parse(tok)
	if err != nil {
		return nil, http.StatusUnauthorized, "invalid token"
	}
	switch claims.TokenType {
	case jwtinfra.TokenService:
		id := claims.ServiceAccountID()
		if id == "" || !strings.HasPrefix(claims.Subject, domain.ServiceAccountSubjectPrefix) {
			return nil, http.StatusUnauthorized, "malformed service subject"
		}
		return &Principal{Kind: PrincipalService, ID: id, Scopes: strings.Fields(claims.Scope)}, http.StatusOK, ""
	case jwtinfra.TokenSession:
		return g.admin(ctx, claims.Subject)
	default:
		return nil, http.StatusUnauthorized, "token type " + string(claims.TokenType) + " not accepted"
	}
}

func (g *adminGuard) fromSession(ctx context.Context, sessionID string) (*Principal, int, string) {
	sess, err := g.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, http.StatusUnauthorized, "unknown session"
	}
	if !sess.Active(g.now()) {
		return nil, http.StatusUnauthorized, "session inactive"
	}
	return g.admin(ctx, sess.UserID)
}

func (g *adminGuard) admin(ctx context.Context, userID string) (*Principal, int, string) {
	u, err := g.users.Get(ctx, userID)
	if err != nil {
		return nil, http.StatusUnauthorized, "unknown user"
	}
	if !u.Enable {
		return nil, http.StatusUnauthorized, "user disabled"
	}
	if u.Role != domain.RoleAdmin {
		return nil, http.StatusForbidden, "role " + u.Role
	}
	return &Principal{Kind: PrincipalUser, ID: u.UserID, Role: u.Role}, http.StatusOK, ""
}

func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok
}
