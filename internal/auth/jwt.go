package auth

import (
	"context"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

type ctxKey string

const ctxIdentity ctxKey = "identity"

// Identity is the authenticated actor. TenantID is resolved from the
// app_user table, never from anything the client transmitted; every
// scope decision downstream starts here.
type Identity struct {
	UserID   string
	TenantID string
}

// JWTCfg holds JWT authentication configuration.
type JWTCfg struct {
	HS256Secret string // HMAC secret for HS256 tokens
	DevMode     bool   // Allow X-Debug-Sub header (DANGEROUS: only for local dev)
}

// ValidateToken verifies an HS256 bearer token and returns its subject.
func ValidateToken(tok string, cfg JWTCfg) (string, error) {
	claims := jwt.MapClaims{}
	t, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(cfg.HS256Secret), nil
	})
	if err != nil || !t.Valid {
		if err == nil {
			err = jwt.ErrTokenUnverifiable
		}
		return "", err
	}
	sub, _ := claims["sub"].(string)
	return sub, nil
}

// Middleware authenticates requests and resolves the actor's tenant.
// Unknown subjects are rejected: user provisioning happens outside the
// sync engine, and a sub without an app_user row has no tenant to sync
// against.
func Middleware(db *pgxpool.Pool, cfg JWTCfg) func(http.Handler) http.Handler {
	if cfg.DevMode {
		log.Warn().Msg("SECURITY WARNING: DevMode enabled - X-Debug-Sub header will bypass JWT authentication")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := ""
			if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
				tok = h[7:]
			}

			sub := ""
			if cfg.DevMode && tok == "" {
				sub = r.Header.Get("X-Debug-Sub")
				if sub != "" {
					log.Debug().Str("sub", sub).Msg("using X-Debug-Sub header (dev mode)")
				}
			}

			if tok != "" {
				s, err := ValidateToken(tok, cfg)
				if err != nil {
					log.Warn().Err(err).Msg("jwt validation failed")
					http.Error(w, "unauthorized", http.StatusUnauthorized)
					return
				}
				sub = s
			}

			if sub == "" {
				log.Warn().Msg("missing subject (no JWT sub or X-Debug-Sub header)")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			var id Identity
			err := db.QueryRow(r.Context(),
				`SELECT id, tenant_id FROM app_user WHERE sub = $1`, sub).
				Scan(&id.UserID, &id.TenantID)
			if err == pgx.ErrNoRows {
				log.Warn().Str("sub", sub).Msg("authenticated subject has no app_user row")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if err != nil {
				log.Error().Err(err).Str("sub", sub).Msg("failed to resolve actor identity")
				http.Error(w, "server error", http.StatusInternalServerError)
				return
			}

			ctx := context.WithValue(r.Context(), ctxIdentity, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// From extracts the authenticated identity from request context.
// The zero Identity means the middleware did not run.
func From(ctx context.Context) Identity {
	if v := ctx.Value(ctxIdentity); v != nil {
		if id, ok := v.(Identity); ok {
			return id
		}
	}
	return Identity{}
}
