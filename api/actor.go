package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/warp/station-ledger/generic"
)

// ActorHeader names the caller when no bearer token is sent.
const ActorHeader = "X-Actor"

type actorKey struct{}

// ActorClaims is the token payload: sub is the actor ID, name its label.
type ActorClaims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// AuthOptions configures ActorMiddleware.
type AuthOptions struct {
	JWTSecret string
	Required  bool
}

// ActorMiddleware resolves who is calling. A bearer token wins over the
// X-Actor header. Without either the request runs as the system actor,
// unless Required is set.
func ActorMiddleware(opts AuthOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, err := actorFromRequest(r, opts.JWTSecret)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Invalid credentials", err)
				return
			}
			if actor.IsZero() {
				if opts.Required {
					writeError(w, http.StatusUnauthorized, "Authentication required", nil)
					return
				}
				actor = generic.SystemActor
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

func actorFromRequest(r *http.Request, secret string) (generic.Actor, error) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		raw, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok {
			return generic.Actor{}, errors.New("authorization header must be a bearer token")
		}
		return parseToken(strings.TrimSpace(raw), secret)
	}
	if id := strings.TrimSpace(r.Header.Get(ActorHeader)); id != "" {
		return generic.Actor{ID: id}, nil
	}
	return generic.Actor{}, nil
}

func parseToken(raw, secret string) (generic.Actor, error) {
	if secret == "" {
		return generic.Actor{}, errors.New("token authentication is not configured")
	}
	claims := &ActorClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return generic.Actor{}, err
	}
	if claims.Subject == "" {
		return generic.Actor{}, fmt.Errorf("token has no subject")
	}
	return generic.Actor{ID: claims.Subject, Name: claims.Name}, nil
}

// SignToken issues an HS256 token for an actor.
func SignToken(secret string, actor generic.Actor) (string, error) {
	claims := ActorClaims{
		Name:             actor.Name,
		RegisteredClaims: jwt.RegisteredClaims{Subject: actor.ID},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// WithActor stores the caller in ctx.
func WithActor(ctx context.Context, a generic.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the caller stored by ActorMiddleware.
func ActorFrom(ctx context.Context) generic.Actor {
	a, _ := ctx.Value(actorKey{}).(generic.Actor)
	return a
}
