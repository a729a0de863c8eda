// Package middleware содержит HTTP middleware платформы кредитных заявок.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mmeshcher/leadflow-system/internal/model"
)

type contextKey string

const actorKey contextKey = "actor"

const (
	authCookieName = "auth_token"
	authCookieTTL  = 30 * 24 * time.Hour
)

// Actor описывает аутентифицированного пользователя запроса.
type Actor struct {
	ID   int64
	Role model.Role
}

// AuthMiddleware выполняет проверку аутентификации по подписанному cookie.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретным ключом.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
	}
}

// Middleware проверяет cookie авторизации и добавляет пользователя в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(authCookieName)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		actor, ok := a.parseCookie(cookie.Value)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), actorKey, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole пропускает запрос дальше только при совпадении роли пользователя.
func RequireRole(role model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := GetActorFromContext(r.Context())
			if !ok || actor.Role != role {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SetAuthCookie устанавливает cookie авторизации для указанного пользователя.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, actor Actor) {
	value := a.sign(payload(actor))

	cookie := &http.Cookie{
		Name:     authCookieName,
		Value:    value,
		Path:     "/",
		Expires:  time.Now().Add(authCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	http.SetCookie(w, cookie)
}

func payload(actor Actor) string {
	return strconv.FormatInt(actor.ID, 10) + ":" + string(actor.Role)
}

func (a *AuthMiddleware) sign(data string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(data))
	return data + "." + hex.EncodeToString(mac.Sum(nil))
}

func (a *AuthMiddleware) parseCookie(cookieValue string) (Actor, bool) {
	parts := strings.Split(cookieValue, ".")
	if len(parts) != 2 {
		return Actor{}, false
	}

	data := parts[0]
	signature := parts[1]

	expected := a.sign(data)
	expectedParts := strings.Split(expected, ".")
	if len(expectedParts) != 2 {
		return Actor{}, false
	}

	if !hmac.Equal([]byte(signature), []byte(expectedParts[1])) {
		return Actor{}, false
	}

	fields := strings.Split(data, ":")
	if len(fields) != 2 {
		return Actor{}, false
	}

	id, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Actor{}, false
	}

	role := model.Role(fields[1])
	if role != model.RoleAdmin && role != model.RolePartner {
		return Actor{}, false
	}

	return Actor{ID: id, Role: role}, true
}

// GetActorFromContext извлекает пользователя из контекста запроса.
func GetActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey).(Actor)
	return actor, ok
}
