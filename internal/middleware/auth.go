package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type contextKey string

const PageIDKey contextKey = "page_id"

var ErrInvalidPageToken = errors.New("invalid page token")

// PageAuth issues and checks the tokens that bind a browser page to its
// conversation.
type PageAuth struct {
	Secret []byte
	TTL    time.Duration
}

func NewPageAuth(secret string, ttl time.Duration) *PageAuth {
	return &PageAuth{Secret: []byte(secret), TTL: ttl}
}

// GeneratePageToken creates a signed token for pageID
func (a *PageAuth) GeneratePageToken(pageID uuid.UUID) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"page_id": pageID.String(),
		"iat":     now.Unix(),
		"exp":     now.Add(a.TTL).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.Secret)
}

// ParsePageToken verifies tokenStr and returns the page it names.
func (a *PageAuth) ParsePageToken(tokenStr string) (uuid.UUID, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.Secret, nil
	})
	if err != nil {
		return uuid.Nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return uuid.Nil, ErrInvalidPageToken
	}

	pageIDStr, ok := claims["page_id"].(string)
	if !ok {
		return uuid.Nil, ErrInvalidPageToken
	}

	pageID, err := uuid.Parse(pageIDStr)
	if err != nil {
		return uuid.Nil, ErrInvalidPageToken
	}
	return pageID, nil
}

// Middleware validates the page token and attaches page_id to context
func (a *PageAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr, ok := pageToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing page token", r)
			return
		}

		pageID, err := a.ParsePageToken(tokenStr)
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				writeError(w, http.StatusUnauthorized, "TOKEN_EXPIRED", "Page token has expired, reload the page", r)
			} else {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid page token", r)
			}
			return
		}

		ctx := context.WithValue(r.Context(), PageIDKey, pageID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// pageToken looks in the Authorization header, then X-Page-Token, then the
// token query parameter.
func pageToken(r *http.Request) (string, bool) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if tok := r.Header.Get("X-Page-Token"); tok != "" {
		return tok, true
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, true
	}
	return "", false
}

// GetPageID extracts page_id from request context
func GetPageID(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(PageIDKey).(uuid.UUID)
	return id
}

func writeError(w http.ResponseWriter, status int, code, message string, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"code":       code,
			"message":    message,
			"request_id": requestID,
		},
	})
}
