/**
 * @description
 * This file contains the operator authentication middleware. Mutating routes accept either
 * the shared internal API key used by sibling services or an HS256 operator JWT issued by
 * the treasury dashboard.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: For operator token validation.
 */

package api

import (
	"crypto/subtle"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/transfa/treasury-service/internal/app"
)

const (
	InternalAPIKeyHeader = "X-Internal-API-Key"
	internalActor        = "internal-service"
)

// AuthConfig holds the credentials accepted by OperatorAuthMiddleware.
type AuthConfig struct {
	InternalAPIKey string
	JWTSecret      string
}

// OperatorAuthMiddleware authenticates the caller and records it as the actor of the request.
func OperatorAuthMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	internalKey := strings.TrimSpace(cfg.InternalAPIKey)
	jwtSecret := []byte(strings.TrimSpace(cfg.JWTSecret))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if provided := strings.TrimSpace(r.Header.Get(InternalAPIKeyHeader)); provided != "" {
				if internalKey == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(internalKey)) != 1 {
					log.Printf("level=warn component=api msg=\"rejected internal api key\" path=%s", r.URL.Path)
					writeErrorJSON(w, http.StatusUnauthorized, "invalid internal api key")
					return
				}
				next.ServeHTTP(w, r.WithContext(app.ContextWithActor(r.Context(), internalActor)))
				return
			}

			authHeader := r.Header.Get("Authorization")
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if authHeader == "" || tokenString == authHeader {
				writeErrorJSON(w, http.StatusUnauthorized, "authorization required")
				return
			}
			if len(jwtSecret) == 0 {
				writeErrorJSON(w, http.StatusUnauthorized, "operator tokens are not accepted")
				return
			}

			subject, err := operatorSubject(tokenString, jwtSecret)
			if err != nil {
				log.Printf("level=warn component=api msg=\"rejected operator token\" path=%s err=%v", r.URL.Path, err)
				writeErrorJSON(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(app.ContextWithActor(r.Context(), subject)))
		})
	}
}

func operatorSubject(tokenString string, secret []byte) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", fmt.Errorf("token is not valid")
	}
	subject, err := token.Claims.GetSubject()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(subject) == "" {
		return "", fmt.Errorf("subject claim is required")
	}
	return subject, nil
}
