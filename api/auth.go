/*
auth.go - Operator identification

PURPOSE:
  Every ledger write records which operator processed it. This middleware
  puts the operator on the request context for the ledger to pick up.

RESOLUTION ORDER:
  1. Authorization: Bearer <HS256 JWT>   (when a secret is configured)
       sub  -> operator id
       name -> operator display name
  2. X-Operator-ID / X-Operator-Name     (when no secret is configured)
  3. ledger.DefaultOperator ("admin")

  With a secret configured, a missing or invalid token is rejected with 401.
*/
package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/warp/storecredit/ledger"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// OperatorClaims are the JWT claims identifying an operator.
type OperatorClaims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// IssueOperatorToken signs an HS256 token for op valid for ttl.
func IssueOperatorToken(secret string, op ledger.Operator, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := OperatorClaims{
		Name: op.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   op.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseOperatorToken validates tokenString and returns the operator it names.
func ParseOperatorToken(secret, tokenString string) (ledger.Operator, error) {
	claims := &OperatorClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return ledger.Operator{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return ledger.Operator{}, ErrInvalidToken
	}
	name := claims.Name
	if name == "" {
		name = claims.Subject
	}
	return ledger.Operator{ID: claims.Subject, Name: name}, nil
}

// OperatorMiddleware resolves the operator for each request.
func OperatorMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			op := ledger.DefaultOperator

			if secret != "" {
				header := r.Header.Get("Authorization")
				tokenString, ok := strings.CutPrefix(header, "Bearer ")
				if !ok || tokenString == "" {
					writeError(w, http.StatusUnauthorized, "unauthorized", ErrMissingToken)
					return
				}
				parsed, err := ParseOperatorToken(secret, tokenString)
				if err != nil {
					writeError(w, http.StatusUnauthorized, "unauthorized", err)
					return
				}
				op = parsed
			} else if id := r.Header.Get("X-Operator-ID"); id != "" {
				op = ledger.Operator{ID: id, Name: r.Header.Get("X-Operator-Name")}
				if op.Name == "" {
					op.Name = id
				}
			}

			next.ServeHTTP(w, r.WithContext(ledger.WithOperator(r.Context(), op)))
		})
	}
}
