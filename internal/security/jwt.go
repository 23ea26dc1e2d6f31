package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// JWT validation errors.
var (
	// ErrInvalidToken indicates a token is malformed or fails validation.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken indicates a token has expired.
	ErrExpiredToken = errors.New("token expired")
	// ErrTokenReused indicates a single-use token was already consumed.
	ErrTokenReused = errors.New("token already used")
)

const adminIssuer = "formrelay-admin"

// AdminClaims defines JWT claims for administrators.
type AdminClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// FormClaims defines the single-use token embedded in a rendered form.
type FormClaims struct {
	FormID uint64 `json:"form_id"`
	Action string `json:"action"`
	jwt.RegisteredClaims
}

// FormAction is the action a form token authorizes.
func FormAction(formID uint64) string {
	return fmt.Sprintf("submit_form:%d", formID)
}

// GenerateAdminToken signs an admin JWT with the configured expiry.
func GenerateAdminToken(secret string, username string, expiry time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := AdminClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    adminIssuer,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseAdminToken validates an admin JWT and returns its claims.
func ParseAdminToken(secret string, tokenString string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	if err := parseHS256(secret, tokenString, claims, jwt.WithIssuer(adminIssuer)); err != nil {
		return nil, err
	}
	return claims, nil
}

// GenerateFormToken signs a token that authorizes one submission of formID.
func GenerateFormToken(secret string, formID uint64, expiry time.Duration) (string, *FormClaims, error) {
	now := time.Now().UTC()
	claims := &FormClaims{
		FormID: formID,
		Action: FormAction(formID),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", nil, err
	}
	return signed, claims, nil
}

// ParseFormToken validates a form token against the expected form.
// It does not consume the token; see NonceStore.
func ParseFormToken(secret string, tokenString string, formID uint64) (*FormClaims, error) {
	claims := &FormClaims{}
	if err := parseHS256(secret, tokenString, claims); err != nil {
		return nil, err
	}
	if claims.FormID != formID || claims.Action != FormAction(formID) || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func parseHS256(secret, tokenString string, claims jwt.Claims, opts ...jwt.ParserOption) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpiredToken
		}
		return ErrInvalidToken
	}
	if !token.Valid {
		return ErrInvalidToken
	}
	return nil
}
