package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims is the token shape accepted on register and on the call API.
type Claims struct {
	jwt.RegisteredClaims

	UserID string `json:"user_id"`
}

// Manager issues and verifies HS256 tokens bound to a user id.
type Manager struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewManager(secret, issuer string) (*Manager, error) {
	if secret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	return &Manager{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// Issue signs a token for userID valid for ttl. Used by tooling and tests.
func (m *Manager) Issue(userID domain.UserID, ttl time.Duration) (string, error) {
	now := m.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		UserID: userID.String(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Verify parses and validates token, returning the user it was issued to.
func (m *Manager) Verify(token string) (domain.UserID, error) {
	var claims Claims

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	_, err := jwt.NewParser(opts...).ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, domain.ErrUnauthorized)
	}
	if claims.UserID == "" {
		return "", fmt.Errorf("user_id missing: %w", domain.ErrUnauthorized)
	}
	return domain.UserID(claims.UserID), nil
}

// VerifyUser checks that token was issued to userID.
func (m *Manager) VerifyUser(token string, userID domain.UserID) error {
	if token == "" {
		return fmt.Errorf("missing token: %w", domain.ErrUnauthorized)
	}
	got, err := m.Verify(token)
	if err != nil {
		return err
	}
	if got != userID {
		return fmt.Errorf("token issued to %s: %w", got, domain.ErrUnauthorized)
	}
	return nil
}
