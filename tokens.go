package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is used when TokenIssuer.TTL is zero.
const DefaultTokenTTL = 24 * time.Hour

// TokenIssuer issues and verifies HS256 bearer tokens whose subject is the
// encoded principal.
type TokenIssuer struct {
	SecretKey []byte
	Issuer    string
	TTL       time.Duration
	Codec     *Codec
	Now       func() time.Time
}

// Issue returns a signed token for user.
func (t *TokenIssuer) Issue(user *User) (string, error) {
	if len(t.SecretKey) == 0 {
		return "", errors.New("token secret key is not set")
	}
	subject := user.ID
	if t.Codec != nil {
		subject = t.Codec.Encode(user)
	}
	ttl := t.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := nowOr(t.Now)
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    t.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.SecretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks a token and returns its subject.
func (t *TokenIssuer) Verify(tokenString string) (string, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if t.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.Issuer))
	}
	if t.Now != nil {
		opts = append(opts, jwt.WithTimeFunc(t.Now))
	}
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return t.SecretKey, nil
	}, opts...)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}
