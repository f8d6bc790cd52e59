// Package admintoken issues and verifies operator API tokens (HS256).
package admintoken

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	DefaultIssuer   = "consultbot"
	DefaultAudience = "consultbot-admin"
	DefaultTokenTTL = time.Hour
	DefaultLeeway   = 15 * time.Second
	minSecretLen    = 32
)

// Options configures signing and verification.
type Options struct {
	Secret   string
	Issuer   string
	Audience string
	TTL      time.Duration
	Leeway   time.Duration
}

func (o Options) normalize() (Options, error) {
	o.Secret = strings.TrimSpace(o.Secret)
	if len(o.Secret) < minSecretLen {
		return o, fmt.Errorf("admin token secret must be at least %d bytes", minSecretLen)
	}
	if o.Issuer = strings.TrimSpace(o.Issuer); o.Issuer == "" {
		o.Issuer = DefaultIssuer
	}
	if o.Audience = strings.TrimSpace(o.Audience); o.Audience == "" {
		o.Audience = DefaultAudience
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTokenTTL
	}
	if o.Leeway <= 0 {
		o.Leeway = DefaultLeeway
	}
	return o, nil
}

// Signer issues operator tokens.
type Signer struct {
	opts Options
}

func NewSigner(opts Options) (*Signer, error) {
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}
	return &Signer{opts: opts}, nil
}

// Sign issues a token whose subject names the operator.
func (s *Signer) Sign(subject string) (string, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errors.New("admin token subject is required")
	}
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    s.opts.Issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{s.opts.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.opts.TTL)),
		ID:        randomHexID(12),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.opts.Secret))
}

// Verifier validates operator tokens.
type Verifier struct {
	opts Options
}

func NewVerifier(opts Options) (*Verifier, error) {
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}
	return &Verifier{opts: opts}, nil
}

// Verify validates signature, expiry, audience and issuer, and returns the subject.
func (v *Verifier) Verify(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New("token required")
	}
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return []byte(v.opts.Secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(v.opts.Audience),
		jwt.WithIssuer(v.opts.Issuer),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.opts.Leeway),
	)
	if err != nil || !parsed.Valid {
		if err == nil {
			err = errors.New("invalid token")
		}
		return "", err
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", errors.New("subject required")
	}
	return claims.Subject, nil
}

// BearerToken extracts a bearer token from request header.
func BearerToken(r *http.Request) (string, bool) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func randomHexID(nBytes int) string {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("%x", buf)
}
