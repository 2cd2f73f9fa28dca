package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const issuer = "fundshield"

var (
	// ErrInvalidCredentials signals an unknown client or a wrong secret.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrInvalidToken       = errors.New("auth: invalid token")
	// ErrWeakSecret signals a client secret shorter than 16 characters.
	ErrWeakSecret = errors.New("auth: client secret must be at least 16 characters")
)

type claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Service issues and verifies the bearer tokens of the API.
type Service struct {
	clients   ClientStore
	jwtSecret []byte
	ttl       time.Duration
	now       func() time.Time
}

func NewService(clients ClientStore, jwtSecret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		clients:   clients,
		jwtSecret: []byte(jwtSecret),
		ttl:       ttl,
		now:       time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// HashSecret bcrypt-hashes a client secret for the clients config list.
func HashSecret(secret string) (string, error) {
	if len(secret) < 16 {
		return "", ErrWeakSecret
	}
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash secret: %w", err)
	}
	return string(h), nil
}

// Exchange trades client credentials for a token whose subject is the client id.
func (s *Service) Exchange(ctx context.Context, req TokenRequest) (TokenResult, error) {
	client, err := s.clients.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, ErrClientNotFound) {
			return TokenResult{}, ErrInvalidCredentials
		}
		return TokenResult{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(req.ClientSecret)); err != nil {
		return TokenResult{}, ErrInvalidCredentials
	}
	return s.Issue(client.ID, client.Role)
}

// Issue signs a token for subject. Used by Exchange and by operators minting
// tokens from the command line.
func (s *Service) Issue(subject string, role Role) (TokenResult, error) {
	if subject == "" {
		return TokenResult{}, fmt.Errorf("auth: subject is required")
	}
	if !role.Valid() {
		return TokenResult{}, fmt.Errorf("auth: invalid role %q", role)
	}
	now := s.now()
	exp := now.Add(s.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return TokenResult{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return TokenResult{Token: signed, ExpiresAt: exp, Role: role}, nil
}

// VerifyToken validates a bearer token and returns its principal.
func (s *Service) VerifyToken(tokenString string) (Principal, error) {
	var c claims
	_, err := jwt.ParseWithClaims(tokenString, &c, func(*jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if c.Subject == "" || !c.Role.Valid() {
		return Principal{}, fmt.Errorf("%w: missing subject or role", ErrInvalidToken)
	}
	return Principal{Subject: c.Subject, Role: c.Role}, nil
}
