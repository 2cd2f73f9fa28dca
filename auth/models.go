package auth

import "time"

type Role string

const (
	RoleAdmin      Role = "admin"
	RoleArbitrator Role = "arbitrator"
	RoleParty      Role = "party"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleArbitrator, RoleParty:
		return true
	default:
		return false
	}
}

// Principal is the verified caller of an API request. For arbitrators the
// subject is the arbitrator id; for parties it is the user id.
type Principal struct {
	Subject string
	Role    Role
}

// Client is an API client allowed to exchange its secret for a token.
type Client struct {
	ID         string
	SecretHash string
	Role       Role
}

// TokenRequest carries client credentials.
type TokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

type TokenResult struct {
	Token     string    `json:"access_token"`
	ExpiresAt time.Time `json:"expires_at"`
	Role      Role      `json:"role"`
}
