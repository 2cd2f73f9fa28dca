package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"fundshield/config"
)

// ErrClientNotFound signals that no client is registered under the id.
var ErrClientNotFound = errors.New("auth: client not found")

// ClientStore looks up API clients.
type ClientStore interface {
	GetClient(ctx context.Context, id string) (Client, error)
}

// StaticClients serves the clients listed in configuration.
type StaticClients struct {
	byID map[string]Client
}

func NewStaticClients(cfg []config.ClientConfig) (*StaticClients, error) {
	s := &StaticClients{byID: make(map[string]Client, len(cfg))}
	for _, c := range cfg {
		id := strings.TrimSpace(c.ID)
		role := Role(strings.TrimSpace(c.Role))
		if id == "" || c.SecretHash == "" {
			return nil, fmt.Errorf("auth: client entries need id and secret_hash")
		}
		if !role.Valid() {
			return nil, fmt.Errorf("auth: client %s has invalid role %q", id, c.Role)
		}
		if _, dup := s.byID[id]; dup {
			return nil, fmt.Errorf("auth: client %s listed twice", id)
		}
		s.byID[id] = Client{ID: id, SecretHash: c.SecretHash, Role: role}
	}
	return s, nil
}

func (s *StaticClients) GetClient(_ context.Context, id string) (Client, error) {
	c, ok := s.byID[id]
	if !ok {
		return Client{}, ErrClientNotFound
	}
	return c, nil
}
