package gateway

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthorized = errors.New("gateway: unauthorized")

// Caller is who asks for a call and for which contract.
type Caller struct {
	AgentID   string
	SessionID string
	Contract  string
	Token     string
}

// Authorizer decides whether a caller may use a contract.
type Authorizer interface {
	Authorize(ctx context.Context, c Caller) error
}

// AllowAll authorizes every caller that names an agent.
type AllowAll struct{}

func (AllowAll) Authorize(ctx context.Context, c Caller) error {
	if c.AgentID == "" {
		return fmt.Errorf("%w: missing agent id", ErrUnauthorized)
	}
	return nil
}

// AgentClaims are the JWT claims an execution agent presents. The subject
// is the agent id; Contracts lists contract names it may call, "*" for all.
type AgentClaims struct {
	jwt.RegisteredClaims
	Contracts []string `json:"contracts"`
}

// JWTAuthorizer validates HS256 agent tokens.
type JWTAuthorizer struct {
	key    []byte
	issuer string
}

func NewJWTAuthorizer(key []byte, issuer string) (*JWTAuthorizer, error) {
	if len(key) < 32 {
		return nil, fmt.Errorf("gateway: JWT key must be at least 32 bytes")
	}
	return &JWTAuthorizer{key: key, issuer: issuer}, nil
}

// Issue mints a token for an agent.
func (a *JWTAuthorizer) Issue(agentID string, contracts []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AgentClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Contracts: contracts,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.key)
}

func (a *JWTAuthorizer) Authorize(ctx context.Context, c Caller) error {
	if c.Token == "" {
		return fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	claims := &AgentClaims{}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	token, err := jwt.ParseWithClaims(c.Token, claims, func(t *jwt.Token) (any, error) {
		return a.key, nil
	}, opts...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !token.Valid {
		return fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	if claims.Subject != c.AgentID {
		return fmt.Errorf("%w: token subject %q does not match agent %q", ErrUnauthorized, claims.Subject, c.AgentID)
	}
	if !slices.Contains(claims.Contracts, "*") && !slices.Contains(claims.Contracts, c.Contract) {
		return fmt.Errorf("%w: agent %s may not call contract %s", ErrUnauthorized, c.AgentID, c.Contract)
	}
	return nil
}
