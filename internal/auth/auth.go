// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

// Package auth validates HS256 bearer tokens and derives the claim set used
// by sync-rule evaluation. LakeSync validates tokens; it never issues them.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Roles recognized by the gateway.
const (
	RoleClient = "client"
	RoleAdmin  = "admin"
)

// Registered claim names with gateway-specific meaning. Any other string or
// string-list claim passes through to Custom for sync-rule resolution.
const (
	claimSubject = "sub"
	claimGateway = "gw"
	claimRole    = "role"
)

var (
	// ErrMissingToken is returned when no bearer token is present.
	ErrMissingToken = errors.New("auth: missing bearer token")

	// ErrInvalidToken is returned for malformed or badly signed tokens.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrExpiredToken is returned for tokens past their exp claim.
	ErrExpiredToken = errors.New("auth: token expired")

	// ErrMissingClaim is returned when a required claim is absent.
	ErrMissingClaim = errors.New("auth: required claim missing")
)

// Claims is the authenticated identity attached to a request or WebSocket
// session. Custom carries every non-registered string or string-list claim,
// resolvable in sync rules as claim:<name>.
type Claims struct {
	ClientID  string
	GatewayID string
	Role      string
	Custom    map[string]any
}

// IsAdmin reports whether the claims carry the admin role.
func (c *Claims) IsAdmin() bool {
	return c != nil && c.Role == RoleAdmin
}

// Resolve returns the named custom claim, with sub, gw, and role also
// addressable by their registered names.
func (c *Claims) Resolve(name string) (any, bool) {
	if c == nil {
		return nil, false
	}
	switch name {
	case claimSubject:
		return c.ClientID, true
	case claimGateway:
		return c.GatewayID, true
	case claimRole:
		return c.Role, true
	}
	v, ok := c.Custom[name]
	return v, ok
}

// Verifier validates HS256 tokens against a shared secret.
//
// A nil Verifier (no secret configured) disables authentication: Verify
// returns nil claims and no error, and all routes are open.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier, or nil when secret is empty.
func NewVerifier(secret string) *Verifier {
	if secret == "" {
		return nil
	}
	return &Verifier{secret: []byte(secret)}
}

// Enabled reports whether token validation is configured.
func (v *Verifier) Enabled() bool {
	return v != nil
}

// Verify parses and validates a compact JWT, returning the derived claims.
//
// Required claims: sub (clientId), gw (gatewayId), exp. Optional role
// defaults to "client". Only HMAC signing methods are accepted, which
// forecloses algorithm-confusion attacks.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	if v == nil {
		return nil, nil
	}
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	sub, _ := mapClaims[claimSubject].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	gw, _ := mapClaims[claimGateway].(string)
	if gw == "" {
		return nil, fmt.Errorf("%w: gw", ErrMissingClaim)
	}

	role, _ := mapClaims[claimRole].(string)
	if role == "" {
		role = RoleClient
	}

	claims := &Claims{
		ClientID:  sub,
		GatewayID: gw,
		Role:      role,
		Custom:    make(map[string]any),
	}
	for name, value := range mapClaims {
		switch name {
		case claimSubject, claimGateway, claimRole, "exp", "iat", "nbf", "iss", "aud", "jti":
			continue
		}
		switch v := value.(type) {
		case string:
			claims.Custom[name] = v
		case []any:
			list := make([]string, 0, len(v))
			for _, item := range v {
				if s, ok := item.(string); ok {
					list = append(list, s)
				}
			}
			if len(list) == len(v) {
				claims.Custom[name] = list
			}
		}
	}
	return claims, nil
}

// BearerToken extracts the token from an Authorization header value or a
// raw query token, preferring the header. Returns "" when neither is set.
func BearerToken(authorization, queryToken string) string {
	if authorization != "" {
		if after, found := strings.CutPrefix(authorization, "Bearer "); found {
			return strings.TrimSpace(after)
		}
		return ""
	}
	return queryToken
}
