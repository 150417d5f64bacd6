package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ngenohkevin/unitbus/internal/unitname"
)

const tokenIssuer = "unitbus"

// Scope is what a caller may do.
type Scope string

const (
	// ScopeRead allows status, logs, diagnosis and listings.
	ScopeRead Scope = "read"
	// ScopeControl additionally allows jobs, tasks, drop-ins and reloads.
	ScopeControl Scope = "control"
)

// ParseScope accepts "read" or "control". Empty means control.
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(s)) {
	case "", ScopeControl:
		return ScopeControl, nil
	case ScopeRead:
		return ScopeRead, nil
	}
	return "", fmt.Errorf("unknown scope %q", s)
}

// UnitClaims are the claims of an agent token. Units, when set, narrows the
// token to those units on top of ALLOWED_UNITS.
type UnitClaims struct {
	jwt.RegisteredClaims
	Scope Scope    `json:"scope"`
	Units []string `json:"units,omitempty"`
}

// Principal is the authenticated caller.
type Principal struct {
	Method  string   `json:"method"`
	Subject string   `json:"subject,omitempty"`
	Scope   Scope    `json:"scope"`
	Units   []string `json:"units,omitempty"`
}

// CanControl reports whether the caller may change unit state.
func (p *Principal) CanControl() bool {
	return p != nil && p.Scope == ScopeControl
}

// Restricted reports whether the caller is limited to a set of units.
func (p *Principal) Restricted() bool {
	return p != nil && len(p.Units) > 0
}

// AllowsUnit reports whether a canonical unit name is within the caller's reach.
func (p *Principal) AllowsUnit(name string) bool {
	if p == nil {
		return false
	}
	return len(p.Units) == 0 || slices.Contains(p.Units, name)
}

// AuthService checks API keys and signs and verifies HS256 tokens.
type AuthService struct {
	apiKey    string
	jwtSecret []byte
}

// NewAuthService creates a new auth service
func NewAuthService(apiKey, jwtSecret string) *AuthService {
	return &AuthService{
		apiKey:    apiKey,
		jwtSecret: []byte(jwtSecret),
	}
}

// ValidateAPIKey validates an API key
func (a *AuthService) ValidateAPIKey(key string) bool {
	return key != "" && a.apiKey != "" && subtle.ConstantTimeCompare([]byte(key), []byte(a.apiKey)) == 1
}

// GenerateToken signs a token for subject. Units are canonicalized first.
func (a *AuthService) GenerateToken(subject string, scope Scope, units []string, ttl time.Duration) (string, error) {
	if len(a.jwtSecret) == 0 {
		return "", errors.New("no signing secret configured")
	}
	canonical, err := canonicalUnits(units)
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := UnitClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
		Scope: scope,
		Units: canonical,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.jwtSecret)
}

// ValidateToken verifies signature, issuer and expiry.
func (a *AuthService) ValidateToken(tokenString string) (*UnitClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &UnitClaims{}, func(*jwt.Token) (interface{}, error) {
		return a.jwtSecret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*UnitClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Authenticate resolves a bearer credential into a Principal. The API key
// grants control over every allowed unit.
func (a *AuthService) Authenticate(credential string) (*Principal, error) {
	if a.ValidateAPIKey(credential) {
		return &Principal{Method: "api_key", Scope: ScopeControl}, nil
	}

	claims, err := a.ValidateToken(credential)
	if err != nil {
		return nil, err
	}
	scope, err := ParseScope(string(claims.Scope))
	if err != nil {
		return nil, err
	}
	units, err := canonicalUnits(claims.Units)
	if err != nil {
		return nil, err
	}
	return &Principal{Method: "jwt", Subject: claims.Subject, Scope: scope, Units: units}, nil
}

func canonicalUnits(units []string) ([]string, error) {
	if len(units) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(units))
	for _, u := range units {
		name, err := unitname.Canonicalize(u)
		if err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, nil
}

// ExtractToken reads the credential from the Authorization header, falling
// back to the token query parameter for EventSource clients.
func ExtractToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return c.Query("token")
}

func principalFrom(c *gin.Context) *Principal {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil
	}
	p, _ := v.(*Principal)
	return p
}
