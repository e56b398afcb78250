package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims accepted from integration services.
type Claims struct {
	jwt.RegisteredClaims
	TenantID   string   `json:"tenant_id"`
	Name       string   `json:"name,omitempty"`
	Timezone   string   `json:"timezone,omitempty"`
	DataRegion string   `json:"data_region"`
	Roles      []string `json:"roles"`
}

// JWTAuthenticator verifies HS256 bearer tokens for INTEGRATION_SERVICE
// principals. Tokens signed with any other algorithm are rejected; alg
// confusion must not downgrade verification.
type JWTAuthenticator struct {
	secret []byte
}

// NewJWTAuthenticator builds a verifier over a shared HMAC secret.
func NewJWTAuthenticator(secret []byte) (*JWTAuthenticator, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("auth: empty JWT secret")
	}
	return &JWTAuthenticator{secret: secret}, nil
}

// Verify parses and validates a token, returning the service identity.
// Expiry and not-before are enforced by the jwt library; subject and tenant
// binding are enforced here.
func (a *JWTAuthenticator) Verify(tokenStr string) (*TenantContext, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("auth: token validation: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("auth: invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("auth: token subject required")
	}
	if claims.TenantID == "" {
		return nil, fmt.Errorf("auth: token tenant binding required")
	}

	roles := ParseRoles(claims.Roles)
	if len(roles) == 0 {
		roles = []Role{RoleIntegrationService}
	}
	return &TenantContext{
		TenantID:   claims.TenantID,
		ActorID:    claims.Subject,
		Name:       claims.Name,
		Timezone:   claims.Timezone,
		DataRegion: claims.DataRegion,
		Roles:      roles,
	}, nil
}

// Issue mints a token for tests and service bootstrap tooling.
func (a *JWTAuthenticator) Issue(claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}
