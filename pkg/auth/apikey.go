package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mizan-labs/idis/pkg/errs"
)

// HeaderAPIKey carries the static API key credential.
const HeaderAPIKey = "X-IDIS-API-Key"

// keyRecord is one entry of the IDIS_API_KEYS_JSON map.
type keyRecord struct {
	TenantID   string   `json:"tenant_id"`
	ActorID    string   `json:"actor_id"`
	Name       string   `json:"name"`
	Timezone   string   `json:"timezone"`
	DataRegion string   `json:"data_region"`
	Roles      []string `json:"roles"`
}

// KeyRegistry resolves API keys to tenant contexts. Keys are stored hashed;
// the raw key exists only in the incoming header and is never retained or
// logged.
type KeyRegistry struct {
	byHash map[string]*TenantContext
}

// ParseKeysJSON builds a registry from the IDIS_API_KEYS_JSON document:
// a JSON object mapping raw API keys to tenant/actor records. An entry
// missing tenant_id or actor_id is a configuration error; a permissive
// parse here would mint an anonymous principal.
func ParseKeysJSON(raw string) (*KeyRegistry, error) {
	if strings.TrimSpace(raw) == "" {
		return &KeyRegistry{byHash: map[string]*TenantContext{}}, nil
	}
	var entries map[string]keyRecord
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("auth: parse IDIS_API_KEYS_JSON: %w", err)
	}
	reg := &KeyRegistry{byHash: make(map[string]*TenantContext, len(entries))}
	for key, rec := range entries {
		if key == "" || rec.TenantID == "" || rec.ActorID == "" {
			return nil, fmt.Errorf("auth: IDIS_API_KEYS_JSON entry missing key, tenant_id, or actor_id")
		}
		reg.byHash[hashKey(key)] = &TenantContext{
			TenantID:   rec.TenantID,
			ActorID:    rec.ActorID,
			Name:       rec.Name,
			Timezone:   rec.Timezone,
			DataRegion: rec.DataRegion,
			Roles:      ParseRoles(rec.Roles),
		}
	}
	return reg, nil
}

// Len reports the number of registered keys.
func (r *KeyRegistry) Len() int { return len(r.byHash) }

// Lookup resolves a raw API key. The returned context is a copy; callers
// may not mutate registry state through it.
func (r *KeyRegistry) Lookup(rawKey string) (*TenantContext, bool) {
	tc, ok := r.byHash[hashKey(rawKey)]
	if !ok {
		return nil, false
	}
	copied := *tc
	copied.Roles = append([]Role(nil), tc.Roles...)
	return &copied, true
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Authenticator resolves request credentials in fixed order: the API-key
// header first, then a bearer token. Every failure collapses to the same
// unauthorized error.
type Authenticator struct {
	keys *KeyRegistry
	jwt  *JWTAuthenticator
}

// NewAuthenticator builds the chain. Either argument may be nil; a nil
// registry or verifier simply never matches.
func NewAuthenticator(keys *KeyRegistry, jwt *JWTAuthenticator) *Authenticator {
	return &Authenticator{keys: keys, jwt: jwt}
}

// Authenticate resolves the request's identity.
func (a *Authenticator) Authenticate(r *http.Request) (*TenantContext, error) {
	if apiKey := r.Header.Get(HeaderAPIKey); apiKey != "" {
		if a.keys != nil {
			if tc, ok := a.keys.Lookup(apiKey); ok {
				return tc, nil
			}
		}
		return nil, errs.Unauthorized()
	}

	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" && a.jwt != nil {
			tc, err := a.jwt.Verify(parts[1])
			if err != nil {
				return nil, errs.Unauthorized()
			}
			return tc, nil
		}
		return nil, errs.Unauthorized()
	}

	return nil, errs.Unauthorized()
}
