package audit

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// eventSchema is the closed schema every event must satisfy before emission.
// additionalProperties is false at every level: an event with a field this
// schema does not know is rejected, not trimmed.
const eventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["event_id", "occurred_at", "tenant_id", "actor", "request", "resource", "event_type", "severity", "summary", "payload"],
  "additionalProperties": false,
  "properties": {
    "event_id": {"type": "string", "minLength": 1},
    "occurred_at": {"type": "string", "format": "date-time"},
    "tenant_id": {"type": "string", "minLength": 1},
    "actor": {
      "type": "object",
      "required": ["actor_type", "actor_id"],
      "additionalProperties": false,
      "properties": {
        "actor_type": {"enum": ["HUMAN", "SERVICE"]},
        "actor_id": {"type": "string", "minLength": 1},
        "roles": {"type": "array", "items": {"type": "string"}},
        "ip": {"type": "string"},
        "user_agent": {"type": "string"}
      }
    },
    "request": {
      "type": "object",
      "required": ["request_id"],
      "additionalProperties": false,
      "properties": {
        "request_id": {"type": "string", "minLength": 1},
        "method": {"type": "string"},
        "path": {"type": "string"},
        "status_code": {"type": "integer"},
        "idempotency_key": {"type": "string"}
      }
    },
    "resource": {
      "type": "object",
      "required": ["resource_type", "resource_id"],
      "additionalProperties": false,
      "properties": {
        "resource_type": {"enum": ["DEAL", "DOCUMENT", "SPAN", "CLAIM", "EVIDENCE", "SANAD", "DEFECT", "CALC", "RUN", "RUN_STEP", "DELIVERABLE", "HUMAN_GATE", "TENANT", "API_KEY", "BYOK_KEY", "LEGAL_HOLD", "BREAK_GLASS", "WEBHOOK", "GRAPH_PROJECTION", "ARTIFACT", "DEBATE", "ENRICHMENT"]},
        "resource_id": {"type": "string", "minLength": 1}
      }
    },
    "event_type": {
      "type": "string",
      "pattern": "^(deal|claim|sanad|defect|calc|debate|human_gate|override|deliverable|break_glass|data|legal_hold|byok|graph_projection|enrichment|auth|tenant|rbac|webhook|integration|extraction)\\.[a-z0-9_]+(\\.[a-z0-9_]+)*$"
    },
    "severity": {"enum": ["LOW", "MEDIUM", "HIGH", "CRITICAL"]},
    "summary": {"type": "string", "minLength": 1},
    "payload": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "hashes": {"type": "array", "items": {"type": "string", "pattern": "^[0-9a-f]{64}$"}},
        "refs": {"type": "array", "items": {"type": "string"}},
        "safe": {"type": "object"}
      }
    }
  }
}`

// redactionBlocklist lists payload key names that may never appear, at any
// nesting depth, in payload.safe. Key comparison is case-insensitive exact
// match so hash-suffixed keys like token_sha256 stay legal.
var redactionBlocklist = []string{
	"password", "secret", "api_key", "token", "access_token",
	"refresh_token", "ssn", "social_security", "credit_card",
	"bank_account", "private_key",
}

// Validator checks candidate events against the closed schema and the
// redaction blocklist. It is safe for concurrent use after construction.
type Validator struct {
	schema  *jsonschema.Schema
	blocked map[string]bool
}

// NewValidator compiles the event schema. Compilation failure is a
// programming error surfaced at startup, not at emit time.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://idis.schemas.local/audit/event.schema.json"
	if err := c.AddResource(url, strings.NewReader(eventSchema)); err != nil {
		return nil, fmt.Errorf("audit: schema load failed: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("audit: schema compile failed: %w", err)
	}

	blocked := make(map[string]bool, len(redactionBlocklist))
	for _, k := range redactionBlocklist {
		blocked[k] = true
	}
	return &Validator{schema: compiled, blocked: blocked}, nil
}

// Validate rejects events that are structurally invalid or carry a
// blocklisted payload key. Any error here becomes AUDIT_EMIT_FAILED at the
// boundary.
func (v *Validator) Validate(e *Event) error {
	if e == nil {
		return fmt.Errorf("audit: nil event")
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: event marshal failed: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("audit: event decode failed: %w", err)
	}
	if err := v.schema.Validate(generic); err != nil {
		return fmt.Errorf("audit: event schema violation: %w", err)
	}

	if key := v.findBlockedKey(e.Payload.Safe); key != "" {
		return fmt.Errorf("audit: payload contains blocklisted key %q", key)
	}
	return nil
}

func (v *Validator) findBlockedKey(m map[string]any) string {
	for k, val := range m {
		if v.blocked[strings.ToLower(k)] {
			return k
		}
		if nested, ok := val.(map[string]any); ok {
			if hit := v.findBlockedKey(nested); hit != "" {
				return hit
			}
		}
	}
	return ""
}
