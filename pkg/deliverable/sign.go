package deliverable

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/mizan-labs/idis/pkg/canonjson"
	"github.com/mizan-labs/idis/pkg/keyring"
)

// Manifest is the detached signature over one exported artifact. Sig is
// the hex ed25519 signature over the canonical JSON of the manifest with
// sig absent, so recipients can verify from the manifest and the artifact
// bytes alone.
type Manifest struct {
	ArtifactSHA256  string    `json:"artifact_sha256"`
	DeliverableID   string    `json:"deliverable_id"`
	ExportTimestamp time.Time `json:"export_timestamp"`
	KeyID           string    `json:"key_id"`
	Sig             string    `json:"sig,omitempty"`
}

// SignArtifact builds and signs the manifest for rendered artifact bytes
// using the deliverable-signing key.
func SignArtifact(keys *keyring.Keyring, deliverableID string, artifact []byte, exportTS time.Time) (*Manifest, error) {
	if keys == nil {
		return nil, fmt.Errorf("deliverable: signing requires a keyring")
	}
	signer, err := keys.Signer(keyring.PurposeDeliverableSigning)
	if err != nil {
		return nil, fmt.Errorf("deliverable: derive signing key: %w", err)
	}
	m := &Manifest{
		ArtifactSHA256:  canonjson.HashBytes(artifact),
		DeliverableID:   deliverableID,
		ExportTimestamp: exportTS.UTC(),
		KeyID:           signer.KeyID(),
	}
	msg, err := signPreimage(m)
	if err != nil {
		return nil, err
	}
	m.Sig = hex.EncodeToString(signer.Sign(msg))
	return m, nil
}

// VerifyArtifact checks a manifest against artifact bytes and a public
// key. It fails closed: a hash mismatch, malformed signature, or absent
// signature all report false.
func VerifyArtifact(pub ed25519.PublicKey, m *Manifest, artifact []byte) bool {
	if m == nil || m.Sig == "" {
		return false
	}
	if canonjson.HashBytes(artifact) != m.ArtifactSHA256 {
		return false
	}
	sig, err := hex.DecodeString(m.Sig)
	if err != nil {
		return false
	}
	msg, err := signPreimage(m)
	if err != nil {
		return false
	}
	return keyring.Verify(pub, msg, sig)
}

func signPreimage(m *Manifest) ([]byte, error) {
	unsigned := *m
	unsigned.Sig = ""
	b, err := canonjson.Marshal(unsigned)
	if err != nil {
		return nil, fmt.Errorf("deliverable: encode manifest: %w", err)
	}
	return b, nil
}
