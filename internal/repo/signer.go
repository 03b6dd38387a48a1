package repo

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// SignerClient delegates payload signing to a remote signature service.
type SignerClient struct {
	http     httpClient
	signPath string
	keyID    string
}

// NewSignerClient constructs a client for the signer at baseURL.
func NewSignerClient(baseURL, signPath, keyID, token string, timeout time.Duration) *SignerClient {
	if signPath == "" {
		signPath = "/v1/sign"
	}
	return &SignerClient{
		http:     newHTTPClient("signature service", baseURL, token, timeout),
		signPath: signPath,
		keyID:    keyID,
	}
}

// Sign returns the service's signature over payload.
func (c *SignerClient) Sign(ctx context.Context, payload []byte) (string, error) {
	if c == nil {
		return "", fmt.Errorf("signer client not initialised")
	}
	req := map[string]string{
		"key_id":  c.keyID,
		"payload": base64.StdEncoding.EncodeToString(payload),
	}
	var resp struct {
		Signature string `json:"signature"`
	}
	if err := c.http.postJSON(ctx, c.http.resolvePath(c.signPath), req, &resp); err != nil {
		return "", fmt.Errorf("sign request failed: %w", err)
	}
	if resp.Signature == "" {
		return "", errors.New("signature service returned an empty signature")
	}
	return resp.Signature, nil
}

// Ed25519Signer signs payloads with a local key.
type Ed25519Signer struct {
	key ed25519.PrivateKey
}

// NewEd25519Signer wraps a private key.
func NewEd25519Signer(key ed25519.PrivateKey) (*Ed25519Signer, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("ed25519 key must be %d bytes, got %d", ed25519.PrivateKeySize, len(key))
	}
	return &Ed25519Signer{key: key}, nil
}

// LoadEd25519Signer reads a hex-encoded 32-byte seed from path.
func LoadEd25519Signer(path string) (*Ed25519Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode signing key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return NewEd25519Signer(ed25519.NewKeyFromSeed(seed))
}

// Sign returns the base64 signature of payload.
func (s *Ed25519Signer) Sign(_ context.Context, payload []byte) (string, error) {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.key, payload)), nil
}

// Verify reports whether signature matches payload under the signer's key.
func (s *Ed25519Signer) Verify(payload []byte, signature string) bool {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(s.key.Public().(ed25519.PublicKey), payload, sig)
}
