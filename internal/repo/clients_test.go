package repo

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/miradorstack/mirador-watchdog/internal/governance"
)

func jsonResponse(t *testing.T, status int, payload any) *http.Response {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(bytes.NewReader(data)),
		Header:     make(http.Header),
	}
}

func TestGovernanceClientCheck(t *testing.T) {
	client := NewGovernanceClient("https://policy.example.com/api", "", "secret", time.Second)
	client.http.httpClient = newTestClient(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/api/v1/governance/check" {
			t.Fatalf("unexpected path: %s", req.URL.Path)
		}
		if got := req.Header.Get("Authorization"); got != "Bearer secret" {
			t.Fatalf("unexpected authorization header %q", got)
		}
		var body governance.Request
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body.Playbook != "cascade-isolate-root" || !body.RequiresApproval {
			t.Fatalf("unexpected request body: %+v", body)
		}
		return jsonResponse(t, http.StatusOK, map[string]any{"allowed": false, "reason": "change freeze"}), nil
	}))

	decision, err := client.Check(context.Background(), governance.Request{Playbook: "cascade-isolate-root", RequiresApproval: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed || decision.Reason != "change freeze" {
		t.Fatalf("unexpected decision: %+v", decision)
	}
}

func TestGovernanceClientSurfacesServerErrors(t *testing.T) {
	client := NewGovernanceClient("https://policy.example.com", "", "", time.Second)
	client.http.httpClient = newTestClient(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(t, http.StatusBadGateway, map[string]any{}), nil
	}))

	if _, err := client.Check(context.Background(), governance.Request{}); err == nil {
		t.Fatalf("expected error for 502 response")
	}
}

func TestGovernanceClientRequiresBaseURL(t *testing.T) {
	client := NewGovernanceClient("", "", "", time.Second)
	_, err := client.Check(context.Background(), governance.Request{})
	if err == nil || !strings.Contains(err.Error(), "not configured") {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestSignerClientSign(t *testing.T) {
	client := NewSignerClient("https://signer.example.com", "", "ledger-key", "", time.Second)
	client.http.httpClient = newTestClient(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		var body map[string]string
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body["key_id"] != "ledger-key" || body["payload"] == "" {
			t.Fatalf("unexpected body: %v", body)
		}
		return jsonResponse(t, http.StatusOK, map[string]string{"signature": "c2ln"}), nil
	}))

	sig, err := client.Sign(context.Background(), []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sig != "c2ln" {
		t.Fatalf("unexpected signature %q", sig)
	}
}

func TestEd25519SignerRoundTrip(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, ed25519.SeedSize)
	path := filepath.Join(t.TempDir(), "ledger.key")
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)+"\n"), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	signer, err := LoadEd25519Signer(path)
	if err != nil {
		t.Fatalf("load signer: %v", err)
	}
	payload := []byte(`{"service":"payments"}`)
	sig, err := signer.Sign(context.Background(), payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !signer.Verify(payload, sig) {
		t.Fatalf("signature did not verify")
	}
	if signer.Verify([]byte(`{"service":"orders"}`), sig) {
		t.Fatalf("signature verified for a different payload")
	}
}

func TestNewEd25519SignerRejectsShortKey(t *testing.T) {
	if _, err := NewEd25519Signer(ed25519.PrivateKey([]byte("short"))); err == nil {
		t.Fatalf("expected error for short key")
	}
}
