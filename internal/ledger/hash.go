package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/miradorstack/mirador-watchdog/internal/models"
)

// GenesisHash is the previous hash of the first entry.
var GenesisHash = strings.Repeat("0", 64)

// SignatureKey is the reserved payload key that carries the signature.
const SignatureKey = "_signature"

// ComputeHash returns the hex SHA-256 of the entry's chained fields:
// sequence, actor, action, resource, payload, result and previous hash. Each
// field is length-prefixed so bytes cannot shift across a field boundary.
//
// Subsystem and Timestamp are stored but not hashed; Verify does not detect
// changes to them.
func ComputeHash(entry models.LedgerEntry) string {
	h := sha256.New()
	for _, field := range []string{
		strconv.FormatInt(entry.Sequence, 10),
		entry.Actor,
		entry.Action,
		entry.Resource,
		string(entry.Payload),
		entry.Result,
		entry.PreviousHash,
	} {
		fmt.Fprintf(h, "%d:%s;", len(field), field)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalPayload renders v as a JSON object with sorted keys. Nil becomes
// an empty object and non-object values are wrapped under "value". Any
// caller-supplied signature key is dropped.
func canonicalPayload(v any) (map[string]json.RawMessage, error) {
	obj := make(map[string]json.RawMessage)
	if v == nil {
		return obj, nil
	}

	var raw []byte
	switch p := v.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		raw = b
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return obj, nil
	}
	if trimmed[0] != '{' {
		if !json.Valid(trimmed) {
			return nil, fmt.Errorf("payload is not valid json")
		}
		obj["value"] = json.RawMessage(trimmed)
		return obj, nil
	}
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	delete(obj, SignatureKey)
	return obj, nil
}

// splitSignature separates the stored signature from the payload returned to
// readers. Payloads that are not objects are returned unchanged.
func splitSignature(stored json.RawMessage) (json.RawMessage, string) {
	if len(stored) == 0 || !bytes.Contains(stored, []byte(SignatureKey)) {
		return stored, ""
	}
	obj := make(map[string]json.RawMessage)
	if err := json.Unmarshal(stored, &obj); err != nil {
		return stored, ""
	}
	rawSig, ok := obj[SignatureKey]
	if !ok {
		return stored, ""
	}
	var sig string
	if err := json.Unmarshal(rawSig, &sig); err != nil {
		return stored, ""
	}
	delete(obj, SignatureKey)
	clean, err := json.Marshal(obj)
	if err != nil {
		return stored, ""
	}
	return clean, sig
}
