package models

import (
	"encoding/json"
	"time"
)

// LedgerEntry is one immutable record of the audit ledger.
type LedgerEntry struct {
	Sequence     int64
	Actor        string
	Action       string
	Resource     string
	Subsystem    string
	Payload      json.RawMessage
	Result       string
	Timestamp    time.Time
	EntryHash    string
	PreviousHash string

	// Signature is lifted out of the stored payload on read; empty when no
	// signer was configured at append time.
	Signature string
}
