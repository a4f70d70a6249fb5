package domain

import "time"

// AuditEntry is one append-only, strictly monotonic record in the hash-chained
// audit log. Storage enforces uniqueness on SeqNum, making the log physically
// immutable.
type AuditEntry struct {
	SeqNum       int64          `json:"seqNum"`
	Timestamp    time.Time      `json:"timestamp"`
	Op           string         `json:"op"`
	Kid          string         `json:"kid,omitempty"`
	RequestID    string         `json:"requestId"`
	UserID       string         `json:"userId,omitempty"`
	Origin       string         `json:"origin,omitempty"`
	DurationMs   *int64         `json:"durationMs,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	PreviousHash string         `json:"previousHash"`
	ChainHash    string         `json:"chainHash"`
	SignerID     string         `json:"signerId"`
	Sig          []byte         `json:"sig"`
}

// CanonicalFields returns the entry's fields excluding chainHash and sig, in the
// shape the canonical JSON encoder accepts. This is what ChainHash hashes.
func (e *AuditEntry) CanonicalFields() map[string]CanonicalValue {
	fields := map[string]CanonicalValue{
		"seqNum":       e.SeqNum,
		"timestamp":    e.Timestamp.UTC().Format(time.RFC3339Nano),
		"op":           e.Op,
		"requestId":    e.RequestID,
		"previousHash": e.PreviousHash,
		"signerId":     e.SignerID,
	}
	if e.Kid != "" {
		fields["kid"] = e.Kid
	}
	if e.UserID != "" {
		fields["userId"] = e.UserID
	}
	if e.Origin != "" {
		fields["origin"] = e.Origin
	}
	if e.DurationMs != nil {
		fields["durationMs"] = *e.DurationMs
	}
	if len(e.Details) > 0 {
		fields["details"] = canonicalDetails(e.Details)
	}
	return fields
}

// canonicalDetails narrows an arbitrary details map down to the CanonicalValue
// subset the encoder supports (string, bool, int64, nested maps of the same).
func canonicalDetails(details map[string]any) map[string]CanonicalValue {
	out := make(map[string]CanonicalValue, len(details))
	for k, v := range details {
		switch val := v.(type) {
		case string:
			out[k] = val
		case []string:
			out[k] = val
		case bool:
			out[k] = val
		case int:
			out[k] = int64(val)
		case int64:
			out[k] = val
		case map[string]any:
			out[k] = canonicalDetails(val)
		}
	}
	return out
}

// AuditVerifyResult is the return value of verifyAuditChain.
type AuditVerifyResult struct {
	Valid    bool     `json:"valid"`
	Verified int      `json:"verified"`
	Errors   []string `json:"errors"`
}
