// Package redact removes personal data from values before they are written
// to the audit trail.
package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"reflect"
	"sort"
	"strings"
)

// DefaultSensitiveKeys are map keys whose values are always hashed.
var DefaultSensitiveKeys = []string{
	"password",
	"token",
	"secret",
	"api_key",
	"authorization",
	"national_id",
	"tckn",
	"tc_kimlik_no",
	"iban",
}

// Redactor hashes sensitive fields and masks PII found in string values.
type Redactor struct {
	salt      []byte
	sensitive map[string]struct{}
}

// New creates a Redactor. A nil keys slice uses DefaultSensitiveKeys.
func New(salt []byte, keys []string) *Redactor {
	if keys == nil {
		keys = DefaultSensitiveKeys
	}
	r := &Redactor{
		salt:      append([]byte(nil), salt...),
		sensitive: make(map[string]struct{}, len(keys)),
	}
	for _, k := range keys {
		r.sensitive[strings.ToLower(k)] = struct{}{}
	}
	return r
}

// Value returns a copy of v with sensitive keys hashed and PII masked.
// Maps and slices are walked recursively; other scalars pass through.
func (r *Redactor) Value(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return String(t)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, inner := range t {
			if r.isSensitive(k) {
				out[k] = r.hash(inner)
				continue
			}
			out[k] = r.Value(inner)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, inner := range t {
			out[i] = r.Value(inner)
		}
		return out
	case []string:
		out := make([]interface{}, len(t))
		for i, inner := range t {
			out[i] = String(inner)
		}
		return out
	default:
		return v
	}
}

// Diff builds the redacted_diff payload of an audit event: only keys whose
// value changed appear, each as {"from": ..., "to": ...}. Keys are emitted
// in sorted order so the same inputs always produce the same bytes.
func (r *Redactor) Diff(before, after map[string]interface{}) json.RawMessage {
	keys := make(map[string]struct{}, len(before)+len(after))
	for k := range before {
		keys[k] = struct{}{}
	}
	for k := range after {
		keys[k] = struct{}{}
	}

	sorted := make([]string, 0, len(keys))
	for k := range keys {
		if reflect.DeepEqual(before[k], after[k]) {
			continue
		}
		sorted = append(sorted, k)
	}
	if len(sorted) == 0 {
		return nil
	}
	sort.Strings(sorted)

	changes := make(map[string]interface{}, len(sorted))
	for _, k := range sorted {
		var from, to interface{}
		if r.isSensitive(k) {
			from, to = r.hash(before[k]), r.hash(after[k])
		} else {
			from, to = r.Value(before[k]), r.Value(after[k])
		}
		changes[k] = map[string]interface{}{"from": from, "to": to}
	}

	// encoding/json sorts map keys.
	b, err := json.Marshal(changes)
	if err != nil {
		b, _ = json.Marshal(map[string]string{"redaction_error": "unencodable_value"})
	}
	return b
}

func (r *Redactor) isSensitive(key string) bool {
	_, ok := r.sensitive[strings.ToLower(key)]
	return ok
}

func (r *Redactor) hash(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	var b []byte
	if s, ok := v.(string); ok {
		b = []byte(s)
	} else {
		b, _ = json.Marshal(v)
	}
	return "sha256:" + hashBytes(b, r.salt)[:16]
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
