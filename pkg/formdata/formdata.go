// Package formdata holds the in-progress values of one document plus the
// cleaning and hashing used to key generated artifacts.
package formdata

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// HashPrefix tags the algorithm used by Hash.
const HashPrefix = "sha256:"

// FormData maps field ids to their raw string values.
type FormData map[string]string

// Clone returns an independent copy. A nil receiver yields an empty map.
func (d FormData) Clone() FormData {
	out := make(FormData, len(d))
	for key, value := range d {
		out[key] = value
	}
	return out
}

// Keep returns a copy holding only the listed keys that are present.
func (d FormData) Keep(keys ...string) FormData {
	out := make(FormData, len(keys))
	for _, key := range keys {
		if value, ok := d[key]; ok {
			out[key] = value
		}
	}
	return out
}

// Equal reports whether both maps hold the same keys and values.
func (d FormData) Equal(other FormData) bool {
	if len(d) != len(other) {
		return false
	}
	for key, value := range d {
		got, ok := other[key]
		if !ok || got != value {
			return false
		}
	}
	return true
}

// Clean drops keys that are not in validIDs and values that are empty once
// trimmed. Kept values are stored trimmed.
func Clean(data FormData, validIDs map[string]struct{}) FormData {
	out := make(FormData, len(data))
	for key, value := range data {
		if _, ok := validIDs[key]; !ok {
			continue
		}
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		out[key] = trimmed
	}
	return out
}

// Hash fingerprints data: keys are sorted explicitly, the pairs are encoded
// as a canonical JSON object and the bytes are hashed with SHA-256. Insertion
// order never affects the result.
func Hash(data FormData) string {
	sum := sha256.Sum256(Canonical(data))
	return HashPrefix + hex.EncodeToString(sum[:])
}

// Canonical returns the sorted-key JSON encoding of data.
func Canonical(data FormData) []byte {
	keys := make([]string, 0, len(data))
	for key := range data {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeString(&buf, key)
		buf.WriteByte(':')
		writeString(&buf, data[key])
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

func writeString(buf *bytes.Buffer, value string) {
	// json.Marshal of a string cannot fail.
	encoded, _ := json.Marshal(value)
	buf.Write(encoded)
}
