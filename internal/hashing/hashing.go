// Package hashing implements Tract's two content-addressing primitives:
// ContentHash, the structure-insensitive hash of a blob payload, and
// CommitHash, the lineage-sensitive hash of a commit's identity fields.
package hashing

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// noParentSentinel is substituted for a nil parent hash so that a root
// commit's hash input is distinguishable from one that merely omits the
// field; it can never collide with a real SHA-256 hex digest.
const noParentSentinel = "\x00NONE\x00"

// ContentHash returns the hex-encoded SHA-256 digest of payload's canonical
// JSON encoding. Two values that are structurally equal (same keys and
// values, any map key order, any original field order) always produce the
// same hash, which is what lets the blob store deduplicate on this hash.
func ContentHash(payload any) (string, error) {
	canon, err := CanonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("hashing: canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// CommitHash returns the hex-encoded SHA-256 digest identifying a commit.
// Unlike ContentHash, it is not meant to be stable across re-commits of the
// same content: timestampISO and lineage (parentHash, extraParents) are
// part of the input, so two commits that carry identical content but differ
// in when or where they were made still produce distinct hashes.
//
// parentHash is empty for a root commit. responseTo is empty unless
// operation is "EDIT". extraParents holds the second-and-later parents of a
// merge commit, in position order, and participates in the hash so a merge
// commit's identity depends on its full parent set.
func CommitHash(contentHash, parentHash, contentType, operation, timestampISO, responseTo string, extraParents []string) (string, error) {
	fields := []string{
		contentHash,
		orSentinel(parentHash),
		contentType,
		operation,
		timestampISO,
		orSentinel(responseTo),
	}

	buf := &bytes.Buffer{}
	for _, f := range fields {
		buf.WriteString(f)
		buf.WriteByte(0)
	}
	for _, p := range extraParents {
		buf.WriteString(p)
		buf.WriteByte(0)
	}

	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

func orSentinel(s string) string {
	if s == "" {
		return noParentSentinel
	}
	return s
}

// CanonicalJSON re-encodes v with object keys sorted lexicographically and
// no insignificant whitespace, so that structurally identical values always
// produce byte-identical output regardless of map iteration or struct field
// order. v is first round-tripped through encoding/json to normalize it
// into the generic map[string]any/[]any/scalar shape that canonicalization
// operates over.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("hashing: marshal value: %w", err)
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("hashing: decode for canonicalization: %w", err)
	}

	buf := &bytes.Buffer{}
	if err := writeCanonical(buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyJSON)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil

	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil

	default:
		// Scalars (string, json.Number, bool, nil) re-marshal deterministically
		// on their own; json.Number preserves the original numeric text so we
		// never reformat a float and shift its hash.
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}
