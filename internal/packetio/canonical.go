package packetio

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// CanonicalJSON marshals v with sorted keys, no HTML escaping, and no
// trailing whitespace, as required by manifest.json / cpm.lock.json
// determinism (spec §4.1 "Determinism requirements").
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeCanonical(buf *bytes.Buffer, v any) error {
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
			if err := encodeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		enc := json.NewEncoder(buf)
		enc.SetEscapeHTML(false)
		// json.Encoder appends a trailing newline; strip it back off.
		var scratch bytes.Buffer
		scratchEnc := json.NewEncoder(&scratch)
		scratchEnc.SetEscapeHTML(false)
		if err := scratchEnc.Encode(val); err != nil {
			return err
		}
		buf.Write(bytes.TrimRight(scratch.Bytes(), "\n"))
	}
	return nil
}

// SHA256Hex returns the lowercase hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// TreeFingerprint folds a sorted (relpath, sha256) list into one
// domain-separated SHA-256, per spec §4.3.1's input fingerprint.
func TreeFingerprint(fileHashes map[string]string) string {
	paths := make([]string, 0, len(fileHashes))
	for p := range fileHashes {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := sha256.New()
	h.Write([]byte("cpm.tree.v1\n"))
	for _, p := range paths {
		h.Write([]byte(p))
		h.Write([]byte{0})
		h.Write([]byte(fileHashes[p]))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ConfigHash hashes the canonical JSON of a pipeline step's resolved
// params, per spec §4.3.1.
func ConfigHash(params any) (string, error) {
	canon, err := CanonicalJSON(params)
	if err != nil {
		return "", err
	}
	return SHA256Hex(canon), nil
}

// PacketID derives packet_id = H(name ‖ version ‖ build_profile ‖
// normalized_source_path ‖ config_hash), per spec §3.2 invariant 4.
func PacketID(name, version, buildProfile, normalizedSourcePath, configHash string) string {
	h := sha256.New()
	h.Write([]byte("cpm.packet_id.v1\n"))
	for _, part := range []string{name, version, buildProfile, normalizedSourcePath, configHash} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// EmbeddingFingerprint derives H(model ‖ dim ‖ normalized), used to key
// index/<digest>/<fp>/ per spec §4.4.2.
func EmbeddingFingerprint(model string, dim uint32, normalized bool) string {
	h := sha256.New()
	h.Write([]byte("cpm.embedding_fp.v1\n"))
	h.Write([]byte(model))
	h.Write([]byte{0})
	dimBytes := []byte{byte(dim), byte(dim >> 8), byte(dim >> 16), byte(dim >> 24)}
	h.Write(dimBytes)
	if normalized {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
