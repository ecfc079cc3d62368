package oci

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"time"

	"github.com/cpm-dev/cpm/internal/cas"
	"github.com/cpm-dev/cpm/internal/cpmerrors"
)

// metadataCacheEntry is the on-disk record at cache/metadata/<digest>.json.
// Digest-keyed entries have no TTL: a digest's content never changes, so a
// cache hit is valid for the lifetime of the process (spec §4.2.2 step 6).
type metadataCacheEntry struct {
	Digest   string         `json:"digest"`
	Metadata PacketMetadata `json:"metadata"`
}

// aliasCacheEntry is the on-disk record at cache/metadata_alias/<hash>.json.
// Alias-keyed entries expire after TTLSeconds (0/negative disables TTL,
// i.e. never expires).
type aliasCacheEntry struct {
	AliasKey   string `json:"alias_key"`
	Digest     string `json:"digest"`
	ResolvedAt int64  `json:"resolved_at"`
	TTLSeconds int    `json:"ttl_seconds"`
}

func (e aliasCacheEntry) expired(now time.Time) bool {
	if e.TTLSeconds <= 0 {
		return false
	}
	return now.Unix()-e.ResolvedAt > int64(e.TTLSeconds)
}

// AliasHash computes the stable filename component for an alias cache
// entry, hashing the (host, repo, name, alias) key.
func AliasHash(aliasKey string) string {
	sum := sha256.Sum256([]byte(aliasKey))
	return hex.EncodeToString(sum[:])
}

func readMetadataCache(layout cas.Layout, digest string) (*PacketMetadata, bool) {
	data, err := os.ReadFile(layout.MetadataCachePath(digest))
	if err != nil {
		return nil, false
	}
	var entry metadataCacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false
	}
	return &entry.Metadata, true
}

func writeMetadataCache(layout cas.Layout, digest string, m PacketMetadata) error {
	entry := metadataCacheEntry{Digest: digest, Metadata: m}
	data, err := json.Marshal(entry)
	if err != nil {
		return cpmerrors.Wrap(cpmerrors.ErrCodeAtomicRename, err)
	}
	if err := cas.WriteFileAtomic(layout.MetadataCachePath(digest), data, 0o644); err != nil {
		return err
	}
	return nil
}

func readAliasCache(layout cas.Layout, aliasKey string, now time.Time) (string, bool) {
	data, err := os.ReadFile(layout.AliasCachePath(AliasHash(aliasKey)))
	if err != nil {
		return "", false
	}
	var entry aliasCacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return "", false
	}
	if entry.expired(now) {
		return "", false
	}
	return entry.Digest, true
}

func writeAliasCache(layout cas.Layout, aliasKey, digest string, ttlSeconds int, now time.Time) error {
	entry := aliasCacheEntry{
		AliasKey:   aliasKey,
		Digest:     digest,
		ResolvedAt: now.Unix(),
		TTLSeconds: ttlSeconds,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return cpmerrors.Wrap(cpmerrors.ErrCodeAtomicRename, err)
	}
	return cas.WriteFileAtomic(layout.AliasCachePath(AliasHash(aliasKey)), data, 0o644)
}
