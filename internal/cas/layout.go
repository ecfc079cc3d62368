package cas

import "path/filepath"

// Layout resolves the directory structure under a single CPM_ROOT.
// All paths are computed, never cached, so callers always see the current
// root (no global mutable state).
type Layout struct {
	Root string
}

// NewLayout creates a Layout rooted at root (an already-resolved CPM_ROOT,
// see config.ResolveRoot).
func NewLayout(root string) Layout {
	return Layout{Root: root}
}

// PayloadDir returns cas/<digest>/payload, the immutable extracted packet.
func (l Layout) PayloadDir(digest string) string {
	return filepath.Join(l.Root, "cas", digest, "payload")
}

// PayloadLockPath returns the advisory lock path guarding cas/<digest>/.
func (l Layout) PayloadLockPath(digest string) string {
	return filepath.Join(l.Root, "cas", digest+".lock")
}

// StagingDir returns a scratch directory for in-progress extraction,
// removed on failure and renamed into PayloadDir on success.
func (l Layout) StagingDir(digest string) string {
	return filepath.Join(l.Root, "cas", digest, ".staging")
}

// IndexDir returns index/<digest>/<fp>, the query-time rebuilt index tree.
func (l Layout) IndexDir(digest, fingerprint string) string {
	return filepath.Join(l.Root, "index", digest, fingerprint)
}

// IndexLockPath returns the advisory lock guarding a single rebuild.
func (l Layout) IndexLockPath(digest, fingerprint string) string {
	return filepath.Join(l.IndexDir(digest, fingerprint), ".lock")
}

// IndexFaissPath returns the byte-reproducible flat index file.
func (l Layout) IndexFaissPath(digest, fingerprint string) string {
	return filepath.Join(l.IndexDir(digest, fingerprint), "faiss", "index.faiss")
}

// MetaDir returns meta/<digest>, the normalized packet metadata cache.
func (l Layout) MetaDir(digest string) string {
	return filepath.Join(l.Root, "meta", digest)
}

// MetaManifestPath returns meta/<digest>/packet.manifest.json.
func (l Layout) MetaManifestPath(digest string) string {
	return filepath.Join(l.MetaDir(digest), "packet.manifest.json")
}

// MetadataCachePath returns cache/metadata/<digest>.json, the resolver
// metadata cache entry.
func (l Layout) MetadataCachePath(digest string) string {
	return filepath.Join(l.Root, "cache", "metadata", digest+".json")
}

// AliasCachePath returns cache/metadata_alias/<aliasHash>.json, the
// TTL-checked alias-to-digest cache entry.
func (l Layout) AliasCachePath(aliasHash string) string {
	return filepath.Join(l.Root, "cache", "metadata_alias", aliasHash+".json")
}

// BuildingSentinelPath returns the sentinel file a builder writes to claim
// exclusive ownership of a destination packet directory while it writes.
func (l Layout) BuildingSentinelPath(packetDir string) string {
	return filepath.Join(packetDir, ".building")
}

// IsRebuildStale reports whether an index directory was left behind by a
// canceled rebuild: the directory exists but its final index.faiss does not.
func (l Layout) IsRebuildStale(digest, fingerprint string) (bool, error) {
	dirExists, err := pathExists(l.IndexDir(digest, fingerprint))
	if err != nil || !dirExists {
		return false, err
	}
	faissExists, err := pathExists(l.IndexFaissPath(digest, fingerprint))
	if err != nil {
		return false, err
	}
	return !faissExists, nil
}
