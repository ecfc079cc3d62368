package oci

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/opencontainers/go-digest"

	"github.com/cpm-dev/cpm/internal/cas"
	"github.com/cpm-dev/cpm/internal/cpmerrors"
)

// fetchResult is the value singleflight.Group hands back through its
// interface{} return, carrying both outputs of a resolve_and_fetch call.
type fetchResult struct {
	dir    string
	digest string
}

// DefaultAliasTTLSeconds is the TTL applied when config.ResolverConfig
// leaves AliasTTLSeconds at its zero value but didn't explicitly request
// "no TTL" (spec §4.2.2: "default TTL 900 s").
const DefaultAliasTTLSeconds = 900

// PayloadMediaType is the layer media type resolve_and_fetch expects a
// packet's payload layer to carry; anything else is written as a single
// opaque blob named by its digest.
const PayloadMediaType = "application/vnd.cpm.packet.layer.v1.tar+gzip"

// Clock abstracts wall-clock reads so alias-TTL logic is testable.
type Clock func() time.Time

// Resolver implements spec §4.2's lookup_metadata/resolve_and_fetch
// contract against a real OCI registry via go-containerregistry.
type Resolver struct {
	Layout          cas.Layout
	Policy          Policy
	DefaultRegistry string
	AliasTTLSeconds int
	Clock           Clock
	Keychain        authn.Keychain

	fetchGroup *cas.FetchGroup
}

// NewResolver builds a Resolver from resolved configuration.
func NewResolver(layout cas.Layout, policy Policy, defaultRegistry string, aliasTTLSeconds int) *Resolver {
	return &Resolver{
		Layout:          layout,
		Policy:          policy,
		DefaultRegistry: defaultRegistry,
		AliasTTLSeconds: aliasTTLSeconds,
		Clock:           time.Now,
		Keychain:        authn.DefaultKeychain,
		fetchGroup:      cas.NewFetchGroup(),
	}
}

func (r *Resolver) clock() time.Time {
	if r.Clock != nil {
		return r.Clock()
	}
	return time.Now()
}

func (r *Resolver) remoteOpts() []remote.Option {
	return []remote.Option{remote.WithAuthFromKeychain(r.Keychain)}
}

// LookupMetadata resolves sourceURI to its packet metadata without ever
// pulling the payload (spec §4.2.2): exactly one manifest fetch (which also
// serves alias resolution for tag-qualified refs) plus one metadata-blob
// fetch.
func (r *Resolver) LookupMetadata(ctx context.Context, sourceURI string) (PacketMetadata, string, error) {
	ref, err := ParseRef(sourceURI, r.DefaultRegistry)
	if err != nil {
		return PacketMetadata{}, "", err
	}
	if err := r.checkPolicy(ref); err != nil {
		return PacketMetadata{}, "", err
	}

	if ref.IsDigestPinned() {
		if cached, ok := readMetadataCache(r.Layout, ref.Digest); ok {
			return *cached, ref.Digest, nil
		}
	} else if digest, ok := readAliasCache(r.Layout, ref.AliasKey(), r.clock()); ok {
		if cached, ok := readMetadataCache(r.Layout, digest); ok {
			return *cached, digest, nil
		}
	}

	imgRef, err := name.ParseReference(ref.ImageRef)
	if err != nil {
		return PacketMetadata{}, "", cpmerrors.New(cpmerrors.ErrCodeConfigInvalid, "invalid image reference", err)
	}

	desc, err := remote.Get(imgRef, append(r.remoteOpts(), remote.WithContext(ctx))...)
	if err != nil {
		return PacketMetadata{}, "", mapRemoteError(err)
	}
	digestStr := desc.Digest.String()

	img, err := desc.Image()
	if err != nil {
		return PacketMetadata{}, "", mapRemoteError(err)
	}
	manifest, err := img.Manifest()
	if err != nil {
		return PacketMetadata{}, "", mapRemoteError(err)
	}
	if err := validateManifestMediaType(string(manifest.MediaType)); err != nil {
		return PacketMetadata{}, "", err
	}

	var target *v1.Descriptor
	for i := range manifest.Layers {
		if manifest.Layers[i].MediaType == MetadataMediaType {
			target = &manifest.Layers[i]
			break
		}
	}
	if target == nil {
		return PacketMetadata{}, "", cpmerrors.New(cpmerrors.ErrCodeOciNotFound,
			fmt.Sprintf("no layer with media type %s in manifest for %s", MetadataMediaType, redactRef(sourceURI)), nil)
	}

	layer, err := img.LayerByDigest(target.Digest)
	if err != nil {
		return PacketMetadata{}, "", mapRemoteError(err)
	}
	// The metadata blob is stored as plain JSON, not a compressed tar layer,
	// so Compressed() (the raw blob bytes) is what we actually want here.
	rc, err := layer.Compressed()
	if err != nil {
		return PacketMetadata{}, "", mapRemoteError(err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return PacketMetadata{}, "", mapRemoteError(err)
	}

	meta, err := ParseMetadata(data)
	if err != nil {
		return PacketMetadata{}, "", err
	}

	if err := writeMetadataCache(r.Layout, digestStr, meta); err != nil {
		return PacketMetadata{}, "", err
	}
	if !ref.IsDigestPinned() {
		ttl := r.AliasTTLSeconds
		if ttl == 0 {
			ttl = DefaultAliasTTLSeconds
		}
		if err := writeAliasCache(r.Layout, ref.AliasKey(), digestStr, ttl, r.clock()); err != nil {
			return PacketMetadata{}, "", err
		}
	}

	return meta, digestStr, nil
}

// ResolveAndFetch materializes the packet payload for sourceURI into
// CPM_ROOT/cas/<digest>/payload, per spec §4.2.3. It short-circuits on a
// cache hit, single-writers per digest via an advisory lock, and never
// leaves a partial payload directory behind.
func (r *Resolver) ResolveAndFetch(ctx context.Context, sourceURI string) (string, string, error) {
	ref, err := ParseRef(sourceURI, r.DefaultRegistry)
	if err != nil {
		return "", "", err
	}
	if err := r.checkPolicy(ref); err != nil {
		return "", "", err
	}

	digest := ref.Digest
	if digest == "" {
		_, resolved, err := r.LookupMetadata(ctx, sourceURI)
		if err != nil {
			return "", "", err
		}
		digest = resolved
	}

	if dir, ok := r.cacheHit(digest); ok {
		return dir, digest, nil
	}

	// Collapse concurrent in-process callers for the same digest onto a
	// single fetch before the advisory file lock is even attempted; the
	// file lock below still serializes against other processes (spec §5,
	// "shared resources" table: one writer per digest).
	v, err, _ := r.fetchGroup.Do(digest, func() (any, error) {
		return r.doFetch(ctx, ref, digest)
	})
	if err != nil {
		return "", "", err
	}
	res := v.(fetchResult)
	return res.dir, res.digest, nil
}

func (r *Resolver) doFetch(ctx context.Context, ref Ref, digest string) (fetchResult, error) {
	if dir, ok := r.cacheHit(digest); ok {
		return fetchResult{dir, digest}, nil
	}

	lock := cas.NewFileLock(r.Layout.PayloadLockPath(digest))
	if err := lock.Lock(); err != nil {
		return fetchResult{}, cpmerrors.New(cpmerrors.ErrCodeOciPolicyDenied, "failed to acquire payload lock", err)
	}
	defer func() { _ = lock.Unlock() }()

	if dir, ok := r.cacheHit(digest); ok {
		return fetchResult{dir, digest}, nil
	}

	staging := r.Layout.StagingDir(digest)
	if err := os.RemoveAll(staging); err != nil {
		return fetchResult{}, cpmerrors.Wrap(cpmerrors.ErrCodeAtomicRename, err)
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return fetchResult{}, cpmerrors.Wrap(cpmerrors.ErrCodeAtomicRename, err)
	}
	defer os.RemoveAll(staging)

	imgRef, err := name.ParseReference(ref.ImageRef)
	if err != nil {
		return fetchResult{}, cpmerrors.New(cpmerrors.ErrCodeConfigInvalid, "invalid image reference", err)
	}
	img, err := remote.Image(imgRef, append(r.remoteOpts(), remote.WithContext(ctx))...)
	if err != nil {
		return fetchResult{}, mapRemoteError(err)
	}

	gotDigest, err := img.Digest()
	if err != nil {
		return fetchResult{}, mapRemoteError(err)
	}
	if gotDigest.String() != digest {
		return fetchResult{}, cpmerrors.New(cpmerrors.ErrCodeOciDigestMismatch,
			fmt.Sprintf("fetched content digest %s does not match expected %s", gotDigest, digest), nil)
	}

	layers, err := img.Layers()
	if err != nil {
		return fetchResult{}, mapRemoteError(err)
	}
	for _, layer := range layers {
		if err := extractLayer(staging, layer); err != nil {
			return fetchResult{}, err
		}
	}

	payloadDir := r.Layout.PayloadDir(digest)
	if err := cas.AtomicRename(staging, payloadDir); err != nil {
		return fetchResult{}, err
	}

	if meta, ok := readMetadataCache(r.Layout, digest); ok {
		if err := writeNormalizedMetadata(r.Layout, digest, *meta); err != nil {
			return fetchResult{}, err
		}
	}

	return fetchResult{payloadDir, digest}, nil
}

// PayloadDir reports whether digest's payload has already been materialized,
// returning its directory if so. Retrieval's cache-hit fast path (spec
// §4.4.2) uses this to decide whether a query can skip resolve_and_fetch
// entirely.
func (r *Resolver) PayloadDir(digest string) (string, bool) {
	return r.cacheHit(digest)
}

func (r *Resolver) cacheHit(digest string) (string, bool) {
	payloadDir := r.Layout.PayloadDir(digest)
	if _, err := os.Stat(filepath.Join(payloadDir, "manifest.json")); err == nil {
		return payloadDir, true
	}
	return "", false
}

// checkPolicy runs the pre-flight checks spec §4.2.4 requires before any
// HTTP call: host allowlist, then scheme. go-containerregistry infers
// http-vs-https from the host itself (only loopback/.local hosts get
// plain http); this re-asserts that inference against our own
// AllowHTTPHosts configuration so a misconfigured allowlist fails closed
// here rather than silently downgrading transport security.
func (r *Resolver) checkPolicy(ref Ref) error {
	if err := r.Policy.checkHost(ref.Host); err != nil {
		return err
	}
	if r.Policy.requireHTTPS(ref.Host) && looksLikePlainHTTPHost(ref.Host) {
		return cpmerrors.New(cpmerrors.ErrCodeOciPolicyDenied,
			fmt.Sprintf("registry host %q requires https but is not configured for it", ref.Host), nil)
	}
	return nil
}

// extractLayer writes one OCI layer's content into destDir. A tar+gzip
// payload layer is extracted entry-by-entry with path-safety validation; any
// other media type is written as a single opaque blob file named by digest.
func extractLayer(destDir string, layer v1.Layer) error {
	mt, err := layer.MediaType()
	if err != nil {
		return mapRemoteError(err)
	}

	if string(mt) != PayloadMediaType {
		d, err := layer.Digest()
		if err != nil {
			return mapRemoteError(err)
		}
		rc, err := layer.Compressed()
		if err != nil {
			return mapRemoteError(err)
		}
		defer rc.Close()
		out, err := os.Create(filepath.Join(destDir, d.Hex))
		if err != nil {
			return cpmerrors.Wrap(cpmerrors.ErrCodeAtomicRename, err)
		}
		defer out.Close()
		if _, err := io.Copy(out, rc); err != nil {
			return cpmerrors.Wrap(cpmerrors.ErrCodeAtomicRename, err)
		}
		return nil
	}

	// Payload layers are stored as raw tar+gzip blobs (not Docker image
	// layers), so Compressed() gives the gzip stream we decode ourselves.
	rc, err := layer.Compressed()
	if err != nil {
		return mapRemoteError(err)
	}
	defer rc.Close()

	gz, err := gzip.NewReader(rc)
	if err != nil {
		return cpmerrors.New(cpmerrors.ErrCodeOciPathUnsafe, "failed to decompress payload layer", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return cpmerrors.New(cpmerrors.ErrCodeOciPathUnsafe, "failed to read payload tar stream", err)
		}
		if hdr.Typeflag == tar.TypeSymlink || hdr.Typeflag == tar.TypeLink {
			return cpmerrors.New(cpmerrors.ErrCodeOciPathUnsafe,
				fmt.Sprintf("archive entry %q is a link, which is not permitted", hdr.Name), nil)
		}

		target, err := validateExtractPath(destDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return cpmerrors.Wrap(cpmerrors.ErrCodeAtomicRename, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return cpmerrors.Wrap(cpmerrors.ErrCodeAtomicRename, err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				return cpmerrors.Wrap(cpmerrors.ErrCodeAtomicRename, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return cpmerrors.Wrap(cpmerrors.ErrCodeAtomicRename, err)
			}
			out.Close()
		}
	}
}

func writeNormalizedMetadata(layout cas.Layout, digestStr string, meta PacketMetadata) error {
	data, err := metadataJSON(meta)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(layout.MetaDir(digestStr), 0o755); err != nil {
		return cpmerrors.Wrap(cpmerrors.ErrCodeAtomicRename, err)
	}
	return cas.WriteFileAtomic(layout.MetaManifestPath(digestStr), data, 0o644)
}

// ValidateDigest confirms digestStr is a well-formed algorithm-qualified
// digest before it is used as a cache key or directory component.
func ValidateDigest(digestStr string) error {
	if _, err := digest.Parse(digestStr); err != nil {
		return cpmerrors.New(cpmerrors.ErrCodeOciDigestMismatch,
			fmt.Sprintf("malformed digest %q", digestStr), err)
	}
	return nil
}

// mapRemoteError classifies a go-containerregistry transport error into the
// OCI failure-semantics taxonomy (spec §4.2.5).
func mapRemoteError(err error) error {
	if err == nil {
		return nil
	}
	if terr, ok := err.(*transport.Error); ok {
		return mapTransportError(terr)
	}
	return cpmerrors.New(cpmerrors.ErrCodeOciUpstreamUnavail, redactToken(err.Error()), err)
}
