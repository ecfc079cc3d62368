// Package oci implements the OCI source resolver: URI normalization,
// metadata-only lookup, and lazy full fetch into the content-addressed
// cache described by cas.Layout.
package oci

import (
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"

	"github.com/cpm-dev/cpm/internal/cpmerrors"
)

// Ref is a normalized packet source reference, resolved from any of the
// accepted input forms (spec §4.2.1) into a single OCI image reference plus
// the pieces CPM needs for alias/digest bookkeeping.
type Ref struct {
	// Host/Repository/Name identify the OCI repository holding the packet.
	Host       string
	Repository string
	Name       string

	// Exactly one of Digest or Alias is set. Digest-pinned refs skip alias
	// resolution entirely.
	Digest string
	Alias  string

	// ImageRef is the fully-qualified go-containerregistry reference string,
	// e.g. "host/repo/name@sha256:..." or "host/repo/name:alias".
	ImageRef string
}

// IsDigestPinned reports whether this ref already names a content digest.
func (r Ref) IsDigestPinned() bool {
	return r.Digest != ""
}

// AliasKey is the stable key used for the TTL alias cache, spanning
// (host, repo, name, alias) per spec §4.2.2 step 6.
func (r Ref) AliasKey() string {
	return fmt.Sprintf("%s/%s/%s:%s", r.Host, r.Repository, r.Name, r.Alias)
}

// ParseRef normalizes one of the accepted source URI forms into a Ref:
//   - oci://host/repo/name@sha256:<digest>
//   - oci://host/repo/name:<alias>
//   - oci://host/repo/name@<semver>  (treated as an alias, not a digest)
//   - the two-part form (registryBase, "name@version"|"name:alias")
//
// defaultRegistry is used for the two-part/bare form when registryBase is
// empty, per config.ResolverConfig.DefaultRegistry.
func ParseRef(sourceURI, defaultRegistry string) (Ref, error) {
	raw := strings.TrimPrefix(sourceURI, "oci://")
	if raw == "" {
		return Ref{}, cpmerrors.New(cpmerrors.ErrCodeConfigInvalid, "empty source URI", nil)
	}

	// Two-part form arrives pre-joined by the caller as "base/name@version"
	// or is passed with an explicit registryBase; bare input with no host
	// segment falls back to defaultRegistry.
	if !strings.Contains(raw, "/") {
		if defaultRegistry == "" {
			return Ref{}, cpmerrors.New(cpmerrors.ErrCodeConfigInvalid,
				fmt.Sprintf("source %q has no registry and no default registry is configured", sourceURI), nil)
		}
		raw = strings.TrimSuffix(defaultRegistry, "/") + "/" + raw
	}

	// A non-digest "@<version>" suffix is an alias: rewrite it to tag form.
	if at := strings.LastIndex(raw, "@"); at >= 0 && !strings.Contains(raw[at+1:], ":") {
		raw = raw[:at] + ":" + raw[at+1:]
	}

	ref, err := name.ParseReference(raw, name.WithDefaultRegistry(""))
	if err != nil {
		return Ref{}, cpmerrors.New(cpmerrors.ErrCodeConfigInvalid,
			fmt.Sprintf("failed to parse source URI %q", redactRef(sourceURI)), err)
	}

	ctx := ref.Context()
	host := ctx.RegistryStr()
	repoPath := ctx.RepositoryStr()
	repo, pkgName := splitRepoName(repoPath)

	out := Ref{
		Host:       host,
		Repository: repo,
		Name:       pkgName,
		ImageRef:   ref.Name(),
	}

	if d, ok := ref.(name.Digest); ok {
		if err := ValidateDigest(d.DigestStr()); err != nil {
			return Ref{}, err
		}
		out.Digest = d.DigestStr()
		return out, nil
	}
	if t, ok := ref.(name.Tag); ok {
		out.Alias = t.TagStr()
		return out, nil
	}
	return Ref{}, cpmerrors.New(cpmerrors.ErrCodeConfigInvalid,
		fmt.Sprintf("source %q is neither digest- nor tag-qualified", redactRef(sourceURI)), nil)
}

// PinnedURI renders ref's repository qualified by digest, the
// `oci://host/repo/name@sha256:...` form retrieval returns as `pinned_uri` so
// a caller can replay an exact query against the same content later.
func (r Ref) PinnedURI(digest string) string {
	return fmt.Sprintf("oci://%s/%s/%s@%s", r.Host, r.Repository, r.Name, digest)
}

// splitRepoName splits "repo/path/name" into its leading repository path
// and trailing packet name, matching the spec's three-segment
// "host/repo/name" convention. Anything before the final segment is the
// repository.
func splitRepoName(repoPath string) (repo, pkgName string) {
	idx := strings.LastIndex(repoPath, "/")
	if idx < 0 {
		return "", repoPath
	}
	return repoPath[:idx], repoPath[idx+1:]
}

// redactRef strips userinfo/tokens that may have been embedded in a
// malformed source URI before it's echoed back in an error message, per
// spec §4.2.4 "tokens redacted from all logs and error messages".
func redactRef(s string) string {
	if idx := strings.Index(s, "@"); idx >= 0 && strings.Contains(s[:idx], ":") && strings.Contains(s, "://") {
		schemeEnd := strings.Index(s, "://") + 3
		if userinfoEnd := strings.Index(s[schemeEnd:], "@"); userinfoEnd >= 0 {
			return s[:schemeEnd] + "[redacted]" + s[schemeEnd+userinfoEnd:]
		}
	}
	return s
}
