package oci

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cpm-dev/cpm/internal/cpmerrors"
)

// Policy carries the resolver's trust/security configuration, sourced from
// config.ResolverConfig (spec §4.2.4).
type Policy struct {
	HostAllowlist []string
	AllowHTTPHosts []string
	StrictVerify  bool
}

// checkHost enforces the host allowlist (empty allowlist means no
// restriction beyond the scheme check). The https-only rule is checked
// separately, via requireHTTPS in Resolver.checkPolicy.
func (p Policy) checkHost(host string) error {
	if len(p.HostAllowlist) > 0 && !containsHost(p.HostAllowlist, host) {
		return cpmerrors.New(cpmerrors.ErrCodeOciPolicyDenied,
			fmt.Sprintf("registry host %q is not in the configured allowlist", host), nil)
	}
	return nil
}

// requireHTTPS reports whether scheme must be "https" for this host, per
// spec §4.2.4 "scheme must be https (or explicitly-allowed http for
// localhost/testing)".
func (p Policy) requireHTTPS(host string) bool {
	bare := host
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		bare = host[:idx]
	}
	return !containsHost(p.AllowHTTPHosts, bare)
}

func containsHost(list []string, host string) bool {
	bare := host
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		bare = host[:idx]
	}
	for _, h := range list {
		if h == host || h == bare {
			return true
		}
	}
	return false
}

// validateExtractPath enforces spec §4.2.3 step 5 path safety: no parent
// references, no absolute paths, and the resolved path must stay within
// root once joined.
func validateExtractPath(root, name string) (string, error) {
	if name == "" || filepath.IsAbs(name) {
		return "", cpmerrors.New(cpmerrors.ErrCodeOciPathUnsafe,
			fmt.Sprintf("archive entry %q has an unsafe path", name), nil)
	}
	clean := filepath.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", cpmerrors.New(cpmerrors.ErrCodeOciPathUnsafe,
			fmt.Sprintf("archive entry %q escapes the extraction root", name), nil)
	}
	full := filepath.Join(root, clean)
	rootWithSep := strings.TrimSuffix(root, string(filepath.Separator)) + string(filepath.Separator)
	if full != strings.TrimSuffix(rootWithSep, string(filepath.Separator)) && !strings.HasPrefix(full, rootWithSep) {
		return "", cpmerrors.New(cpmerrors.ErrCodeOciPathUnsafe,
			fmt.Sprintf("archive entry %q escapes the extraction root", name), nil)
	}
	return full, nil
}

// looksLikePlainHTTPHost mirrors go-containerregistry's own scheme
// inference: registries on loopback addresses or *.local are treated as
// plain http by default.
func looksLikePlainHTTPHost(host string) bool {
	bare := host
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		bare = host[:idx]
	}
	return bare == "localhost" || bare == "127.0.0.1" || strings.HasSuffix(bare, ".local")
}

// redactToken strips bearer/basic credentials from a string before it is
// logged or placed in an error message, per spec §4.2.4.
func redactToken(s string) string {
	lower := strings.ToLower(s)
	for _, prefix := range []string{"bearer ", "basic "} {
		if idx := strings.Index(lower, prefix); idx >= 0 {
			return s[:idx+len(prefix)] + "[redacted]"
		}
	}
	return s
}
