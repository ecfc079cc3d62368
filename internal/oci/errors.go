package oci

import (
	"fmt"
	"net/http"

	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/cpm-dev/cpm/internal/cpmerrors"
)

// validateManifestMediaType confirms the fetched image manifest is one of
// the OCI/Docker manifest media types the resolver knows how to read,
// grounding the manifest-shape check in the upstream OCI image-spec types
// rather than a hand-rolled string list.
func validateManifestMediaType(mediaType string) error {
	switch mediaType {
	case string(ocispec.MediaTypeImageManifest), "application/vnd.docker.distribution.manifest.v2+json":
		return nil
	case "":
		// Some registries omit mediaType on older manifests; accept and
		// let the subsequent layer-selection step fail if the shape is
		// actually wrong.
		return nil
	default:
		return cpmerrors.New(cpmerrors.ErrCodeOciPolicyDenied,
			fmt.Sprintf("unsupported image manifest media type %q", mediaType), nil)
	}
}

// mapTransportError translates a go-containerregistry transport.Error's
// HTTP status into the OCI failure-semantics table (spec §4.2.5).
func mapTransportError(terr *transport.Error) error {
	msg := redactToken(terr.Error())
	switch terr.StatusCode {
	case http.StatusNotFound:
		return cpmerrors.New(cpmerrors.ErrCodeOciNotFound, msg, terr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return cpmerrors.New(cpmerrors.ErrCodeOciAuthRequired, msg, terr)
	case http.StatusTooManyRequests:
		return cpmerrors.New(cpmerrors.ErrCodeOciRateLimited, msg, terr)
	default:
		if terr.StatusCode >= 500 {
			return cpmerrors.New(cpmerrors.ErrCodeOciUpstreamUnavail, msg, terr)
		}
		return cpmerrors.New(cpmerrors.ErrCodeOciUpstreamUnavail, msg, terr)
	}
}
