package inventory

import (
	"strings"

	"github.com/opencontainers/go-digest"
)

// Image is one distinct container image observed on some host.
type Image struct {
	// Name is the human-readable repository:tag string. Informational
	// only; it never participates in identity.
	Name string `json:"name"`

	// Digest is the content digest with the algorithm prefix stripped.
	// Two images are the same image exactly when their digests match.
	Digest string `json:"digest"`
}

// NewImage builds an Image from a container's display name and its
// digest-qualified content ID (e.g. "sha256:4c1c...").
func NewImage(name, id string) Image {
	return Image{
		Name:   name,
		Digest: NormalizeDigest(id),
	}
}

// NormalizeDigest strips the algorithm prefix from a content ID.
// Well-formed digests go through the OCI digest parser; anything else
// falls back to splitting on the first colon so that truncated IDs
// still normalize consistently.
func NormalizeDigest(id string) string {
	if dgst, err := digest.Parse(id); err == nil {
		return dgst.Encoded()
	}
	if _, encoded, ok := strings.Cut(id, ":"); ok {
		return encoded
	}
	return id
}
