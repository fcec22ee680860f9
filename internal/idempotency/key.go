// Package idempotency guarantees at-most-once execution of mutation requests.
//
// A request is reduced to a deterministic key (KeyDeriver). The Middleware
// uses a shared Store to either replay a cached success, reject a duplicate
// that is still in flight, or run the handler exactly once and cache its
// result. Failures are never cached: the record is deleted so a retry can
// run fresh. The Janitor reaps expired results and stuck locks.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"mime"
	"net/http"
	"strings"

	"github.com/archslayer/flagbase111-sub003/internal/auth"
)

// NoBodyDigest replaces the body hash for bodies that are not
// content-addressed (empty, oversized, non-allowed or unparseable). Two such
// requests on the same identity, method and path share a key.
const NoBodyDigest = "no-body"

// AnonymousIdentity is the shared bucket for callers with no identity at all.
const AnonymousIdentity = "anonymous"

// AnonymousIDHeader lets unauthenticated clients supply a stable identifier.
const AnonymousIDHeader = "X-Anonymous-Id"

const maxAnonymousIDLength = 128

// BodyHashPolicy decides which request bodies are hashed into the key.
type BodyHashPolicy struct {
	// MaxBytes is the largest body that is hashed.
	MaxBytes int64
	// ContentTypes lists the media types (without parameters) eligible for hashing.
	ContentTypes []string
	// DigestLength is the number of hex characters of SHA-256 kept.
	DigestLength int
}

func DefaultBodyHashPolicy() BodyHashPolicy {
	return BodyHashPolicy{
		MaxBytes:     128 << 10,
		ContentTypes: []string{"application/json", "text/plain", "application/x-www-form-urlencoded"},
		DigestLength: 32,
	}
}

// Allows reports whether a body of the given type and size is hashed.
func (p BodyHashPolicy) Allows(contentType string, size int64) bool {
	if size == 0 || size > p.MaxBytes {
		return false
	}
	mediaType := mediaTypeOf(contentType)
	for _, ct := range p.ContentTypes {
		if strings.EqualFold(ct, mediaType) {
			return true
		}
	}
	return false
}

// Digest returns the truncated body hash, or NoBodyDigest.
func (p BodyHashPolicy) Digest(contentType string, body []byte) string {
	if !p.Allows(contentType, int64(len(body))) {
		return NoBodyDigest
	}
	if isJSON(mediaTypeOf(contentType)) && !json.Valid(body) {
		return NoBodyDigest
	}

	sum := sha256.Sum256(body)
	digest := hex.EncodeToString(sum[:])
	if p.DigestLength > 0 && p.DigestLength < len(digest) {
		digest = digest[:p.DigestLength]
	}
	return digest
}

// IdentityFunc resolves the caller identity used in keys.
type IdentityFunc func(r *http.Request) string

// DefaultIdentity prefers the authenticated principal, then the
// caller-supplied anonymous id, then the shared anonymous bucket.
func DefaultIdentity(r *http.Request) string {
	if p, ok := auth.PrincipalFromContext(r.Context()); ok && p.UserID != "" {
		return "user:" + p.UserID
	}
	if id := strings.TrimSpace(r.Header.Get(AnonymousIDHeader)); id != "" && len(id) <= maxAnonymousIDLength {
		return "anon:" + id
	}
	return AnonymousIdentity
}

// KeyDeriver computes idempotency keys.
type KeyDeriver struct {
	policy   BodyHashPolicy
	identity IdentityFunc
}

func NewKeyDeriver(policy BodyHashPolicy, identity IdentityFunc) *KeyDeriver {
	if identity == nil {
		identity = DefaultIdentity
	}
	return &KeyDeriver{policy: policy, identity: identity}
}

func (d *KeyDeriver) Policy() BodyHashPolicy {
	return d.policy
}

// Key builds "identity:METHOD:path:digest". The path includes the raw
// query so that differently parameterised requests do not collide.
func (d *KeyDeriver) Key(identity, method, path, contentType string, body []byte) string {
	var b strings.Builder
	b.WriteString(identity)
	b.WriteByte(':')
	b.WriteString(strings.ToUpper(method))
	b.WriteByte(':')
	b.WriteString(path)
	b.WriteByte(':')
	b.WriteString(d.policy.Digest(contentType, body))
	return b.String()
}

// Derive computes the key for a request whose body has already been read.
func (d *KeyDeriver) Derive(r *http.Request, body []byte) string {
	path := r.URL.Path
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}
	return d.Key(d.identity(r), r.Method, path, r.Header.Get("Content-Type"), body)
}

// Identity exposes the resolved caller identity for a request.
func (d *KeyDeriver) Identity(r *http.Request) string {
	return d.identity(r)
}

func mediaTypeOf(contentType string) string {
	if contentType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return mediaType
}

func isJSON(mediaType string) bool {
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
