package cache

import (
	"fmt"
	"hash/fnv"
	"net/url"
	"strings"
)

// DefaultPrefix namespaces every key written by this service.
const DefaultPrefix = "socialpulse:metrics:v1"

// Key identifies one cached result. Scope carries whatever additional identity
// the cached value depends on (a period for platform metrics, a domain pair for
// comparisons).
type Key struct {
	UserID   string `json:"userId"`
	Platform string `json:"platform"`
	Scope    string `json:"scope"`
}

// String renders the key under DefaultPrefix.
func (k Key) String() string {
	return k.WithPrefix(DefaultPrefix)
}

// WithPrefix renders the key under a caller supplied namespace. Each component
// is escaped so separators inside identifiers cannot collide.
func (k Key) WithPrefix(prefix string) string {
	return strings.Join([]string{
		prefix,
		escapePart(k.UserID),
		escapePart(k.Platform),
		escapePart(k.Scope),
	}, ":")
}

// ParseKey reverses WithPrefix.
func ParseKey(prefix, raw string) (Key, error) {
	rest, ok := strings.CutPrefix(raw, prefix+":")
	if !ok {
		return Key{}, fmt.Errorf("cache: key %q outside prefix %q", raw, prefix)
	}
	parts := strings.Split(rest, ":")
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("cache: malformed key %q", raw)
	}
	out := make([]string, len(parts))
	for i, p := range parts {
		v, err := url.PathUnescape(p)
		if err != nil {
			return Key{}, fmt.Errorf("cache: unescape key %q: %w", raw, err)
		}
		out[i] = v
	}
	return Key{UserID: out[0], Platform: out[1], Scope: out[2]}, nil
}

func escapePart(v string) string {
	// PathEscape leaves ':' alone; glob metacharacters are already escaped.
	return strings.ReplaceAll(url.PathEscape(v), ":", "%3A")
}

// NormalizeIdentity trims and lower-cases an identity attribute. Empty values
// are reported as absent.
func NormalizeIdentity(v string) (string, bool) {
	n := strings.ToLower(strings.TrimSpace(v))
	n = strings.TrimPrefix(n, "@")
	if n == "" {
		return "", false
	}
	return n, true
}

// Fingerprint hashes an ordered tuple of identity attributes with FNV-1a. The
// order of parts is significant; absent parts hash as a null marker so that
// ("a", "") and ("", "a") never collide.
func Fingerprint(parts ...string) string {
	h := fnv.New64a()
	for i, part := range parts {
		if i > 0 {
			_, _ = h.Write([]byte("|"))
		}
		if n, ok := NormalizeIdentity(part); ok {
			_, _ = h.Write([]byte("s:"))
			_, _ = h.Write([]byte(n))
		} else {
			_, _ = h.Write([]byte{0})
		}
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
