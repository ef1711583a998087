package crawler

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"net"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/purell"
	"golang.org/x/net/publicsuffix"
)

// URL is the crawler URL object, which embeds *url.URL but carries the extra
// data the pipeline needs. All URLs should come out of ParseURL or
// ParseAndNormalizeURL so we get consistency.
type URL struct {
	*url.URL

	// Depth is the link distance from the seed set. Seeds have depth 0.
	Depth int
}

// ParseURL is the crawler equivalent of url.Parse.
func ParseURL(ref string) (*URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	return &URL{URL: u}, nil
}

// ParseAndNormalizeURL parses ref and normalizes the result into canonical
// form. Two URLs denote the same resource iff their canonical forms are
// byte-equal.
func ParseAndNormalizeURL(ref string) (*URL, error) {
	u, err := ParseURL(ref)
	if err != nil {
		return u, err
	}
	u.Normalize()
	return u, nil
}

// Normalize rewrites the URL in place into canonical form: scheme and host
// lowercased, default ports removed, fragment stripped, unnecessary escapes
// decoded, and a trailing slash kept only for host-only URLs.
//
// Normalize is idempotent: normalizing an already-normalized URL is a no-op.
func (u *URL) Normalize() {
	rawURL := u.URL

	purell.NormalizeURL(rawURL, purell.FlagsSafe|purell.FlagRemoveFragment|purell.FlagDecodeUnnecessaryEscapes)

	rawURL.Host = strings.ToLower(rawURL.Host)
	if rawURL.Path == "" {
		rawURL.Path = "/"
	}

	// Rewrite the query string into canonical (sorted) order.
	if rawURL.RawQuery != "" {
		rawURL.RawQuery = rawURL.Query().Encode()
	}
}

// Clone returns a deep copy of this URL.
func (u *URL) Clone() *URL {
	nurl := *u.URL
	if nurl.User != nil {
		userInfo := *nurl.User
		nurl.User = &userInfo
	}
	return &URL{URL: &nurl, Depth: u.Depth}
}

// Equal returns true if u and other have byte-equal string forms.
func (u *URL) Equal(other *URL) bool {
	return u.String() == other.String()
}

// MakeAbsolute uses URL.ResolveReference to make this URL object an absolute
// reference if it is not one already, resolved against base.
func (u *URL) MakeAbsolute(base *URL) {
	if u.IsAbs() {
		return
	}
	u.URL = base.URL.ResolveReference(u.URL)
}

// RegistrableDomain returns the effective TLD of this host as defined by
// https://publicsuffix.org/, plus one extra domain component. For example the
// TLD of http://www.bbc.co.uk/ is 'co.uk', plus one is 'bbc.co.uk'. The
// crawler uses these registrable domains as the unit of politeness and pod
// ownership, so the result is always lowercased with any port stripped.
func (u *URL) RegistrableDomain() (string, error) {
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("no host in url %v", u)
	}
	if ip := net.ParseIP(host); ip != nil {
		// IP-hosted URLs group by the literal address.
		return host, nil
	}
	return publicsuffix.EffectiveTLDPlusOne(strings.ToLower(host))
}

// Fingerprint returns the stable 64-bit fingerprint of a canonical URL
// string, used for seen-set membership and visited-record keys.
func Fingerprint(canonical string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(canonical))
	return h.Sum64()
}

// Fingerprint is a convenience for Fingerprint(u.String()). The receiver must
// already be normalized.
func (u *URL) Fingerprint() uint64 {
	return Fingerprint(u.String())
}

// PodOf returns which of numPods pods owns the given registrable domain. All
// frontier and politeness state for a domain lives on this one pod.
func PodOf(domain string, numPods int) int {
	return int(Fingerprint(domain) % uint64(numPods))
}

// ContentKey is the 256-bit key that names a URL's content artifact and
// selects its content directory: the sha256 of the canonical URL string.
type ContentKey [sha256.Size]byte

// ContentKeyOf computes the ContentKey for a canonical URL string.
func ContentKeyOf(canonical string) ContentKey {
	return sha256.Sum256([]byte(canonical))
}

// ContentKey returns the content key of this URL. The receiver must already
// be normalized.
func (u *URL) ContentKey() ContentKey {
	return ContentKeyOf(u.String())
}

// Hex returns the 64-character hex form used to name content files.
func (k ContentKey) Hex() string {
	return hex.EncodeToString(k[:])
}

// Shard returns which of m content directories this key belongs to: the
// first 4 bytes interpreted as a big-endian uint32, mod m.
func (k ContentKey) Shard(m int) int {
	return int(binary.BigEndian.Uint32(k[:4]) % uint32(m))
}
