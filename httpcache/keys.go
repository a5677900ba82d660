package httpcache

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// keyNamespace prefixes every stored response key so pattern
// invalidation can target them as a family.
const keyNamespace = "api:response:"

// defaultVaryHeaders partition the cache when a rule does not name its
// own vary set. Authorization is included so credentialed responses
// never leak across callers even when identity fields are unset.
var defaultVaryHeaders = []string{"Accept", "Accept-Encoding", "Authorization"}

// CacheKey derives the deterministic storage key for a request under a
// rule: an xxhash digest over method, URL, the serialized query, each
// vary header's value, and the caller/tenant identity unless the rule
// opts out.
func CacheKey(req *Request, rule *Rule) string {
	h := xxhash.New()
	writeField(h, req.Method)
	writeField(h, req.URL)
	if req.Query != nil {
		writeField(h, req.Query.Encode())
	} else {
		writeField(h, "")
	}

	vary := rule.VaryBy
	if len(vary) == 0 {
		vary = defaultVaryHeaders
	}
	for _, header := range vary {
		value := ""
		if req.Headers != nil {
			value = req.Headers.Get(header)
		}
		writeField(h, strings.ToLower(header))
		writeField(h, value)
	}

	if !rule.IgnoreIdentity {
		writeField(h, req.CallerID)
		writeField(h, req.TenantID)
	}

	return fmt.Sprintf("%s%016x", keyNamespace, h.Sum64())
}

// writeField hashes one field with a terminator so adjacent fields
// cannot collide by concatenation.
func writeField(h *xxhash.Digest, s string) {
	h.WriteString(s)
	h.Write([]byte{0})
}

// etagMatches implements If-None-Match comparison: "*" matches any
// stored ETag, otherwise the header's comma-separated candidates are
// weak-compared against the stored value.
func etagMatches(header, stored string) bool {
	if header == "" || stored == "" {
		return false
	}
	if strings.TrimSpace(header) == "*" {
		return true
	}
	want := strings.TrimPrefix(stored, "W/")
	for _, candidate := range strings.Split(header, ",") {
		if strings.TrimPrefix(strings.TrimSpace(candidate), "W/") == want {
			return true
		}
	}
	return false
}

// notModifiedSince reports whether a response last modified at
// lastModified is still fresh for an If-Modified-Since value. HTTP
// dates carry second resolution, so the comparison truncates.
func notModifiedSince(headerValue string, lastModified time.Time) bool {
	if headerValue == "" || lastModified.IsZero() {
		return false
	}
	since, err := http.ParseTime(headerValue)
	if err != nil {
		return false
	}
	return !lastModified.Truncate(time.Second).After(since)
}
