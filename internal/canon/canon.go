// Package canon canonicalizes source URLs and derives the tier-1 and
// tier-2 cache keys from them, grounded in the teacher's URL-normalization
// idiom generalized from stream-URL canonicalization to reel-URL
// canonicalization.
package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
)

var intentFolder = cases.Fold()

// URL canonicalizes a source URL: strips the query string and any
// trailing slash, and singularizes the "/reels/" path segment to
// "/reel/". On a parse error the input is returned unchanged, matching
// the teacher's fail-open normalization stance.
func URL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}

	u.RawQuery = ""
	u.Fragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.Path = strings.Replace(u.Path, "/reels/", "/reel/", 1)

	return u.String()
}

// RequestHash derives the tier-1 cache key: the subscriber-independent
// hash of the canonical source URL, used to key the reel_analysis cache
// so repeat requests for the same video across subscribers and intents
// skip re-download and re-analysis.
func RequestHash(sourceURL string) string {
	sum := sha256.Sum256([]byte(URL(sourceURL)))
	return hex.EncodeToString(sum[:])
}

// VariationKey derives the tier-2 key: subscriber+intent+variation+mode
// scoped, used for idempotent enqueue dedup. The "v2|" prefix is this
// rewrite's only key scheme; no legacy v1 path exists.
func VariationKey(subscriber, sourceURL, intent string, variationIndex int, mode string) string {
	foldedIntent := intentFolder.String(strings.TrimSpace(intent))
	parts := strings.Join([]string{
		"v2",
		subscriber,
		URL(sourceURL),
		foldedIntent,
		strconv.Itoa(variationIndex),
		mode,
	}, "|")

	sum := sha256.Sum256([]byte(parts))
	return hex.EncodeToString(sum[:])
}

// FoldIntent normalizes intent text for locale-stable comparison, using
// Unicode case folding rather than simple ASCII lowercasing so
// multi-byte scripts normalize consistently.
func FoldIntent(intent string) string {
	return intentFolder.String(strings.TrimSpace(intent))
}
