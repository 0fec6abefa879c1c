package extract

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/JakeFAU/catalog-refresher/internal/hash/sha256"
)

// DefaultCurrency is assumed when a price carries no recognizable symbol.
const DefaultCurrency = "GBP"

const sourceIDLength = 24

var (
	numberPattern = regexp.MustCompile(`\d[\d.,]*`)
	hasher        = sha256.New()
)

// ExtractPrice parses the first number in display text such as "£1,234.50"
// or "12,99 €". Either separator may be the decimal mark; a lone comma
// followed by exactly three digits is read as a thousands mark. Text
// without a parsable number yields 0.
func ExtractPrice(text string) float64 {
	raw := strings.TrimRight(numberPattern.FindString(text), ".,")
	if raw == "" {
		return 0
	}
	commas := strings.Count(raw, ",")
	dots := strings.Count(raw, ".")
	switch {
	case commas > 0 && dots > 0:
		if strings.LastIndex(raw, ",") > strings.LastIndex(raw, ".") {
			raw = strings.ReplaceAll(raw, ".", "")
			raw = strings.Replace(raw, ",", ".", 1)
		} else {
			raw = strings.ReplaceAll(raw, ",", "")
		}
	case commas == 1:
		if len(raw)-strings.Index(raw, ",")-1 == 3 {
			raw = strings.ReplaceAll(raw, ",", "")
		} else {
			raw = strings.Replace(raw, ",", ".", 1)
		}
	case commas > 1:
		raw = strings.ReplaceAll(raw, ",", "")
	case dots > 1:
		raw = strings.ReplaceAll(raw, ".", "")
	}
	if strings.Count(raw, ".") > 1 {
		return 0
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return value
}

// ExtractInt parses the first integer in text, treating commas as
// thousands marks and dropping any fraction. Returns 0 on a miss.
func ExtractInt(text string) int {
	raw := strings.ReplaceAll(numberPattern.FindString(text), ",", "")
	if i := strings.IndexByte(raw, '.'); i >= 0 {
		raw = raw[:i]
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

// DetectCurrency maps a currency symbol or code in text to an ISO code.
func DetectCurrency(text string) string {
	switch {
	case strings.Contains(text, "£"), strings.Contains(text, "GBP"):
		return "GBP"
	case strings.Contains(text, "€"), strings.Contains(text, "EUR"):
		return "EUR"
	case strings.Contains(text, "$"), strings.Contains(text, "USD"):
		return "USD"
	default:
		return DefaultCurrency
	}
}

// CleanText trims and collapses internal whitespace.
func CleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// CanonicalURL normalizes an absolute http(s) URL: lowercase scheme and
// host, no fragment, no trailing slash, sorted query.
func CanonicalURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", &url.Error{Op: "canonicalize", URL: raw, Err: errUnsupportedScheme}
	}
	if u.Host == "" {
		return "", &url.Error{Op: "canonicalize", URL: raw, Err: errMissingHost}
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}
	return u.String(), nil
}

// SourceID derives the stable natural key for a URL-identified record.
func SourceID(rawURL string) string {
	canonical, err := CanonicalURL(rawURL)
	if err != nil {
		canonical = strings.TrimSpace(rawURL)
	}
	return digest(canonical)
}

// SlugFromURL returns the last non-empty path segment, lowercased.
func SlugFromURL(rawURL string) string {
	canonical, err := CanonicalURL(rawURL)
	if err != nil {
		return ""
	}
	u, err := url.Parse(canonical)
	if err != nil {
		return ""
	}
	segments := strings.Split(u.Path, "/")
	for i := len(segments) - 1; i >= 0; i-- {
		if seg := strings.TrimSpace(segments[i]); seg != "" {
			if unescaped, err := url.PathUnescape(seg); err == nil {
				seg = unescaped
			}
			return strings.ToLower(seg)
		}
	}
	return ""
}

// Resolve makes href absolute against base. Empty, javascript: and
// fragment-only links resolve to "".
func Resolve(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil || !b.IsAbs() {
		if ref.IsAbs() {
			return ref.String()
		}
		return ""
	}
	return b.ResolveReference(ref).String()
}

func digest(s string) string {
	return hasher.Short([]byte(s), sourceIDLength)
}
