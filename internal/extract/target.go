package extract

import (
	"net/url"
	"path"
	"strings"

	"github.com/rotisserie/eris"
)

// Platform is the storefront software a target appears to run on.
type Platform string

const (
	PlatformShopify     Platform = "shopify"
	PlatformWooCommerce Platform = "woocommerce"
	PlatformAmazon      Platform = "amazon"
	PlatformEtsy        Platform = "etsy"
	PlatformGeneric     Platform = "generic"
)

// Target is a parsed product page URL.
type Target struct {
	URL      *url.URL
	Host     string
	Platform Platform
	// Identity is the normalized URL used to version products.
	Identity string
	// Handle is the product slug from the path, when the path has one.
	Handle string
}

// ErrInvalidTarget is returned for URLs that are not absolute http(s).
var ErrInvalidTarget = eris.New("extract: invalid target url")

// NewTarget parses raw and detects the platform from the host and path.
func NewTarget(raw string) (Target, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Target{}, eris.Wrapf(ErrInvalidTarget, "%s: %v", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return Target{}, eris.Wrapf(ErrInvalidTarget, "%s", raw)
	}
	host := strings.ToLower(u.Hostname())
	t := Target{
		URL:      u,
		Host:     host,
		Identity: Identity(u),
	}
	t.Platform, t.Handle = detectPlatform(host, u.Path)
	return t, nil
}

// Identity normalizes u to host+path: lowercase host without "www.", no
// scheme, query, fragment or trailing slash.
func Identity(u *url.URL) string {
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	p := strings.TrimRight(path.Clean("/"+u.EscapedPath()), "/")
	return host + p
}

// DetectPlatform reports the platform for a raw URL, or PlatformGeneric when
// the URL cannot be parsed.
func DetectPlatform(raw string) Platform {
	t, err := NewTarget(raw)
	if err != nil {
		return PlatformGeneric
	}
	return t.Platform
}

func detectPlatform(host, p string) (Platform, string) {
	segs := strings.Split(strings.Trim(p, "/"), "/")
	handleAfter := func(marker string) string {
		for i := 0; i < len(segs)-1; i++ {
			if segs[i] == marker {
				return segs[i+1]
			}
		}
		return ""
	}

	switch {
	case strings.HasSuffix(host, ".myshopify.com"):
		return PlatformShopify, handleAfter("products")
	case host == "amazon.com" || strings.Contains(host, ".amazon.") || strings.HasPrefix(host, "amazon."):
		return PlatformAmazon, handleAfter("dp")
	case host == "etsy.com" || strings.HasSuffix(host, ".etsy.com"):
		return PlatformEtsy, handleAfter("listing")
	}

	// Custom domains: the storefront path conventions are the strongest signal.
	if h := handleAfter("products"); h != "" {
		return PlatformShopify, h
	}
	if h := handleAfter("product"); h != "" {
		return PlatformWooCommerce, h
	}
	return PlatformGeneric, ""
}
