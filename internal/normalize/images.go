package normalize

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	// product_800x800.jpg, product_grande.png, product_600x@2x.jpg
	shopifySizeRe = regexp.MustCompile(`_(?:\d+x\d*|\d*x\d+|pico|icon|thumb|small|compact|medium|large|grande)(?:@[23]x)?(?:_crop_[a-z]+)?(\.[A-Za-z0-9]+)$`)
	// 71abc._SX300_SY300_QL70_.jpg, 71abc._AC_US40_.jpg
	amazonSizeRe = regexp.MustCompile(`\._[A-Za-z0-9,_-]+_(\.[A-Za-z0-9]+)$`)
)

var sizeParams = []string{"width", "height"}

// cleanURL returns u as an absolute http(s) URL without fragment, or "".
// Protocol-relative URLs are taken as https.
func cleanURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ""
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	return u.String()
}

// cleanImageURL is cleanURL plus an upgrade to the largest size variant the
// CDN serves for the image.
func cleanImageURL(raw string) string {
	s := cleanURL(raw)
	if s == "" {
		return ""
	}
	u, _ := url.Parse(s)
	switch {
	case strings.Contains(u.Host, "amazon") || strings.Contains(u.Host, "ssl-images"):
		u.Path = amazonSizeRe.ReplaceAllString(u.Path, "$1")
	case isShopifyCDN(u):
		u.Path = shopifySizeRe.ReplaceAllString(u.Path, "$1")
	}
	if u.RawQuery != "" {
		q := u.Query()
		for _, p := range sizeParams {
			q.Del(p)
		}
		u.RawQuery = q.Encode()
	}
	u.RawPath = ""
	return u.String()
}

// isShopifyCDN reports whether u is served by the Shopify image CDN, either
// on its own host or proxied under a storefront's /cdn/shop/ path.
func isShopifyCDN(u *url.URL) bool {
	return u.Host == "cdn.shopify.com" ||
		strings.HasSuffix(u.Host, ".myshopify.com") && strings.HasPrefix(u.Path, "/cdn/") ||
		strings.HasPrefix(u.Path, "/cdn/shop/")
}

// cleanURLs sanitizes and deduplicates a list in order.
func cleanURLs(in []string, clean func(string) string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, raw := range in {
		s := clean(raw)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
