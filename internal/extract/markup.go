package extract

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/sells-group/catalog-import/internal/model"
)

// markupKind is where in a document a value was found. Kinds carry
// different trust.
type markupKind int

const (
	kindJSONLD markupKind = iota
	kindMicrodata
	kindMeta
	kindTitleTag
	kindRegex
)

type signal struct {
	field string
	value any
	kind  markupKind
}

// parseMarkup reads every product signal the static document exposes.
func parseMarkup(doc *goquery.Document, base *url.URL) []signal {
	var out []signal
	out = append(out, jsonLDSignals(doc, base)...)
	out = append(out, microdataSignals(doc, base)...)
	out = append(out, metaSignals(doc, base)...)
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		out = append(out, signal{model.FieldTitle, title, kindTitleTag})
	}
	if price := regexPrice(doc); price != "" {
		out = append(out, signal{model.FieldPrice, price, kindRegex})
	}
	return out
}

// --- JSON-LD ---

func jsonLDSignals(doc *goquery.Document, base *url.URL) []signal {
	var out []signal
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var v any
		if err := json.Unmarshal([]byte(strings.TrimSpace(s.Text())), &v); err != nil {
			return
		}
		for _, p := range findProducts(v) {
			out = append(out, productSignals(p, base)...)
		}
	})
	return out
}

// findProducts walks arrays and @graph containers for Product or
// ProductGroup objects.
func findProducts(v any) []map[string]any {
	switch t := v.(type) {
	case []any:
		var out []map[string]any
		for _, e := range t {
			out = append(out, findProducts(e)...)
		}
		return out
	case map[string]any:
		if hasType(t, "Product") || hasType(t, "ProductGroup") {
			return []map[string]any{t}
		}
		if g, ok := t["@graph"]; ok {
			return findProducts(g)
		}
	}
	return nil
}

func hasType(m map[string]any, typ string) bool {
	switch t := m["@type"].(type) {
	case string:
		return t == typ || strings.HasSuffix(t, "/"+typ)
	case []any:
		for _, e := range t {
			if s, ok := e.(string); ok && (s == typ || strings.HasSuffix(s, "/"+typ)) {
				return true
			}
		}
	}
	return false
}

func productSignals(p map[string]any, base *url.URL) []signal {
	var out []signal
	add := func(field string, v any) { out = append(out, signal{field, v, kindJSONLD}) }

	if s := str(p["name"]); s != "" {
		add(model.FieldTitle, s)
	}
	if s := str(p["description"]); s != "" {
		add(model.FieldDescription, s)
	}
	if s := str(p["sku"]); s != "" {
		add(model.FieldSKU, s)
	}
	if s := brandName(p["brand"]); s != "" {
		add(model.FieldBrand, s)
	}
	if imgs := imageURLs(p["image"], base); len(imgs) > 0 {
		add(model.FieldImage, imgs[0])
		if len(imgs) > 1 {
			add(model.FieldImages, imgs)
		}
	}
	if vids := videoURLs(p["video"], base); len(vids) > 0 {
		add(model.FieldVideos, vids)
	}
	if price, cur := offerPrice(p["offers"]); price != "" {
		add(model.FieldPrice, price)
		if cur != "" {
			add(model.FieldCurrency, cur)
		}
	}
	if r, ok := aggregateRating(p["aggregateRating"]); ok {
		add(model.FieldReviews, r)
	}
	if variants := ldVariants(p["hasVariant"], base); len(variants) > 0 {
		add(model.FieldVariants, variants)
	}
	return out
}

func ldVariants(v any, base *url.URL) []model.RawVariant {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []model.RawVariant
	for _, e := range arr {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		rv := model.RawVariant{Title: str(m["name"]), SKU: str(m["sku"])}
		rv.Price, _ = offerPrice(m["offers"])
		if imgs := imageURLs(m["image"], base); len(imgs) > 0 {
			rv.Image = imgs[0]
		}
		if avail := offerAvailability(m["offers"]); avail != nil {
			rv.Available = avail
		}
		for _, axis := range []string{"color", "size", "material", "pattern"} {
			if s := str(m[axis]); s != "" {
				if rv.Options == nil {
					rv.Options = make(map[string]string)
				}
				rv.Options[axis] = s
			}
		}
		out = append(out, rv)
	}
	return out
}

func offerPrice(v any) (price, currency string) {
	switch t := v.(type) {
	case []any:
		for _, e := range t {
			if p, c := offerPrice(e); p != "" {
				return p, c
			}
		}
	case map[string]any:
		currency = str(t["priceCurrency"])
		for _, k := range []string{"price", "lowPrice", "highPrice"} {
			if p := str(t[k]); p != "" {
				return p, currency
			}
		}
		if spec, ok := t["priceSpecification"].(map[string]any); ok {
			if p := str(spec["price"]); p != "" {
				if c := str(spec["priceCurrency"]); c != "" {
					currency = c
				}
				return p, currency
			}
		}
	}
	return "", ""
}

func offerAvailability(v any) *bool {
	m, ok := v.(map[string]any)
	if !ok {
		if arr, isArr := v.([]any); isArr && len(arr) > 0 {
			m, ok = arr[0].(map[string]any)
		}
	}
	if !ok {
		return nil
	}
	a := str(m["availability"])
	if a == "" {
		return nil
	}
	in := strings.HasSuffix(a, "InStock") || strings.HasSuffix(a, "LimitedAvailability")
	return &in
}

func aggregateRating(v any) (model.ReviewSummary, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return model.ReviewSummary{}, false
	}
	rating, err := strconv.ParseFloat(str(m["ratingValue"]), 64)
	if err != nil {
		return model.ReviewSummary{}, false
	}
	count, _ := strconv.Atoi(str(m["reviewCount"]))
	if count == 0 {
		count, _ = strconv.Atoi(str(m["ratingCount"]))
	}
	return model.ReviewSummary{Rating: rating, Count: count}, true
}

func brandName(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]any:
		return str(t["name"])
	}
	return ""
}

func imageURLs(v any, base *url.URL) []string {
	var out []string
	switch t := v.(type) {
	case string:
		if u := absURL(base, t); u != "" {
			out = append(out, u)
		}
	case []any:
		for _, e := range t {
			out = append(out, imageURLs(e, base)...)
		}
	case map[string]any:
		for _, k := range []string{"url", "contentUrl"} {
			if u := absURL(base, str(t[k])); u != "" {
				return []string{u}
			}
		}
	}
	return out
}

func videoURLs(v any, base *url.URL) []string {
	var out []string
	switch t := v.(type) {
	case []any:
		for _, e := range t {
			out = append(out, videoURLs(e, base)...)
		}
	case map[string]any:
		for _, k := range []string{"contentUrl", "embedUrl", "url"} {
			if u := absURL(base, str(t[k])); u != "" {
				return []string{u}
			}
		}
	case string:
		if u := absURL(base, t); u != "" {
			out = append(out, u)
		}
	}
	return out
}

// str renders scalar JSON values as trimmed strings.
func str(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	}
	return ""
}

// --- Microdata ---

func microdataSignals(doc *goquery.Document, base *url.URL) []signal {
	scope := doc.Find(`[itemtype*="schema.org/Product"]`).First()
	if scope.Length() == 0 {
		return nil
	}
	var out []signal
	prop := func(name string) string {
		s := scope.Find(`[itemprop="` + name + `"]`).First()
		if s.Length() == 0 {
			return ""
		}
		for _, attr := range []string{"content", "src", "href"} {
			if v, ok := s.Attr(attr); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
		return strings.TrimSpace(s.Text())
	}
	add := func(field string, v any) { out = append(out, signal{field, v, kindMicrodata}) }

	if v := prop("name"); v != "" {
		add(model.FieldTitle, v)
	}
	if v := prop("price"); v != "" {
		add(model.FieldPrice, v)
	}
	if v := prop("priceCurrency"); v != "" {
		add(model.FieldCurrency, v)
	}
	if v := absURL(base, prop("image")); v != "" {
		add(model.FieldImage, v)
	}
	if v := prop("description"); v != "" {
		add(model.FieldDescription, v)
	}
	if v := prop("sku"); v != "" {
		add(model.FieldSKU, v)
	}
	if v := prop("brand"); v != "" {
		add(model.FieldBrand, v)
	}
	if rating, err := strconv.ParseFloat(prop("ratingValue"), 64); err == nil {
		count, _ := strconv.Atoi(prop("reviewCount"))
		add(model.FieldReviews, model.ReviewSummary{Rating: rating, Count: count})
	}
	return out
}

// --- Meta tags ---

func metaSignals(doc *goquery.Document, base *url.URL) []signal {
	var out []signal
	meta := func(names ...string) []string {
		var vals []string
		for _, n := range names {
			doc.Find(`meta[property="` + n + `"], meta[name="` + n + `"]`).Each(func(_ int, s *goquery.Selection) {
				if v := strings.TrimSpace(s.AttrOr("content", "")); v != "" {
					vals = append(vals, v)
				}
			})
		}
		return vals
	}
	add := func(field string, v any) { out = append(out, signal{field, v, kindMeta}) }

	if v := meta("og:title", "twitter:title"); len(v) > 0 {
		add(model.FieldTitle, v[0])
	}
	if v := meta("og:description", "description"); len(v) > 0 {
		add(model.FieldDescription, v[0])
	}
	if v := meta("product:price:amount", "og:price:amount"); len(v) > 0 {
		add(model.FieldPrice, v[0])
	}
	if v := meta("product:price:currency", "og:price:currency"); len(v) > 0 {
		add(model.FieldCurrency, v[0])
	}
	if v := meta("product:brand", "og:brand"); len(v) > 0 {
		add(model.FieldBrand, v[0])
	}
	var images []string
	for _, raw := range meta("og:image", "og:image:secure_url", "twitter:image") {
		if u := absURL(base, raw); u != "" {
			images = append(images, u)
		}
	}
	if len(images) > 0 {
		add(model.FieldImage, images[0])
		if len(images) > 1 {
			add(model.FieldImages, images)
		}
	}
	var videos []string
	for _, raw := range meta("og:video", "og:video:url", "og:video:secure_url") {
		if u := absURL(base, raw); u != "" {
			videos = append(videos, u)
		}
	}
	if len(videos) > 0 {
		add(model.FieldVideos, videos)
	}
	return out
}

// --- Regex fallback ---

var priceRe = regexp.MustCompile(`(?:[$€£¥₹]|\b(?:USD|EUR|GBP|CAD|AUD|JPY)\s?)\s?\d{1,3}(?:[,.\s]\d{3})*(?:[.,]\d{1,2})?`)

// regexPrice finds the first currency-marked amount in the visible text.
func regexPrice(doc *goquery.Document) string {
	body := doc.Find("body").Clone()
	body.Find("script, style, noscript").Remove()
	return strings.TrimSpace(priceRe.FindString(body.Text()))
}

// absURL resolves ref against base, keeping only http(s) results.
func absURL(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "data:") {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}
