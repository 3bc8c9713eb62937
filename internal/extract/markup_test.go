package extract

import (
	"net/url"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-import/internal/model"
)

const productPageHTML = `<!doctype html>
<html><head>
<title>Blue Mug | Acme</title>
<meta property="og:title" content="Blue Mug">
<meta property="og:image" content="/img/mug_800x800.jpg">
<meta property="og:image" content="https://cdn.example.com/mug-side.jpg">
<meta property="product:price:amount" content="12.50">
<meta property="product:price:currency" content="EUR">
<script type="application/ld+json">
{"@context":"https://schema.org","@graph":[
 {"@type":"BreadcrumbList"},
 {"@type":"Product","name":"Blue Mug","description":"A sturdy mug.","sku":"MUG-1",
  "brand":{"@type":"Brand","name":"Acme"},
  "image":["https://cdn.example.com/mug.jpg","https://cdn.example.com/mug-2.jpg"],
  "offers":{"@type":"Offer","price":"12.50","priceCurrency":"EUR","availability":"https://schema.org/InStock"},
  "aggregateRating":{"ratingValue":"4.6","reviewCount":"128"},
  "hasVariant":[{"name":"Blue Mug - Large","sku":"MUG-1-L","size":"Large","offers":{"price":14,"availability":"https://schema.org/OutOfStock"}}]
 }]}
</script>
</head><body>
<div itemscope itemtype="https://schema.org/Product">
 <h1 itemprop="name">Blue Mug (microdata)</h1>
 <span itemprop="price" content="12.50">€12,50</span>
</div>
<p>Now only €12.50 while stocks last</p>
<script>var price = "$99.99";</script>
</body></html>`

func parseFixture(t *testing.T, html string) []signal {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	base, _ := url.Parse("https://shop.example.com/products/blue-mug")
	return parseMarkup(doc, base)
}

func signalsFor(sigs []signal, field string, kind markupKind) []any {
	var out []any
	for _, s := range sigs {
		if s.field == field && s.kind == kind {
			out = append(out, s.value)
		}
	}
	return out
}

func TestParseMarkup_JSONLD(t *testing.T) {
	sigs := parseFixture(t, productPageHTML)

	assert.Equal(t, []any{"Blue Mug"}, signalsFor(sigs, model.FieldTitle, kindJSONLD))
	assert.Equal(t, []any{"12.50"}, signalsFor(sigs, model.FieldPrice, kindJSONLD))
	assert.Equal(t, []any{"EUR"}, signalsFor(sigs, model.FieldCurrency, kindJSONLD))
	assert.Equal(t, []any{"Acme"}, signalsFor(sigs, model.FieldBrand, kindJSONLD))
	assert.Equal(t, []any{"https://cdn.example.com/mug.jpg"}, signalsFor(sigs, model.FieldImage, kindJSONLD))
	assert.Equal(t, []any{model.ReviewSummary{Rating: 4.6, Count: 128}}, signalsFor(sigs, model.FieldReviews, kindJSONLD))

	variants := signalsFor(sigs, model.FieldVariants, kindJSONLD)
	require.Len(t, variants, 1)
	rv := variants[0].([]model.RawVariant)
	require.Len(t, rv, 1)
	assert.Equal(t, "14", rv[0].Price)
	assert.Equal(t, "Large", rv[0].Options["size"])
	require.NotNil(t, rv[0].Available)
	assert.False(t, *rv[0].Available)
}

func TestParseMarkup_MicrodataMetaTitle(t *testing.T) {
	sigs := parseFixture(t, productPageHTML)

	assert.Equal(t, []any{"Blue Mug (microdata)"}, signalsFor(sigs, model.FieldTitle, kindMicrodata))
	assert.Equal(t, []any{"12.50"}, signalsFor(sigs, model.FieldPrice, kindMicrodata))
	assert.Equal(t, []any{"Blue Mug"}, signalsFor(sigs, model.FieldTitle, kindMeta))
	assert.Equal(t, []any{"https://shop.example.com/img/mug_800x800.jpg"}, signalsFor(sigs, model.FieldImage, kindMeta))
	assert.Equal(t, []any{"Blue Mug | Acme"}, signalsFor(sigs, model.FieldTitle, kindTitleTag))
}

func TestParseMarkup_RegexPriceIgnoresScripts(t *testing.T) {
	sigs := parseFixture(t, productPageHTML)
	prices := signalsFor(sigs, model.FieldPrice, kindRegex)
	require.Len(t, prices, 1)
	assert.Equal(t, "€12,50", prices[0])
}

func TestParseMarkup_Empty(t *testing.T) {
	assert.Empty(t, parseFixture(t, `<html><body><p>nothing here</p></body></html>`))
}

func TestFindProducts_TypeArray(t *testing.T) {
	v := []any{map[string]any{"@type": []any{"Thing", "Product"}, "name": "x"}}
	assert.Len(t, findProducts(v), 1)
}

func TestAbsURL(t *testing.T) {
	base, _ := url.Parse("https://shop.example.com/products/a")
	assert.Equal(t, "https://shop.example.com/img/a.jpg", absURL(base, "/img/a.jpg"))
	assert.Equal(t, "https://cdn.example.com/a.jpg", absURL(base, "//cdn.example.com/a.jpg"))
	assert.Empty(t, absURL(base, "data:image/png;base64,AAAA"))
	assert.Empty(t, absURL(base, "javascript:void(0)"))
}
