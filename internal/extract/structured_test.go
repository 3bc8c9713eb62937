package extract

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-import/internal/model"
	"github.com/sells-group/catalog-import/internal/resilience"
)

const shopifyProductJSON = `{"product":{
 "title":"Blue Mug","body_html":"<p>A <b>sturdy</b> mug.</p>","vendor":"Acme",
 "options":[{"name":"Size","values":["Small","Large"]}],
 "variants":[
  {"id":1,"title":"Small","price":"12.50","sku":"MUG-S","option1":"Small","available":true,"image_id":11},
  {"id":2,"title":"Large","price":"14.00","sku":"MUG-L","option1":"Large","available":false,"image_id":null}
 ],
 "images":[{"id":11,"src":"//cdn.shopify.com/mug.jpg"},{"id":12,"src":"https://cdn.shopify.com/mug-2.jpg"}],
 "image":{"src":"//cdn.shopify.com/mug.jpg"}
}}`

const wooProductsJSON = `[{
 "name":"Linen &amp; Cotton Shirt","description":"<p>Breathable.</p>","sku":"SHIRT-1",
 "prices":{"price":"2999","currency_code":"GBP","currency_minor_unit":2},
 "images":[{"src":"https://shop.example.com/shirt.jpg"}],
 "attributes":[{"name":"Size","has_variations":true,"terms":[{"name":"S"},{"name":"M"}]},{"name":"Material","has_variations":false,"terms":[{"name":"Linen"}]}],
 "variations":[{"id":101,"attributes":[{"name":"Size","value":"S"}]},{"id":102,"attributes":[{"name":"Size","value":"M"}]}],
 "average_rating":"4.20","review_count":7
}]`

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func testFetcher(srv *httptest.Server) *Fetcher {
	return NewFetcher(srv.Client(), 1000, 1000)
}

func fieldValues(fields []model.ExtractedField) map[string]any {
	out := make(map[string]any)
	for _, f := range fields {
		out[f.Field()] = f.Value()
	}
	return out
}

func TestStructuredAPI_Shopify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/products/mug.json", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(shopifyProductJSON))
	}))
	defer srv.Close()

	target, err := NewTarget(srv.URL + "/products/mug")
	require.NoError(t, err)
	s := NewStructuredAPI(testFetcher(srv), fastRetry())
	require.True(t, s.Supports(target))

	fields, err := s.Attempt(context.Background(), target, Budget{})
	require.NoError(t, err)
	for _, f := range fields {
		assert.Equal(t, model.SourceStructuredAPI, f.Source())
	}
	got := fieldValues(fields)
	assert.Equal(t, "Blue Mug", got[model.FieldTitle])
	assert.Equal(t, "A sturdy mug.", got[model.FieldDescription])
	assert.Equal(t, "Acme", got[model.FieldBrand])
	assert.Equal(t, "12.50", got[model.FieldPrice])
	assert.Equal(t, "https://cdn.shopify.com/mug.jpg", got[model.FieldImage])
	assert.Equal(t, []model.Option{{Name: "Size", Values: []string{"Small", "Large"}}}, got[model.FieldOptions])

	variants := got[model.FieldVariants].([]model.RawVariant)
	require.Len(t, variants, 2)
	assert.Equal(t, "Large", variants[1].Options["Size"])
	assert.Equal(t, "https://cdn.shopify.com/mug.jpg", variants[0].Image)
	assert.Empty(t, variants[1].Image)
	require.NotNil(t, variants[1].Available)
	assert.False(t, *variants[1].Available)
	_, hasSKU := got[model.FieldSKU]
	assert.False(t, hasSKU, "sku is only reported for single-variant products")
}

func TestStructuredAPI_ShopifyDefaultTitleOption(t *testing.T) {
	body := []byte(`{"product":{"title":"Poster","options":[{"name":"Title","values":["Default Title"]}],
		"variants":[{"id":1,"title":"Default Title","price":"5.00","sku":"P-1","option1":"Default Title"}]}}`)
	fields, err := parseShopifyProduct(body, nil)
	require.NoError(t, err)
	got := fieldValues(fields)
	_, hasOptions := got[model.FieldOptions]
	assert.False(t, hasOptions)
	assert.Equal(t, "P-1", got[model.FieldSKU])
	assert.Nil(t, got[model.FieldVariants].([]model.RawVariant)[0].Options)
}

func TestStructuredAPI_WooCommerce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/wp-json/wc/store/v1/products", r.URL.Path)
		assert.Equal(t, "linen-shirt", r.URL.Query().Get("slug"))
		_, _ = w.Write([]byte(wooProductsJSON))
	}))
	defer srv.Close()

	target, err := NewTarget(srv.URL + "/product/linen-shirt/")
	require.NoError(t, err)
	require.Equal(t, PlatformWooCommerce, target.Platform)

	fields, err := NewStructuredAPI(testFetcher(srv), fastRetry()).Attempt(context.Background(), target, Budget{})
	require.NoError(t, err)
	got := fieldValues(fields)
	assert.Equal(t, "Linen & Cotton Shirt", got[model.FieldTitle])
	assert.Equal(t, "29.99", got[model.FieldPrice])
	assert.Equal(t, "GBP", got[model.FieldCurrency])
	assert.Equal(t, "Breathable.", got[model.FieldDescription])
	assert.Equal(t, []model.Option{{Name: "Size", Values: []string{"S", "M"}}}, got[model.FieldOptions])
	assert.Equal(t, model.ReviewSummary{Rating: 4.2, Count: 7}, got[model.FieldReviews])

	variants := got[model.FieldVariants].([]model.RawVariant)
	require.Len(t, variants, 2)
	assert.Equal(t, "M", variants[1].Title)
	assert.Equal(t, "29.99", variants[1].Price)
}

func TestStructuredAPI_WooCommerceEmpty(t *testing.T) {
	_, err := parseWooProducts([]byte(`[]`), nil)
	assert.ErrorIs(t, err, ErrNoProduct)
}

func TestStructuredAPI_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(shopifyProductJSON))
	}))
	defer srv.Close()

	target, _ := NewTarget(srv.URL + "/products/mug")
	fields, err := NewStructuredAPI(testFetcher(srv), fastRetry()).Attempt(context.Background(), target, Budget{})
	require.NoError(t, err)
	assert.NotEmpty(t, fields)
	assert.Equal(t, int32(2), calls.Load())
}

func TestStructuredAPI_NotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	target, _ := NewTarget(srv.URL + "/products/missing")
	_, err := NewStructuredAPI(testFetcher(srv), fastRetry()).Attempt(context.Background(), target, Budget{})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestStructuredAPI_Supports(t *testing.T) {
	s := NewStructuredAPI(nil, resilience.RetryConfig{})
	shop, _ := NewTarget("https://acme.myshopify.com/products/mug")
	bare, _ := NewTarget("https://acme.myshopify.com/collections/all")
	generic, _ := NewTarget("https://example.com/item/1")
	assert.True(t, s.Supports(shop))
	assert.False(t, s.Supports(bare))
	assert.False(t, s.Supports(generic))
}

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, "29.99", minorUnits("2999", 2))
	assert.Equal(t, "1500", minorUnits("1500", 0))
	assert.Equal(t, "0.050", minorUnits("50", 3))
	assert.Empty(t, minorUnits("n/a", 2))
}
