package extract

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTarget_Platforms(t *testing.T) {
	tests := []struct {
		raw      string
		platform Platform
		handle   string
	}{
		{"https://acme.myshopify.com/products/mug", PlatformShopify, "mug"},
		{"https://shop.example.com/collections/kitchen/products/blue-mug?variant=1", PlatformShopify, "blue-mug"},
		{"https://store.example.org/product/linen-shirt/", PlatformWooCommerce, "linen-shirt"},
		{"https://www.amazon.com/Widget/dp/B000123/ref=x", PlatformAmazon, "B000123"},
		{"https://www.etsy.com/listing/12345/handmade", PlatformEtsy, "12345"},
		{"https://example.com/item/42", PlatformGeneric, ""},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			target, err := NewTarget(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.platform, target.Platform)
			assert.Equal(t, tt.handle, target.Handle)
		})
	}
}

func TestNewTarget_Invalid(t *testing.T) {
	for _, raw := range []string{"", "not a url", "ftp://example.com/a", "/products/mug", "https://"} {
		_, err := NewTarget(raw)
		assert.ErrorIs(t, err, ErrInvalidTarget, raw)
	}
}

func TestIdentity_Normalizes(t *testing.T) {
	a, _ := url.Parse("https://WWW.Shop.Example.com/products/mug/?utm_source=x#reviews")
	b, _ := url.Parse("http://shop.example.com/products/mug")
	assert.Equal(t, "shop.example.com/products/mug", Identity(a))
	assert.Equal(t, Identity(a), Identity(b))
}

func TestDetectPlatform(t *testing.T) {
	assert.Equal(t, PlatformShopify, DetectPlatform("https://a.myshopify.com/"))
	assert.Equal(t, PlatformGeneric, DetectPlatform("::bad"))
}
