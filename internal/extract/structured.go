package extract

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/catalog-import/internal/model"
	"github.com/sells-group/catalog-import/internal/resilience"
)

const (
	apiCoreConfidence  = 0.95
	apiOtherConfidence = 0.9
)

// ErrNoProduct is returned when an endpoint answered but had no product.
var ErrNoProduct = eris.New("extract: no product in response")

// StructuredAPI reads the storefront's own product JSON endpoint.
type StructuredAPI struct {
	fetcher *Fetcher
	retry   resilience.RetryConfig
}

// NewStructuredAPI creates the structured API strategy.
func NewStructuredAPI(f *Fetcher, retry resilience.RetryConfig) *StructuredAPI {
	return &StructuredAPI{fetcher: f, retry: retry}
}

func (s *StructuredAPI) Source() model.Source { return model.SourceStructuredAPI }

func (s *StructuredAPI) Supports(t Target) bool {
	return t.Handle != "" && (t.Platform == PlatformShopify || t.Platform == PlatformWooCommerce)
}

func (s *StructuredAPI) Attempt(ctx context.Context, t Target, _ Budget) ([]model.ExtractedField, error) {
	endpoint := s.endpoint(t)
	cfg := s.retry
	cfg.OnRetry = resilience.RetryLogger("structured_api", t.Host)

	body, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) ([]byte, error) {
		page, err := s.fetcher.Get(ctx, endpoint, "application/json")
		if err != nil {
			return nil, err
		}
		return page.Body, nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "structured_api: %s", endpoint)
	}

	base := &url.URL{Scheme: t.URL.Scheme, Host: t.URL.Host}
	switch t.Platform {
	case PlatformShopify:
		return parseShopifyProduct(body, base)
	default:
		return parseWooProducts(body, base)
	}
}

func (s *StructuredAPI) endpoint(t Target) string {
	u := url.URL{Scheme: t.URL.Scheme, Host: t.URL.Host}
	if t.Platform == PlatformShopify {
		u.Path = "/products/" + t.Handle + ".json"
		return u.String()
	}
	u.Path = "/wp-json/wc/store/v1/products"
	u.RawQuery = url.Values{"slug": {t.Handle}}.Encode()
	return u.String()
}

// --- Shopify ---

type shopifyResponse struct {
	Product *struct {
		Title    string `json:"title"`
		BodyHTML string `json:"body_html"`
		Vendor   string `json:"vendor"`
		Variants []struct {
			ID        json.Number `json:"id"`
			Title     string      `json:"title"`
			Price     string      `json:"price"`
			SKU       string      `json:"sku"`
			Option1   string      `json:"option1"`
			Option2   string      `json:"option2"`
			Option3   string      `json:"option3"`
			Available *bool       `json:"available"`
			ImageID   json.Number `json:"image_id"`
		} `json:"variants"`
		Options []struct {
			Name   string   `json:"name"`
			Values []string `json:"values"`
		} `json:"options"`
		Images []struct {
			ID  json.Number `json:"id"`
			Src string      `json:"src"`
		} `json:"images"`
		Image *struct {
			Src string `json:"src"`
		} `json:"image"`
	} `json:"product"`
}

func parseShopifyProduct(body []byte, base *url.URL) ([]model.ExtractedField, error) {
	var r shopifyResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, eris.Wrap(err, "structured_api: decode shopify product")
	}
	p := r.Product
	if p == nil {
		return nil, ErrNoProduct
	}

	var out []model.ExtractedField
	core := func(f string, v any) {
		out = append(out, model.NewField(f, v, model.SourceStructuredAPI, apiCoreConfidence))
	}
	other := func(f string, v any) {
		out = append(out, model.NewField(f, v, model.SourceStructuredAPI, apiOtherConfidence))
	}

	if p.Title != "" {
		core(model.FieldTitle, p.Title)
	}
	if d := htmlText(p.BodyHTML); d != "" {
		other(model.FieldDescription, d)
	}
	if p.Vendor != "" {
		other(model.FieldBrand, p.Vendor)
	}

	imageByID := make(map[string]string)
	var images []string
	for _, img := range p.Images {
		if u := absURL(base, img.Src); u != "" {
			images = append(images, u)
			imageByID[img.ID.String()] = u
		}
	}
	primary := ""
	if p.Image != nil {
		primary = absURL(base, p.Image.Src)
	}
	if primary == "" && len(images) > 0 {
		primary = images[0]
	}
	if primary != "" {
		other(model.FieldImage, primary)
	}
	if len(images) > 0 {
		other(model.FieldImages, images)
	}

	var options []model.Option
	for _, o := range p.Options {
		// Shopify reports a lone "Title" option for products without variants.
		if strings.EqualFold(o.Name, "Title") && len(o.Values) == 1 && o.Values[0] == "Default Title" {
			continue
		}
		options = append(options, model.Option{Name: o.Name, Values: o.Values})
	}
	if len(options) > 0 {
		other(model.FieldOptions, options)
	}

	var variants []model.RawVariant
	for _, v := range p.Variants {
		rv := model.RawVariant{
			Title:     v.Title,
			SKU:       v.SKU,
			Price:     v.Price,
			Available: v.Available,
			Image:     imageByID[v.ImageID.String()],
		}
		for i, val := range []string{v.Option1, v.Option2, v.Option3} {
			if val == "" || i >= len(options) {
				continue
			}
			if rv.Options == nil {
				rv.Options = make(map[string]string)
			}
			rv.Options[options[i].Name] = val
		}
		variants = append(variants, rv)
	}
	if len(variants) > 0 {
		other(model.FieldVariants, variants)
		if variants[0].Price != "" {
			core(model.FieldPrice, variants[0].Price)
		}
		if len(variants) == 1 && variants[0].SKU != "" {
			other(model.FieldSKU, variants[0].SKU)
		}
	}
	return out, nil
}

// --- WooCommerce Store API ---

type wooProduct struct {
	Name             string `json:"name"`
	Description      string `json:"description"`
	ShortDescription string `json:"short_description"`
	SKU              string `json:"sku"`
	Prices           struct {
		Price             string `json:"price"`
		CurrencyCode      string `json:"currency_code"`
		CurrencyMinorUnit int    `json:"currency_minor_unit"`
	} `json:"prices"`
	Images []struct {
		Src string `json:"src"`
	} `json:"images"`
	Attributes []struct {
		Name  string `json:"name"`
		Terms []struct {
			Name string `json:"name"`
		} `json:"terms"`
		HasVariations bool `json:"has_variations"`
	} `json:"attributes"`
	Variations []struct {
		ID         int `json:"id"`
		Attributes []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"attributes"`
	} `json:"variations"`
	AverageRating string `json:"average_rating"`
	ReviewCount   int    `json:"review_count"`
	IsInStock     *bool  `json:"is_in_stock"`
}

func parseWooProducts(body []byte, base *url.URL) ([]model.ExtractedField, error) {
	var products []wooProduct
	if err := json.Unmarshal(body, &products); err != nil {
		return nil, eris.Wrap(err, "structured_api: decode woocommerce products")
	}
	if len(products) == 0 {
		return nil, ErrNoProduct
	}
	p := products[0]

	var out []model.ExtractedField
	core := func(f string, v any) {
		out = append(out, model.NewField(f, v, model.SourceStructuredAPI, apiCoreConfidence))
	}
	other := func(f string, v any) {
		out = append(out, model.NewField(f, v, model.SourceStructuredAPI, apiOtherConfidence))
	}

	if p.Name != "" {
		core(model.FieldTitle, htmlText(p.Name))
	}
	desc := htmlText(p.Description)
	if desc == "" {
		desc = htmlText(p.ShortDescription)
	}
	if desc != "" {
		other(model.FieldDescription, desc)
	}
	if p.SKU != "" {
		other(model.FieldSKU, p.SKU)
	}

	price := minorUnits(p.Prices.Price, p.Prices.CurrencyMinorUnit)
	if price != "" {
		core(model.FieldPrice, price)
	}
	if p.Prices.CurrencyCode != "" {
		core(model.FieldCurrency, p.Prices.CurrencyCode)
	}

	var images []string
	for _, img := range p.Images {
		if u := absURL(base, img.Src); u != "" {
			images = append(images, u)
		}
	}
	if len(images) > 0 {
		other(model.FieldImage, images[0])
		other(model.FieldImages, images)
	}

	var options []model.Option
	for _, a := range p.Attributes {
		if !a.HasVariations || len(a.Terms) == 0 {
			continue
		}
		o := model.Option{Name: a.Name}
		for _, term := range a.Terms {
			o.Values = append(o.Values, term.Name)
		}
		options = append(options, o)
	}
	if len(options) > 0 {
		other(model.FieldOptions, options)
	}

	var variants []model.RawVariant
	for _, v := range p.Variations {
		rv := model.RawVariant{SKU: strconv.Itoa(v.ID), Price: price, Options: make(map[string]string)}
		var parts []string
		for _, a := range v.Attributes {
			rv.Options[a.Name] = a.Value
			parts = append(parts, a.Value)
		}
		rv.Title = strings.Join(parts, " / ")
		variants = append(variants, rv)
	}
	if len(variants) > 0 {
		other(model.FieldVariants, variants)
	}

	if rating, err := strconv.ParseFloat(p.AverageRating, 64); err == nil && p.ReviewCount > 0 {
		other(model.FieldReviews, model.ReviewSummary{Rating: rating, Count: p.ReviewCount})
	}
	return out, nil
}

// minorUnits renders an integer amount in minor units as a decimal string.
func minorUnits(amount string, exp int) string {
	n, err := decimal.NewFromString(amount)
	if err != nil {
		return ""
	}
	return n.Shift(int32(-exp)).StringFixed(int32(exp))
}

// htmlText strips markup from an HTML fragment and collapses whitespace.
func htmlText(fragment string) string {
	if !strings.ContainsAny(fragment, "<&") {
		return strings.Join(strings.Fields(fragment), " ")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return ""
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}
