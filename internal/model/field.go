package model

import (
	"math"
)

// Source identifies the extraction strategy that produced a field candidate.
type Source string

const (
	SourceStructuredAPI Source = "structured_api"
	SourceRenderedDOM   Source = "rendered_dom"
	SourceRawMarkup     Source = "raw_markup"
	SourceFallback      Source = "fallback"
)

// Priority ranks sources for tie-breaking. Higher wins.
func (s Source) Priority() int {
	switch s {
	case SourceStructuredAPI:
		return 3
	case SourceRenderedDOM:
		return 2
	case SourceRawMarkup:
		return 1
	default:
		return 0
	}
}

// Valid reports whether s is one of the known sources.
func (s Source) Valid() bool {
	switch s {
	case SourceStructuredAPI, SourceRenderedDOM, SourceRawMarkup, SourceFallback:
		return true
	}
	return false
}

// Canonical field names shared by the cascade and the normalizer. Candidate
// values are typed per field:
//
//	title, price, currency, image, description, brand, sku: string
//	images, videos: []string
//	variants: []RawVariant
//	options: []Option (names as found on the page)
//	reviews: ReviewSummary
//
// Price strings may carry a currency symbol or ISO code.
const (
	FieldTitle       = "title"
	FieldPrice       = "price"
	FieldCurrency    = "currency"
	FieldImage       = "image"
	FieldImages      = "images"
	FieldDescription = "description"
	FieldVideos      = "videos"
	FieldVariants    = "variants"
	FieldOptions     = "options"
	FieldReviews     = "reviews"
	FieldBrand       = "brand"
	FieldSKU         = "sku"
)

// RequiredFields are never absent from a normalized product.
var RequiredFields = []string{FieldTitle, FieldPrice, FieldCurrency, FieldImage, FieldVariants}

// OptionalFields may be empty on a normalized product.
var OptionalFields = []string{FieldDescription, FieldImages, FieldVideos, FieldOptions, FieldReviews, FieldBrand, FieldSKU}

// ExtractedField is one candidate value for a canonical field, tagged with
// the strategy that produced it. Fields are unexported so a candidate cannot
// be altered after the attempt that produced it.
type ExtractedField struct {
	field      string
	value      any
	source     Source
	confidence float64
}

// NewField builds a candidate. Confidence is clamped to [0,1]; NaN becomes 0.
func NewField(field string, value any, source Source, confidence float64) ExtractedField {
	switch {
	case math.IsNaN(confidence), confidence < 0:
		confidence = 0
	case confidence > 1:
		confidence = 1
	}
	return ExtractedField{field: field, value: value, source: source, confidence: confidence}
}

func (f ExtractedField) Field() string       { return f.field }
func (f ExtractedField) Value() any          { return f.value }
func (f ExtractedField) Source() Source      { return f.source }
func (f ExtractedField) Confidence() float64 { return f.confidence }

// RawVariant is a variant as reported by an extraction strategy, before
// option names and values are mapped onto the normalized schema.
type RawVariant struct {
	Title     string            `json:"title,omitempty"`
	SKU       string            `json:"sku,omitempty"`
	Price     string            `json:"price,omitempty"`
	Image     string            `json:"image,omitempty"`
	Available *bool             `json:"available,omitempty"`
	Options   map[string]string `json:"options,omitempty"`
}

// ReviewSummary is the aggregate review signal for a product.
type ReviewSummary struct {
	Rating float64 `json:"rating"`
	Count  int     `json:"count"`
}
