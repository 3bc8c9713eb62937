package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is the canonical, normalized product record.
type Product struct {
	Title        string          `json:"title"`
	Price        decimal.Decimal `json:"price"`
	Currency     string          `json:"currency"`
	PrimaryImage string          `json:"primary_image"`
	Variants     []Variant       `json:"variants"`

	Description          string         `json:"description,omitempty"`
	DescriptionRewritten bool           `json:"description_rewritten,omitempty"`
	Images               []string       `json:"images,omitempty"`
	Videos               []string       `json:"videos,omitempty"`
	Options              []Option       `json:"options,omitempty"`
	Reviews              *ReviewSummary `json:"reviews,omitempty"`
	Brand                string         `json:"brand,omitempty"`
	SKU                  string         `json:"sku,omitempty"`

	CompletenessScore int                   `json:"completeness_score"`
	Provenance        map[string]Provenance `json:"field_provenance"`
}

// Variant is a purchasable variation mapped onto the normalized option schema.
type Variant struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	SKU       string            `json:"sku,omitempty"`
	Price     decimal.Decimal   `json:"price"`
	Image     string            `json:"image,omitempty"`
	Available bool              `json:"available"`
	Options   map[string]string `json:"options,omitempty"`
}

// Option is one normalized option axis (e.g. Color) with its values in
// first-seen order.
type Option struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// FieldFromFallback reports whether the named field was defaulted.
func (p *Product) FieldFromFallback(field string) bool {
	prov, ok := p.Provenance[field]
	return !ok || prov.IsFallback()
}

// ProductVersion is one persisted import of a product. Re-imports of the
// same identity append a new version.
type ProductVersion struct {
	Identity  string    `json:"identity"`
	Version   int       `json:"version"`
	JobID     string    `json:"job_id"`
	Product   Product   `json:"product"`
	CreatedAt time.Time `json:"created_at"`
}
