// Package normalize merges extracted field candidates into one canonical
// product with per-field provenance and a completeness score.
//
// Normalization is pure: no I/O, and the result depends only on the multiset
// of candidates, never on their order.
package normalize

import (
	"encoding/json"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/sells-group/catalog-import/internal/model"
)

// Defaults for required fields no candidate could fill.
const (
	DefaultTitle            = "Untitled product"
	DefaultCurrency         = "USD"
	DefaultVariantTitle     = "Default"
	DefaultPlaceholderImage = "https://static.sells-group.com/catalog/placeholder.png"
)

// Weights are the completeness score contributions per field. They sum to 100.
var Weights = map[string]int{
	model.FieldTitle:       25,
	model.FieldPrice:       25,
	model.FieldCurrency:    5,
	model.FieldImage:       10,
	model.FieldVariants:    5,
	model.FieldDescription: 10,
	model.FieldImages:      8,
	model.FieldVideos:      4,
	model.FieldOptions:     4,
	model.FieldReviews:     4,
}

// Options configures a Normalizer.
type Options struct {
	// PlaceholderImage is the primary image used when none was extracted.
	PlaceholderImage string
}

// Normalizer turns candidates into products.
type Normalizer struct {
	placeholder string
}

// New creates a Normalizer.
func New(opts Options) *Normalizer {
	if opts.PlaceholderImage == "" {
		opts.PlaceholderImage = DefaultPlaceholderImage
	}
	return &Normalizer{placeholder: opts.PlaceholderImage}
}

// Normalize runs a default Normalizer.
func Normalize(fields []model.ExtractedField) model.Product {
	return New(Options{}).Normalize(fields)
}

// candidate is a sanitized ExtractedField. key is the canonical string form
// of value, used as the final tie-break.
type candidate struct {
	value      any
	key        string
	source     model.Source
	confidence float64
}

func (c candidate) provenance(n int) model.Provenance {
	return model.Provenance{Source: c.source, Confidence: c.confidence, Candidates: n}
}

var fallbackProvenance = model.Provenance{Source: model.SourceFallback}

// Normalize picks a winner per field, fills defaults for required fields and
// scores the result.
func (n *Normalizer) Normalize(fields []model.ExtractedField) model.Product {
	cands := collect(fields)
	p := model.Product{Provenance: make(map[string]model.Provenance)}

	if c, ok := top(cands[model.FieldTitle]); ok {
		p.Title = c.value.(string)
		p.Provenance[model.FieldTitle] = c.provenance(len(cands[model.FieldTitle]))
	} else {
		p.Title = DefaultTitle
		p.Provenance[model.FieldTitle] = fallbackProvenance
	}

	if c, ok := top(cands[model.FieldPrice]); ok {
		p.Price = c.value.(priceValue).amount
		p.Provenance[model.FieldPrice] = c.provenance(len(cands[model.FieldPrice]))
	} else {
		p.Price = decimal.Zero
		p.Provenance[model.FieldPrice] = fallbackProvenance
	}

	if c, ok := top(cands[model.FieldCurrency]); ok {
		p.Currency = c.value.(string)
		p.Provenance[model.FieldCurrency] = c.provenance(len(cands[model.FieldCurrency]))
	} else {
		p.Currency = DefaultCurrency
		p.Provenance[model.FieldCurrency] = fallbackProvenance
	}

	if list, c, ok := mergeStrings(cands[model.FieldImages]); ok {
		p.Images = list
		p.Provenance[model.FieldImages] = c.provenance(len(cands[model.FieldImages]))
	}
	if c, ok := top(cands[model.FieldImage]); ok {
		p.PrimaryImage = c.value.(string)
		p.Provenance[model.FieldImage] = c.provenance(len(cands[model.FieldImage]))
	} else if len(p.Images) > 0 {
		p.PrimaryImage = p.Images[0]
		p.Provenance[model.FieldImage] = p.Provenance[model.FieldImages]
	} else {
		p.PrimaryImage = n.placeholder
		p.Provenance[model.FieldImage] = fallbackProvenance
	}

	if list, c, ok := mergeStrings(cands[model.FieldVideos]); ok {
		p.Videos = list
		p.Provenance[model.FieldVideos] = c.provenance(len(cands[model.FieldVideos]))
	}
	if c, ok := top(cands[model.FieldDescription]); ok {
		p.Description = c.value.(string)
		p.Provenance[model.FieldDescription] = c.provenance(len(cands[model.FieldDescription]))
	}
	if c, ok := top(cands[model.FieldBrand]); ok {
		p.Brand = c.value.(string)
		p.Provenance[model.FieldBrand] = c.provenance(len(cands[model.FieldBrand]))
	}
	if c, ok := top(cands[model.FieldSKU]); ok {
		p.SKU = c.value.(string)
		p.Provenance[model.FieldSKU] = c.provenance(len(cands[model.FieldSKU]))
	}
	if c, ok := top(cands[model.FieldReviews]); ok {
		r := c.value.(model.ReviewSummary)
		p.Reviews = &r
		p.Provenance[model.FieldReviews] = c.provenance(len(cands[model.FieldReviews]))
	}

	var raw []model.RawVariant
	if c, ok := top(cands[model.FieldVariants]); ok {
		raw = c.value.([]model.RawVariant)
		p.Variants = buildVariants(raw, p.Price)
		p.Provenance[model.FieldVariants] = c.provenance(len(cands[model.FieldVariants]))
	} else {
		p.Variants = []model.Variant{defaultVariant(p.Price)}
		p.Provenance[model.FieldVariants] = fallbackProvenance
	}

	opts, optCand, fromCandidates := mergeOptions(cands[model.FieldOptions])
	opts = mergeVariantAxes(opts, raw)
	if len(opts) > 0 {
		p.Options = opts
		if fromCandidates {
			p.Provenance[model.FieldOptions] = optCand.provenance(len(cands[model.FieldOptions]))
		} else {
			p.Provenance[model.FieldOptions] = p.Provenance[model.FieldVariants]
		}
	}

	p.CompletenessScore = Score(&p)
	return p
}

// Score sums the weights of fields that were extracted rather than defaulted.
func Score(p *model.Product) int {
	score := 0
	for field, w := range Weights {
		prov, ok := p.Provenance[field]
		if ok && !prov.IsFallback() {
			score += w
		}
	}
	return score
}

// Usable reports whether p clears threshold with an extracted title and price.
func Usable(p *model.Product, threshold int) bool {
	return p.CompletenessScore >= threshold &&
		!p.FieldFromFallback(model.FieldTitle) &&
		!p.FieldFromFallback(model.FieldPrice)
}

// collect sanitizes every candidate and ranks each field's list.
func collect(fields []model.ExtractedField) map[string][]candidate {
	out := make(map[string][]candidate)
	add := func(field string, v any, src model.Source, conf float64) {
		out[field] = append(out[field], candidate{value: v, key: canonicalKey(v), source: src, confidence: conf})
	}
	for _, f := range fields {
		v, ok := sanitize(f.Field(), f.Value())
		if !ok {
			continue
		}
		add(f.Field(), v, f.Source(), f.Confidence())
		// A currency read off a price string is as trustworthy as the price.
		if pv, isPrice := v.(priceValue); isPrice && pv.currency != "" {
			add(model.FieldCurrency, pv.currency, f.Source(), f.Confidence())
		}
	}
	for field := range out {
		rank(out[field])
	}
	return out
}

// rank orders by confidence, then source priority, then canonical value.
func rank(cs []candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.confidence != b.confidence {
			return a.confidence > b.confidence
		}
		if pa, pb := a.source.Priority(), b.source.Priority(); pa != pb {
			return pa > pb
		}
		return a.key < b.key
	})
}

func top(cs []candidate) (candidate, bool) {
	if len(cs) == 0 {
		return candidate{}, false
	}
	return cs[0], true
}

// mergeStrings unions list candidates in rank order. The returned candidate
// is the highest ranked contributor.
func mergeStrings(cs []candidate) ([]string, candidate, bool) {
	if len(cs) == 0 {
		return nil, candidate{}, false
	}
	seen := make(map[string]bool)
	var out []string
	for _, c := range cs {
		for _, s := range c.value.([]string) {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out, cs[0], true
}

func canonicalKey(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case priceValue:
		return t.amount.String() + " " + t.currency
	}
	b, _ := json.Marshal(v)
	return string(b)
}
