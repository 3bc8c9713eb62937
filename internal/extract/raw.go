package extract

import (
	"bytes"
	"context"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-import/internal/model"
)

// rawConfidence is the trust per markup kind for unrendered documents.
var rawConfidence = map[markupKind]float64{
	kindJSONLD:    0.7,
	kindMicrodata: 0.6,
	kindMeta:      0.5,
	kindTitleTag:  0.4,
	kindRegex:     0.3,
}

// RawMarkup parses the unrendered document. It is the last resort and the
// only strategy on the legacy path.
type RawMarkup struct {
	fetcher *Fetcher
}

// NewRawMarkup creates the raw markup strategy.
func NewRawMarkup(f *Fetcher) *RawMarkup {
	return &RawMarkup{fetcher: f}
}

func (r *RawMarkup) Source() model.Source    { return model.SourceRawMarkup }
func (r *RawMarkup) Supports(_ Target) bool { return true }

func (r *RawMarkup) Attempt(ctx context.Context, t Target, _ Budget) ([]model.ExtractedField, error) {
	page, err := r.fetcher.Get(ctx, t.URL.String(), "text/html,application/xhtml+xml")
	if err != nil {
		return nil, eris.Wrap(err, "raw_markup")
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, eris.Wrap(err, "raw_markup: parse html")
	}

	var out []model.ExtractedField
	for _, s := range parseMarkup(doc, t.URL) {
		out = append(out, model.NewField(s.field, s.value, model.SourceRawMarkup, rawConfidence[s.kind]))
	}
	return out, nil
}
