package extract

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/chromedp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-import/internal/model"
)

// RenderRequest describes one page render.
type RenderRequest struct {
	URL        string
	MaxScrolls int
	PageBudget time.Duration
	Interact   Interactions
}

// Renderer returns the HTML of a page after scripts ran and the
// interactions in the request were performed.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) (string, error)
}

// ChromeConfig configures the headless Chrome renderer.
type ChromeConfig struct {
	// RemoteURL attaches to a running browser's DevTools endpoint instead of
	// launching one.
	RemoteURL string
	NoSandbox bool
}

// ChromeRenderer renders pages with a shared headless Chrome allocator.
type ChromeRenderer struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
}

// NewChromeRenderer creates the allocator. Chrome itself starts lazily on
// the first render.
func NewChromeRenderer(cfg ChromeConfig) *ChromeRenderer {
	r := &ChromeRenderer{}
	if cfg.RemoteURL != "" {
		r.allocCtx, r.allocCancel = chromedp.NewRemoteAllocator(context.Background(), cfg.RemoteURL)
		return r
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
		chromedp.UserAgent(userAgent),
	)
	if cfg.NoSandbox {
		opts = append(opts, chromedp.Flag("no-sandbox", true))
	}
	r.allocCtx, r.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	return r
}

// Close shuts the browser down.
func (r *ChromeRenderer) Close() {
	r.allocCancel()
}

// Render navigates, clicks through cookie banners, scrolls and expands
// content within the page budget, then captures the DOM.
func (r *ChromeRenderer) Render(ctx context.Context, req RenderRequest) (string, error) {
	tabCtx, cancel := chromedp.NewContext(r.allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			zap.L().Sugar().Debugf("chromedp: "+format, args...)
		}),
	)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(tabCtx,
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return "", eris.Wrap(err, "render: navigate")
	}

	budget := req.PageBudget
	if budget <= 0 {
		budget = 15 * time.Second
	}
	interactCtx, interactCancel := context.WithTimeout(tabCtx, budget)
	err := chromedp.Run(interactCtx, interactions(req)...)
	interactCancel()
	if err != nil && !eris.Is(err, context.DeadlineExceeded) {
		zap.L().Debug("render: interaction stopped", zap.String("url", req.URL), zap.Error(err))
	}

	var html string
	if err := chromedp.Run(tabCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", eris.Wrap(err, "render: capture html")
	}
	return html, nil
}

// interactions builds the click and scroll sequence. Clicks go through
// script so a missing element never blocks.
func interactions(req RenderRequest) []chromedp.Action {
	actions := []chromedp.Action{clickAll(req.Interact.CookieAccept), chromedp.Sleep(300 * time.Millisecond)}
	for i := 0; i < req.MaxScrolls; i++ {
		actions = append(actions,
			chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil),
			chromedp.Sleep(500*time.Millisecond),
			clickAll(req.Interact.LoadMore),
		)
	}
	actions = append(actions, clickAll(req.Interact.ReviewTab), chromedp.Sleep(500*time.Millisecond))
	return actions
}

func clickAll(selectors []string) chromedp.Action {
	if len(selectors) == 0 {
		return chromedp.ActionFunc(func(context.Context) error { return nil })
	}
	list, _ := json.Marshal(selectors)
	script := `(function(sels){for (const s of sels){try{const el=document.querySelector(s); if(el){el.click();}}catch(e){}}})(` + string(list) + `)`
	return chromedp.Evaluate(script, nil)
}

// RenderedDOM reads fields from the rendered page using selector profiles.
type RenderedDOM struct {
	renderer Renderer
	profiles Profiles
}

// NewRenderedDOM creates the rendered page strategy. Nil profiles use the
// embedded defaults.
func NewRenderedDOM(r Renderer, profiles Profiles) *RenderedDOM {
	if profiles == nil {
		profiles = DefaultProfiles()
	}
	return &RenderedDOM{renderer: r, profiles: profiles}
}

func (d *RenderedDOM) Source() model.Source  { return model.SourceRenderedDOM }
func (d *RenderedDOM) Supports(_ Target) bool { return d.renderer != nil }

const (
	domCoreConfidence    = 0.85
	domOtherConfidence   = 0.8
	domGalleryConfidence = 0.75
)

func (d *RenderedDOM) Attempt(ctx context.Context, t Target, b Budget) ([]model.ExtractedField, error) {
	profile := d.profiles.For(t)
	html, err := d.renderer.Render(ctx, RenderRequest{
		URL:        t.URL.String(),
		MaxScrolls: b.MaxScrolls,
		PageBudget: b.PageBudget,
		Interact:   d.profiles.Interactions(profile),
	})
	if err != nil {
		return nil, eris.Wrap(err, "rendered_dom")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, eris.Wrap(err, "rendered_dom: parse html")
	}
	return d.read(doc, t, profile), nil
}

func (d *RenderedDOM) read(doc *goquery.Document, t Target, profile Profile) []model.ExtractedField {
	var out []model.ExtractedField
	add := func(field string, v any, conf float64) {
		out = append(out, model.NewField(field, v, model.SourceRenderedDOM, conf))
	}
	first := func(field string) string {
		for _, sel := range d.profiles.Selectors(profile, field) {
			if v := selectText(doc, sel); v != "" {
				return v
			}
		}
		return ""
	}
	all := func(field string) []string {
		seen := make(map[string]bool)
		var vals []string
		for _, sel := range d.profiles.Selectors(profile, field) {
			for _, v := range selectAll(doc, sel) {
				if u := absURL(t.URL, v); u != "" && !seen[u] {
					seen[u] = true
					vals = append(vals, u)
				}
			}
		}
		return vals
	}

	if v := first("title"); v != "" {
		add(model.FieldTitle, v, domCoreConfidence)
	}
	if v := first("price"); v != "" {
		add(model.FieldPrice, v, domCoreConfidence)
	}
	if v := first("currency"); v != "" {
		add(model.FieldCurrency, v, domOtherConfidence)
	}
	if v := absURL(t.URL, first("image")); v != "" {
		add(model.FieldImage, v, domOtherConfidence)
	}
	if v := all("images"); len(v) > 0 {
		add(model.FieldImages, v, domGalleryConfidence)
	}
	if v := first("description"); v != "" {
		add(model.FieldDescription, v, domOtherConfidence)
	}
	if v := all("videos"); len(v) > 0 {
		add(model.FieldVideos, v, domGalleryConfidence)
	}
	if v := first("brand"); v != "" {
		add(model.FieldBrand, v, domOtherConfidence)
	}
	if v := first("sku"); v != "" {
		add(model.FieldSKU, v, domOtherConfidence)
	}
	if r, ok := parseRating(first("rating"), first("review_count")); ok {
		add(model.FieldReviews, r, domOtherConfidence)
	}
	if opts := d.selectOptions(doc, profile); len(opts) > 0 {
		add(model.FieldOptions, opts, domOtherConfidence)
	}
	return out
}

// selectOptions reads variant pickers: each matched <select> is one option
// axis.
func (d *RenderedDOM) selectOptions(doc *goquery.Document, profile Profile) []model.Option {
	var out []model.Option
	seen := make(map[string]bool)
	for _, sel := range d.profiles.Selectors(profile, "options") {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			name := firstNonEmpty(s.AttrOr("data-option-name", ""), s.AttrOr("aria-label", ""), s.AttrOr("name", ""))
			name = strings.TrimSuffix(strings.TrimPrefix(name, "attribute_"), "[]")
			if name == "" || seen[strings.ToLower(name)] {
				return
			}
			var values []string
			s.Find("option").Each(func(_ int, o *goquery.Selection) {
				v := strings.TrimSpace(o.Text())
				if v == "" || o.AttrOr("value", "x") == "" || strings.HasPrefix(strings.ToLower(v), "choose") || strings.HasPrefix(strings.ToLower(v), "select") {
					return
				}
				values = append(values, v)
			})
			if len(values) > 0 {
				seen[strings.ToLower(name)] = true
				out = append(out, model.Option{Name: name, Values: values})
			}
		})
	}
	return out
}

func selectText(doc *goquery.Document, sel string) string {
	css, attr := splitSelector(sel)
	s := doc.Find(css).First()
	if s.Length() == 0 {
		return ""
	}
	if attr != "" {
		return strings.TrimSpace(s.AttrOr(attr, ""))
	}
	return strings.Join(strings.Fields(s.Text()), " ")
}

func selectAll(doc *goquery.Document, sel string) []string {
	css, attr := splitSelector(sel)
	var out []string
	doc.Find(css).Each(func(_ int, s *goquery.Selection) {
		v := strings.TrimSpace(s.Text())
		if attr != "" {
			v = strings.TrimSpace(s.AttrOr(attr, ""))
		}
		if v != "" {
			out = append(out, v)
		}
	})
	return out
}

// parseRating reads "4.5 out of 5 stars" / "1,234 ratings" style text.
func parseRating(rating, count string) (model.ReviewSummary, bool) {
	r, ok := leadingNumber(rating)
	if !ok {
		return model.ReviewSummary{}, false
	}
	c, _ := leadingNumber(count)
	return model.ReviewSummary{Rating: r, Count: int(c)}, true
}

func leadingNumber(s string) (float64, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	end := 0
	for end < len(s) && (s[end] == '.' || (s[end] >= '0' && s[end] <= '9')) {
		end++
	}
	if end == 0 {
		return 0, false
	}
	f, err := strconv.ParseFloat(s[:end], 64)
	return f, err == nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
