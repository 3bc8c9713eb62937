// Package rewrite improves product descriptions with a text completion
// backend.
package rewrite

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/catalog-import/internal/model"
)

// SystemPrompt instructs the completion backend.
const SystemPrompt = `You rewrite e-commerce product descriptions.
Keep every factual claim from the source: materials, dimensions, compatibility, care instructions.
Do not invent features, prices, discounts or shipping terms.
Write plain prose in the language of the source, two short paragraphs at most.
Answer with the description only, no heading, no quotes, no markdown.`

const (
	DefaultTimeout        = 20 * time.Second
	DefaultMaxInputRunes  = 6000
	DefaultMaxOutputRunes = 4000
)

// ErrEmptyRewrite is returned when the backend produced nothing usable.
var ErrEmptyRewrite = eris.New("rewrite: empty result")

// Completer turns a prompt into text.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Config bounds one rewrite.
type Config struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxInputRunes  int           `mapstructure:"max_input_runes"`
	MaxOutputRunes int           `mapstructure:"max_output_runes"`
}

// Rewriter builds rewrite prompts and cleans the answers.
type Rewriter struct {
	c   Completer
	cfg Config
}

// New creates a Rewriter.
func New(c Completer, cfg Config) *Rewriter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxInputRunes <= 0 {
		cfg.MaxInputRunes = DefaultMaxInputRunes
	}
	if cfg.MaxOutputRunes <= 0 {
		cfg.MaxOutputRunes = DefaultMaxOutputRunes
	}
	return &Rewriter{c: c, cfg: cfg}
}

// RewriteDescription returns an improved description for p.
func (r *Rewriter) RewriteDescription(ctx context.Context, p *model.Product) (string, error) {
	if strings.TrimSpace(p.Description) == "" {
		return "", eris.Wrap(ErrEmptyRewrite, "no source description")
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	start := time.Now()
	out, err := r.c.Complete(ctx, r.prompt(p))
	if err != nil {
		return "", eris.Wrap(err, "rewrite: complete")
	}
	text := clean(out, r.cfg.MaxOutputRunes)
	if text == "" {
		return "", ErrEmptyRewrite
	}
	zap.L().Debug("rewrite: description rewritten",
		zap.Int("source_runes", utf8.RuneCountInString(p.Description)),
		zap.Int("result_runes", utf8.RuneCountInString(text)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return text, nil
}

func (r *Rewriter) prompt(p *model.Product) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Product: %s\n", p.Title)
	if p.Brand != "" {
		fmt.Fprintf(&b, "Brand: %s\n", p.Brand)
	}
	for _, o := range p.Options {
		fmt.Fprintf(&b, "%s: %s\n", o.Name, strings.Join(o.Values, ", "))
	}
	b.WriteString("\nSource description:\n")
	b.WriteString(truncate(p.Description, r.cfg.MaxInputRunes))
	return b.String()
}

var (
	labelRe    = regexp.MustCompile(`(?i)^\s*(?:\*\*)?(?:new |rewritten )?description(?:\s*:\s*\*\*|\*\*\s*:|\s*:)\s*`)
	headingRe  = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	boldRe     = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	spacesRe   = regexp.MustCompile(`[ \t]+`)
	blankRunRe = regexp.MustCompile(`\n{3,}`)
)

// clean strips the framing models add around an answer and normalizes
// whitespace while keeping paragraph breaks.
func clean(s string, limit int) string {
	s = norm.NFC.String(strings.ReplaceAll(s, "\r\n", "\n"))
	s = strings.TrimSpace(s)
	s = labelRe.ReplaceAllString(s, "")
	s = headingRe.ReplaceAllString(s, "")
	s = boldRe.ReplaceAllString(s, "$1")
	s = strings.Trim(s, "\"“”' \n")

	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(spacesRe.ReplaceAllString(l, " "))
	}
	s = blankRunRe.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(truncate(s, limit))
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
