package normalize

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/catalog-import/internal/model"
)

var optionAliases = map[string]string{
	"color":     "Color",
	"colour":    "Color",
	"colors":    "Color",
	"colours":   "Color",
	"farbe":     "Color",
	"couleur":   "Color",
	"size":      "Size",
	"sizes":     "Size",
	"taille":    "Size",
	"größe":     "Size",
	"talla":     "Size",
	"material":  "Material",
	"materials": "Material",
	"fabric":    "Material",
	"style":     "Style",
	"pattern":   "Pattern",
	"finish":    "Finish",
	"flavor":    "Flavor",
	"flavour":   "Flavor",
	"scent":     "Scent",
	"length":    "Length",
	"width":     "Width",
	"fit":       "Fit",
	"capacity":  "Capacity",
}

var optionNamePrefixes = []string{"attribute_pa_", "attribute_", "pa_", "select a ", "select ", "choose a ", "choose "}

// canonicalOptionName maps an option name as found on a page onto the
// normalized schema: "colour" and "attribute_pa_color" both become "Color".
func canonicalOptionName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.TrimSuffix(n, ":")
	for _, p := range optionNamePrefixes {
		n = strings.TrimPrefix(n, p)
	}
	n = strings.Join(strings.FieldsFunc(n, func(r rune) bool {
		return r == '_' || r == '-' || r == ' '
	}), " ")
	if n == "" {
		return ""
	}
	if alias, ok := optionAliases[n]; ok {
		return alias
	}
	return cases.Title(language.English).String(n)
}

func cleanOptionValue(v string) string {
	return cleanText(v, maxTitleRunes)
}

// canonicalOptions renames axes, merges axes that share a canonical name and
// drops duplicate or empty values.
func canonicalOptions(in []model.Option) []model.Option {
	var out []model.Option
	index := make(map[string]int)
	for _, o := range in {
		name := canonicalOptionName(o.Name)
		if name == "" {
			continue
		}
		i, ok := index[name]
		if !ok {
			i = len(out)
			index[name] = i
			out = append(out, model.Option{Name: name})
		}
		out[i].Values = appendValues(out[i].Values, o.Values...)
	}
	kept := out[:0]
	for _, o := range out {
		if len(o.Values) > 0 {
			kept = append(kept, o)
		}
	}
	return kept
}

func appendValues(dst []string, vals ...string) []string {
	for _, v := range vals {
		v = cleanOptionValue(v)
		if v == "" {
			continue
		}
		dup := false
		for _, have := range dst {
			if strings.EqualFold(have, v) {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, v)
		}
	}
	return dst
}

// mergeOptions unions option candidates in rank order.
func mergeOptions(cs []candidate) ([]model.Option, candidate, bool) {
	if len(cs) == 0 {
		return nil, candidate{}, false
	}
	var all []model.Option
	for _, c := range cs {
		all = append(all, c.value.([]model.Option)...)
	}
	return canonicalOptions(all), cs[0], true
}

// mergeVariantAxes adds option axes and values only the variants mention.
func mergeVariantAxes(opts []model.Option, variants []model.RawVariant) []model.Option {
	var extra []model.Option
	for _, v := range variants {
		for _, name := range sortedKeys(v.Options) {
			extra = append(extra, model.Option{Name: name, Values: []string{v.Options[name]}})
		}
	}
	if len(extra) == 0 {
		return opts
	}
	return canonicalOptions(append(append([]model.Option(nil), opts...), extra...))
}

// cleanRawVariants sanitizes variant text and option names. Variants left
// with nothing to identify them are dropped.
func cleanRawVariants(in []model.RawVariant) []model.RawVariant {
	var out []model.RawVariant
	for _, rv := range in {
		v := model.RawVariant{
			Title:     cleanText(rv.Title, maxTitleRunes),
			SKU:       cleanText(rv.SKU, maxSKURunes),
			Price:     strings.TrimSpace(rv.Price),
			Image:     cleanImageURL(rv.Image),
			Available: rv.Available,
		}
		// Raw names are visited in sorted order; on alias collisions the
		// first name keeps its value.
		for _, name := range sortedKeys(rv.Options) {
			n, val := canonicalOptionName(name), cleanOptionValue(rv.Options[name])
			if n == "" || val == "" {
				continue
			}
			if _, taken := v.Options[n]; taken {
				continue
			}
			if v.Options == nil {
				v.Options = make(map[string]string)
			}
			v.Options[n] = val
		}
		if v.Title == "" && v.SKU == "" && len(v.Options) == 0 && v.Price == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

// buildVariants maps sanitized raw variants onto the product schema.
// Variants without a parseable price inherit the product price.
func buildVariants(raw []model.RawVariant, price decimal.Decimal) []model.Variant {
	out := make([]model.Variant, 0, len(raw))
	for i, rv := range raw {
		v := model.Variant{
			ID:        fmt.Sprintf("v%d", i+1),
			Title:     rv.Title,
			SKU:       rv.SKU,
			Price:     price,
			Image:     rv.Image,
			Available: rv.Available == nil || *rv.Available,
			Options:   rv.Options,
		}
		if pv, ok := parsePrice(rv.Price); ok {
			v.Price = pv.amount
		}
		if v.Title == "" {
			var parts []string
			for _, k := range sortedKeys(rv.Options) {
				parts = append(parts, rv.Options[k])
			}
			v.Title = strings.Join(parts, " / ")
		}
		if v.Title == "" {
			v.Title = DefaultVariantTitle
		}
		out = append(out, v)
	}
	return out
}

func defaultVariant(price decimal.Decimal) model.Variant {
	return model.Variant{ID: "default", Title: DefaultVariantTitle, Price: price, Available: true}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
