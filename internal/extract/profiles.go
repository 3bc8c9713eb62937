package extract

import (
	_ "embed"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed profiles.yaml
var defaultProfilesYAML []byte

// Interactions are selectors clicked on a rendered page before capture.
type Interactions struct {
	CookieAccept []string `yaml:"cookie_accept"`
	LoadMore     []string `yaml:"load_more"`
	ReviewTab    []string `yaml:"review_tab"`
}

// Profile holds the selectors for one platform.
type Profile struct {
	Platform   Platform            `yaml:"-"`
	MatchHosts []string            `yaml:"match_hosts"`
	Fields     map[string][]string `yaml:"fields"`
	Interact   Interactions        `yaml:"interact"`
}

// Profiles maps platforms to selector profiles.
type Profiles map[Platform]Profile

type profilesFile struct {
	Profiles map[string]Profile `yaml:"profiles"`
}

// LoadProfiles parses a profiles document. It must define a generic profile.
func LoadProfiles(data []byte) (Profiles, error) {
	var f profilesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "extract: parse profiles")
	}
	if _, ok := f.Profiles[string(PlatformGeneric)]; !ok {
		return nil, eris.New("extract: profiles missing generic entry")
	}
	out := make(Profiles, len(f.Profiles))
	for name, p := range f.Profiles {
		p.Platform = Platform(name)
		out[p.Platform] = p
	}
	return out, nil
}

// DefaultProfiles returns the embedded profiles.
func DefaultProfiles() Profiles {
	p, err := LoadProfiles(defaultProfilesYAML)
	if err != nil {
		panic(err)
	}
	return p
}

// For returns the profile for t: the platform's own when one exists or a
// profile's host patterns match, else generic.
func (ps Profiles) For(t Target) Profile {
	if p, ok := ps[t.Platform]; ok && t.Platform != PlatformGeneric {
		return p
	}
	for _, p := range ps {
		for _, h := range p.MatchHosts {
			if strings.Contains(t.Host, h) {
				return p
			}
		}
	}
	return ps[PlatformGeneric]
}

// Selectors returns the selectors for field, platform entries first, then
// generic ones.
func (ps Profiles) Selectors(p Profile, field string) []string {
	out := append([]string(nil), p.Fields[field]...)
	if p.Platform == PlatformGeneric {
		return out
	}
	return append(out, ps[PlatformGeneric].Fields[field]...)
}

// Interactions merges platform and generic interaction selectors.
func (ps Profiles) Interactions(p Profile) Interactions {
	if p.Platform == PlatformGeneric {
		return p.Interact
	}
	g := ps[PlatformGeneric].Interact
	return Interactions{
		CookieAccept: append(append([]string(nil), p.Interact.CookieAccept...), g.CookieAccept...),
		LoadMore:     append(append([]string(nil), p.Interact.LoadMore...), g.LoadMore...),
		ReviewTab:    append(append([]string(nil), p.Interact.ReviewTab...), g.ReviewTab...),
	}
}

// splitSelector separates "css@attr" into its parts.
func splitSelector(sel string) (css, attr string) {
	if i := strings.LastIndex(sel, "@"); i > 0 && !strings.ContainsAny(sel[i:], "]'\" ") {
		return sel[:i], sel[i+1:]
	}
	return sel, ""
}
