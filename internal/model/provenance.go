package model

// Provenance records which candidate won for a normalized field.
type Provenance struct {
	Source     Source  `json:"source"`
	Confidence float64 `json:"confidence"`
	Candidates int     `json:"candidates"`
}

// IsFallback reports whether the field was defaulted rather than extracted.
func (p Provenance) IsFallback() bool {
	return p.Source == SourceFallback || p.Source == ""
}
