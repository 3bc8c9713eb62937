package model

// Hints are optional caller-supplied values and switches on an import.
type Hints struct {
	Title       string `json:"title,omitempty" validate:"omitempty,max=512"`
	Currency    string `json:"currency,omitempty" validate:"omitempty,len=3,alpha"`
	Description string `json:"description,omitempty" validate:"omitempty,max=20000"`
	// Pipeline forces the legacy or cascade path.
	Pipeline Path `json:"pipeline,omitempty" validate:"omitempty,oneof=legacy cascade"`
	// RewriteDescription asks for an LLM rewrite of the description.
	RewriteDescription bool `json:"rewrite_description,omitempty"`
}

// Fields converts the value hints into lowest-trust fallback candidates.
func (h Hints) Fields() []ExtractedField {
	const hintConfidence = 0.1
	var out []ExtractedField
	if h.Title != "" {
		out = append(out, NewField(FieldTitle, h.Title, SourceFallback, hintConfidence))
	}
	if h.Currency != "" {
		out = append(out, NewField(FieldCurrency, h.Currency, SourceFallback, hintConfidence))
	}
	if h.Description != "" {
		out = append(out, NewField(FieldDescription, h.Description, SourceFallback, hintConfidence))
	}
	return out
}
