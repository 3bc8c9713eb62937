// Package scope maps coarse legacy permission grants onto fine-grained
// capability scopes and authorizes pipeline actions against them.
package scope

import "strings"

// Token is a capability scope from the fixed vocabulary.
type Token string

const (
	ProductRead    Token = "product:read"
	ProductWrite   Token = "product:write"
	ProductPublish Token = "product:publish"
	JobRead        Token = "job:read"
	ContentRewrite Token = "content:rewrite"
)

// Legacy grants issued before granular scopes existed.
const (
	LegacyRead  Token = "read"
	LegacyWrite Token = "write"
	LegacyAdmin Token = "admin"
)

// Mode selects whether any or all required tokens must be held.
type Mode int

const (
	Any Mode = iota
	All
)

// Pipeline actions.
const (
	ActionImport  = "product.import"
	ActionPreview = "product.preview"
	ActionReadJob = "job.read"
	ActionPublish = "product.publish"
	ActionRewrite = "content.rewrite"
)

var legacyExpansion = map[Token][]Token{
	LegacyRead:  {ProductRead, JobRead},
	LegacyWrite: {ProductRead, ProductWrite, JobRead},
	LegacyAdmin: {ProductRead, ProductWrite, ProductPublish, JobRead, ContentRewrite},
}

var actionScopes = map[string]Token{
	ActionImport:  ProductWrite,
	ActionPreview: ProductRead,
	ActionReadJob: JobRead,
	ActionPublish: ProductPublish,
	ActionRewrite: ContentRewrite,
}

// Expand returns the granular token set held by an actor, with legacy grants
// replaced by their expansion. Granular tokens pass through unchanged.
func Expand(tokens []Token) map[Token]struct{} {
	out := make(map[Token]struct{}, len(tokens))
	for _, t := range tokens {
		t = Token(strings.TrimSpace(string(t)))
		if t == "" {
			continue
		}
		if expanded, ok := legacyExpansion[t]; ok {
			for _, e := range expanded {
				out[e] = struct{}{}
			}
			continue
		}
		out[t] = struct{}{}
	}
	return out
}

// Authorize reports whether actor holds the required tokens under mode.
// An empty requirement authorizes nothing.
func Authorize(actor []Token, required []Token, mode Mode) bool {
	if len(required) == 0 {
		return false
	}
	held := Expand(actor)
	for _, r := range required {
		_, ok := held[r]
		switch {
		case ok && mode == Any:
			return true
		case !ok && mode == All:
			return false
		}
	}
	return mode == All
}

// RequiredScopeForAction resolves the scope an action needs. Unknown actions
// return false and must be denied.
func RequiredScopeForAction(action string) (Token, bool) {
	t, ok := actionScopes[action]
	return t, ok
}

// AuthorizeAction combines RequiredScopeForAction and Authorize.
func AuthorizeAction(actor []Token, action string) bool {
	required, ok := RequiredScopeForAction(action)
	if !ok {
		return false
	}
	return Authorize(actor, []Token{required}, All)
}

// Parse splits a space or comma separated scope claim into tokens.
func Parse(claim string) []Token {
	fields := strings.FieldsFunc(claim, func(r rune) bool { return r == ' ' || r == ',' })
	out := make([]Token, 0, len(fields))
	for _, f := range fields {
		out = append(out, Token(f))
	}
	return out
}
