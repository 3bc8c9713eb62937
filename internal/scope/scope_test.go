package scope

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthorize_LegacyGrantExpands(t *testing.T) {
	assert.True(t, Authorize([]Token{LegacyWrite}, []Token{ProductWrite}, All))
	assert.True(t, Authorize([]Token{LegacyRead}, []Token{JobRead}, All))
	assert.False(t, Authorize([]Token{LegacyRead}, []Token{ProductWrite}, All))
	assert.True(t, Authorize([]Token{LegacyAdmin}, []Token{ProductPublish, ContentRewrite}, All))
}

func TestAuthorize_Modes(t *testing.T) {
	actor := []Token{ProductRead}
	required := []Token{ProductRead, ProductWrite}

	assert.True(t, Authorize(actor, required, Any))
	assert.False(t, Authorize(actor, required, All))
}

func TestAuthorize_EmptyRequirementDenies(t *testing.T) {
	assert.False(t, Authorize([]Token{LegacyAdmin}, nil, Any))
	assert.False(t, Authorize([]Token{LegacyAdmin}, nil, All))
}

func TestAuthorize_NoGrants(t *testing.T) {
	assert.False(t, Authorize(nil, []Token{ProductRead}, Any))
}

func TestRequiredScopeForAction(t *testing.T) {
	tok, ok := RequiredScopeForAction(ActionImport)
	assert.True(t, ok)
	assert.Equal(t, ProductWrite, tok)

	_, ok = RequiredScopeForAction("product.delete")
	assert.False(t, ok)
}

func TestAuthorizeAction_UnknownActionFailsClosed(t *testing.T) {
	assert.False(t, AuthorizeAction([]Token{LegacyAdmin}, "product.delete"))
	assert.True(t, AuthorizeAction([]Token{LegacyAdmin}, ActionPublish))
}

func TestParse(t *testing.T) {
	assert.Equal(t, []Token{"product:read", "write"}, Parse("product:read write"))
	assert.Equal(t, []Token{"a", "b"}, Parse(" a,b "))
	assert.Empty(t, Parse(""))
}

func TestExpand_DropsBlankTokens(t *testing.T) {
	got := Expand([]Token{" ", "product:read"})
	assert.Len(t, got, 1)
}
