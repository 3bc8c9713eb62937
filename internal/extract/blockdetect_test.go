package extract

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectBlock(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		header  http.Header
		body    string
		blocked bool
		kind    BlockType
	}{
		{"cloudflare header", 403, http.Header{"Cf-Ray": {"abc"}}, "", true, BlockCloudflare},
		{"cloudflare challenge", 200, nil, "<title>Just a moment</title> Checking your browser", true, BlockCloudflare},
		{"amazon robot check", 200, nil, `<form action="/errors/validateCaptcha">`, true, BlockRobotCheck},
		{"recaptcha", 200, nil, `<div class="g-recaptcha">`, true, BlockCaptcha},
		{"js shell", 200, nil, `<noscript>Please enable JavaScript</noscript>`, true, BlockJSShell},
		{"meta refresh shell", 200, nil, `<meta http-equiv="refresh" content="0;url=/x">`, true, BlockJSShell},
		{"large page with noscript", 200, nil, "<noscript>enable javascript</noscript>" + strings.Repeat("x", 3000), false, BlockNone},
		{"product page", 200, nil, "<html><h1>Blue Mug</h1></html>", false, BlockNone},
		{"plain 403", 403, http.Header{}, "forbidden", false, BlockNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := tt.header
			if h == nil {
				h = http.Header{}
			}
			blocked, kind := DetectBlock(&http.Response{StatusCode: tt.status, Header: h}, []byte(tt.body))
			assert.Equal(t, tt.blocked, blocked)
			assert.Equal(t, tt.kind, kind)
		})
	}
}

func TestDetectBlock_NilResponse(t *testing.T) {
	blocked, _ := DetectBlock(nil, []byte("g-recaptcha"))
	assert.False(t, blocked)
}
