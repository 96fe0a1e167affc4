package processors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeURL(t *testing.T) {
	cases := map[string]string{
		"example.com":                      "http://example.com",
		"  example.com/shop  ":             "http://example.com/shop",
		"//cdn.example.com/a.js":           "http://cdn.example.com/a.js",
		"https://example.com":              "https://example.com",
		"HTTP://Example.com":               "HTTP://Example.com",
		"<http://example.com|example.com>": "http://example.com",
		"<example.com>":                    "http://example.com",
		"":                                 "",
	}

	for in, want := range cases {
		assert.Equal(t, want, NormalizeURL(in), "input %q", in)
	}
}

func TestResolveScriptURL(t *testing.T) {
	page := "https://shop.example/checkout/index.html"
	cases := map[string]string{
		"/static/app.js":                "https://shop.example/static/app.js",
		"js/app.js":                     "https://shop.example/checkout/js/app.js",
		"app.js":                        "https://shop.example/checkout/app.js",
		"../lib.js":                     "https://shop.example/lib.js",
		"//cdn.example/x.js":            "http://cdn.example/x.js",
		"https://cdn.example/x.js":      "https://cdn.example/x.js",
		"cdn.example/x.js":              "http://cdn.example/x.js",
		"cdn.example:8443/x.js":         "http://cdn.example:8443/x.js",
		"data:text/javascript,alert(1)": "",
		"javascript:void(0)":            "",
		"   ":                           "",
	}

	for src, want := range cases {
		assert.Equal(t, want, ResolveScriptURL(page, src), "src %q", src)
	}
}
