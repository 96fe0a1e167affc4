package lua

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	lua "github.com/yuin/gopher-lua"
)

const luaPageTypeName = "html_page"

// HTMLModule lets plugins inspect scraped pages: the scripts they load and
// any elements a rule cares about, such as injected payment forms.
type HTMLModule struct{}

func NewHTMLModule() *HTMLModule {
	return &HTMLModule{}
}

func (h *HTMLModule) Name() string {
	return "html"
}

func (h *HTMLModule) Register(L *lua.LState) error {
	L.NewTypeMetatable(luaPageTypeName)

	L.SetGlobal("html", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"parse":   h.parse,
		"scripts": h.scripts,
		"select":  h.selectAll,
	}))
	return nil
}

// parse(markup) returns a page handle, or nil and an error message.
func (h *HTMLModule) parse(L *lua.LState) int {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(L.CheckString(1)))
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString("failed to parse HTML: " + err.Error()))
		return 2
	}

	ud := L.NewUserData()
	ud.Value = doc
	L.SetMetatable(ud, L.GetTypeMetatable(luaPageTypeName))
	L.Push(ud)
	return 1
}

func checkPage(L *lua.LState) *goquery.Document {
	if doc, ok := L.CheckUserData(1).Value.(*goquery.Document); ok {
		return doc
	}
	L.ArgError(1, "expected page from html.parse")
	return nil
}

// scripts(page) returns {src=..., inline=...} for every script element.
func (h *HTMLModule) scripts(L *lua.LState) int {
	doc := checkPage(L)

	out := L.NewTable()
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		entry := L.NewTable()
		if src, ok := s.Attr("src"); ok {
			entry.RawSetString("src", lua.LString(src))
		}
		if inline := strings.TrimSpace(s.Text()); inline != "" {
			entry.RawSetString("inline", lua.LString(inline))
		}
		out.Append(entry)
	})

	L.Push(out)
	return 1
}

// select(page, selector) returns {tag=..., text=..., attrs={...}} for every
// match.
func (h *HTMLModule) selectAll(L *lua.LState) int {
	doc := checkPage(L)
	selector := L.CheckString(2)

	out := L.NewTable()
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		attrs := L.NewTable()
		if node := s.Get(0); node != nil {
			for _, a := range node.Attr {
				attrs.RawSetString(a.Key, lua.LString(a.Val))
			}
		}

		entry := L.NewTable()
		entry.RawSetString("tag", lua.LString(goquery.NodeName(s)))
		entry.RawSetString("text", lua.LString(strings.TrimSpace(s.Text())))
		entry.RawSetString("attrs", attrs)
		out.Append(entry)
	})

	L.Push(out)
	return 1
}
