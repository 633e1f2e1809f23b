package extract

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

const page = `<html><head><title>Shop</title></head><body>
<div id="price" class="money">$19.99</div>
<ul><li class="item">one</li><li class="item">two</li></ul>
<p>Updated 2024-05-01 10:00</p>
</body></html>`

func TestSelectCSS(t *testing.T) {
	out, err := SelectCSS(page, "li.item")
	require.NoError(t, err)
	assert.Equal(t, "<li class=\"item\">one</li>\n<li class=\"item\">two</li>", out)

	_, err = SelectCSS(page, "#nope")
	require.ErrorIs(t, err, ErrNoMatch)
}

func TestSelectXPath(t *testing.T) {
	out, err := SelectXPath(page, `//div[@id="price"]`)
	require.NoError(t, err)
	assert.Contains(t, out, "$19.99")
	assert.Contains(t, out, `id="price"`)

	text, err := SelectXPath(page, `//div[@id="price"]/text()`)
	require.NoError(t, err)
	assert.Equal(t, "$19.99", text)

	_, err = SelectXPath(page, `//table`)
	require.ErrorIs(t, err, ErrNoMatch)

	_, err = SelectXPath(page, `//div[`)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoMatch))
}

func TestFilter(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		include string
		exclude string
		want    string
	}{
		{"no patterns", "a b c", "", "", "a b c"},
		{"include joins matches", "x=1 y=22 z=333", `\d+`, "", "1\n22\n333"},
		{"include without matches", "abc", `\d+`, "", ""},
		{"exclude strips", "price 10 updated 2024-05-01", "", `updated \S+`, "price 10 "},
		{"include then exclude", "a1 b2 c3", `[a-z]\d`, `b2\n?`, "a1\nc3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Filter(tt.text, tt.include, tt.exclude)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Filter("x", "(", "")
	require.Error(t, err)
}

func TestApplyUsesTargetRules(t *testing.T) {
	target := monitor.Target{
		CSSSelector:  "body",
		ExcludeRegex: `Updated [0-9: -]+`,
	}
	rules := RulesFor(target)
	require.False(t, rules.Empty())

	out, err := Apply(page, rules)
	require.NoError(t, err)
	assert.Contains(t, out, "$19.99")
	assert.NotContains(t, out, "2024-05-01")
	assert.NotContains(t, out, "<title>")
}

func TestApplyEmptyRulesReturnsInput(t *testing.T) {
	out, err := Apply(page, Rules{})
	require.NoError(t, err)
	assert.Equal(t, page, out)
}
