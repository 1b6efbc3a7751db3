package browser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cobrowse/internal/dom"
)

func TestDecodeEvents(t *testing.T) {
	raw := []byte(`[
		{"kind":"click","x":12,"y":30,"button":0,"target":{"type":1,"tag":"button","id":"buy","cls":"btn primary","attrs":{"id":"buy"},"html":"Buy","text":"Buy"}},
		{"kind":"scroll"},
		{"kind":"input","value":"secret","inputType":"password","name":"pw","target":{"type":1,"tag":"input","attrs":{"type":"password"}}},
		{"kind":"popstate","url":"https://shop.example/cart","title":"Cart"},
		{"kind":"mutation","mutation":"characterData","target":{"type":3,"text":"hello"}},
		{"kind":"focus"}
	]`)

	evs, err := decodeEvents(raw)
	require.NoError(t, err)
	require.Len(t, evs, 5)

	click := evs[0]
	assert.Equal(t, dom.RawClick, click.Kind)
	assert.Equal(t, 12.0, click.X)
	assert.Equal(t, "#buy", dom.SelectorFor(click.Target))

	assert.Equal(t, dom.RawScroll, evs[1].Kind)
	assert.Nil(t, evs[1].Target)

	input := evs[2]
	assert.Equal(t, "password", input.InputType)
	assert.Equal(t, "pw", input.Name)
	assert.Equal(t, "input", dom.SelectorFor(input.Target))

	assert.Equal(t, "https://shop.example/cart", evs[3].URL)

	mut := evs[4]
	assert.Equal(t, dom.MutationCharacterData, mut.Mutation)
	assert.Equal(t, dom.TextNode, mut.Target.NodeType())
	assert.Equal(t, "text", dom.SelectorFor(mut.Target))
}

func TestDecodeEventsRejectsMalformed(t *testing.T) {
	_, err := decodeEvents([]byte(`{"kind":"click"}`))
	assert.Error(t, err)
}

func TestStaticNodeSerialize(t *testing.T) {
	n := staticNode{d: nodeData{Type: 1, Tag: "div", Class: "card wide", HTML: "<b>x</b>"}}
	data := dom.Serialize(n)
	assert.Equal(t, "div", data.TagName)
	assert.Equal(t, "<b>x</b>", data.InnerHTML)
	assert.Equal(t, ".card", dom.SelectorFor(n))
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	assert.Equal(t, DefaultConfig().NavigationTimeout, cfg.navigationTimeout())
	assert.Equal(t, DefaultConfig().PollInterval, cfg.pollInterval())
	assert.Equal(t, mouseButton(0), mouseButton(7))
}
