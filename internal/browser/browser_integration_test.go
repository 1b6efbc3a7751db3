//go:build integration

package browser_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cobrowse/internal/browser"
	"cobrowse/internal/dom"
)

const fixture = `<html><head><title>Checkout</title><style>body{margin:0}</style></head>
<body><h1 id="title">Hello World</h1><input id="email" name="email"><button class="buy">Buy</button>
<div style="height:3000px"></div></body></html>`

func TestPage_Integration(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, fixture)
	}))
	defer ts.Close()

	cfg := browser.DefaultConfig()
	cfg.PollInterval = 20 * time.Millisecond
	cfg.NavigationTimeout = 10 * time.Second
	l := browser.NewLauncher(cfg)
	defer func() { _ = l.Shutdown() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	page, err := l.Open(ctx, ts.URL)
	require.NoError(t, err)

	assert.Equal(t, "Checkout", page.Title())
	assert.Contains(t, page.OuterHTML(), "Hello World")
	require.Len(t, page.Stylesheets(), 1)
	assert.Equal(t, 1280, page.Viewport().Width)

	var mu sync.Mutex
	var got []dom.RawEvent
	stop := page.Observe(func(ev dom.RawEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	defer stop()

	email, ok := page.QuerySelector("#email")
	require.True(t, ok)
	require.NoError(t, page.SetValue(email, "a@b.example"))

	title, ok := page.QuerySelector("#title")
	require.True(t, ok)
	assert.ErrorIs(t, page.SetValue(title, "x"), dom.ErrNotEditable)

	buy, ok := page.QuerySelector(".buy")
	require.True(t, ok)
	buy.SetStyle("outline", "2px solid #10b981")
	assert.NotEmpty(t, buy.Style("outline"))
	require.NoError(t, page.Click(buy, 0, 0, 0))
	require.NoError(t, page.ScrollTo(0, 400))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		kinds := map[dom.RawEventKind]bool{}
		for _, ev := range got {
			kinds[ev.Kind] = true
		}
		return kinds[dom.RawInput] && kinds[dom.RawClick] && kinds[dom.RawScroll]
	}, 5*time.Second, 50*time.Millisecond)

	_, ok = page.QuerySelector("#missing")
	assert.False(t, ok)
}
