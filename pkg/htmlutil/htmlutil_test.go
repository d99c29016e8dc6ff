package htmlutil

import (
	"net/url"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"
)

func TestGetAnchors(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(`
		<div class="cells">
			<a href="https://a.itch.io/x">  X
				game </a>
			<a href="/s/12/sale">Sale</a>
			<a>no href</a>
		</div>`))
	require.NoError(t, err)

	base, _ := url.Parse("https://itch.io/")
	anchors := GetAnchors(base, doc.Find(".cells a"))
	require.Len(t, anchors, 2)
	require.Equal(t, "X game", anchors[0].Name)
	require.Equal(t, "https://a.itch.io/x", anchors[0].Url.String())
	require.Equal(t, "https://itch.io/s/12/sale", anchors[1].Url.String())
}

func TestCleanText(t *testing.T) {
	require.Equal(t, "a b c", CleanText("\n a \t b\u0000c "))
}
