package fetcher

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractLinks(t *testing.T) {
	t.Parallel()

	html := `<html><body>
		<a href="/about">About</a>
		<a href="pricing">Pricing</a>
		<a href="/about">About again</a>
		<a href="/about/">About trailing</a>
		<a href="https://example.com/blog#latest">Blog</a>
		<a href="https://other.example.net/">External</a>
		<a href="mailto:hello@example.com">Mail</a>
		<a href="tel:+15551234567">Call</a>
		<a href="#section">Fragment</a>
		<a href="javascript:void(0)">JS</a>
	</body></html>`

	links, err := ExtractLinks(html, "https://example.com/")
	require.NoError(t, err)
	require.Equal(t, []string{
		"https://example.com/about",
		"https://example.com/pricing",
		"https://example.com/blog",
	}, links)
}

func TestExtractLinks_ResolvesRelativeAgainstNestedBase(t *testing.T) {
	t.Parallel()

	html := `<a href="../guides/setup">Setup</a><a href="./faq">FAQ</a>`
	links, err := ExtractLinks(html, "https://example.com/docs/intro/")
	require.NoError(t, err)
	require.Equal(t, []string{
		"https://example.com/docs/guides/setup",
		"https://example.com/docs/intro/faq",
	}, links)
}

func TestExtractLinks_EmptyDocument(t *testing.T) {
	t.Parallel()

	links, err := ExtractLinks("", "https://example.com/")
	require.NoError(t, err)
	require.Empty(t, links)
}
