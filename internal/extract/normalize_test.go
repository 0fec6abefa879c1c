package extract

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractPrice(t *testing.T) {
	t.Parallel()

	cases := map[string]float64{
		"£4.99":            4.99,
		"£1,234.50":        1234.50,
		"12,99 €":          12.99,
		"1.234,56 €":       1234.56,
		"$1,234":           1234,
		"1.234.567":        1234567,
		"Now only £5.":     5,
		"Price: 0.5":       0.5,
		"":                 0,
		"Free":             0,
		"from £3 to £9.99": 3,
	}
	for input, want := range cases {
		require.InDelta(t, want, ExtractPrice(input), 1e-9, "input %q", input)
	}
}

func TestExtractIntAndCurrency(t *testing.T) {
	t.Parallel()

	require.Equal(t, 1204, ExtractInt("(1,204)"))
	require.Equal(t, 4, ExtractInt("4.5 out of 5"))
	require.Zero(t, ExtractInt("none"))

	require.Equal(t, "GBP", DetectCurrency("£4.99"))
	require.Equal(t, "EUR", DetectCurrency("12,99 €"))
	require.Equal(t, "USD", DetectCurrency("$5"))
	require.Equal(t, DefaultCurrency, DetectCurrency("5"))
}

func TestCleanText(t *testing.T) {
	t.Parallel()

	require.Equal(t, "The Hobbit", CleanText("  The \n\t Hobbit  "))
	require.Empty(t, CleanText(" \n "))
}

func TestCanonicalURLAndSourceID(t *testing.T) {
	t.Parallel()

	got, err := CanonicalURL("HTTPS://WWW.Example.com/Books/Dune/?b=2&a=1#reviews")
	require.NoError(t, err)
	require.Equal(t, "https://www.example.com/Books/Dune?a=1&b=2", got)

	_, err = CanonicalURL("ftp://example.com/x")
	require.Error(t, err)
	_, err = CanonicalURL("/relative/path")
	require.Error(t, err)

	a := SourceID("https://www.example.com/books/dune/")
	b := SourceID("https://WWW.EXAMPLE.com/books/dune#top")
	c := SourceID("https://www.example.com/books/dune-messiah")
	require.Len(t, a, 24)
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestSlugFromURL(t *testing.T) {
	t.Parallel()

	require.Equal(t, "fiction", SlugFromURL("https://example.com/en-gb/collections/Fiction/"))
	require.Equal(t, "crime & thriller", SlugFromURL("https://example.com/c/crime%20&%20thriller"))
	require.Empty(t, SlugFromURL("https://example.com/"))
	require.Empty(t, SlugFromURL("not a url"))
}

func TestResolve(t *testing.T) {
	t.Parallel()

	base := "https://example.com/en-gb/collections/fiction"
	require.Equal(t, "https://example.com/en-gb/products/dune", Resolve(base, "/en-gb/products/dune"))
	require.Equal(t, "https://cdn.example.com/x.jpg", Resolve(base, "https://cdn.example.com/x.jpg"))
	require.Empty(t, Resolve(base, "#top"))
	require.Empty(t, Resolve(base, "javascript:void(0)"))
	require.Empty(t, Resolve("", "/relative"))
}
