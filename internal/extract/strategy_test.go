package extract

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-refresher/internal/catalog"
)

const fixtureBase = "https://www.worldofbooks.com/en-gb"

func TestNavigationStrategy(t *testing.T) {
	t.Parallel()

	got, err := NewDefaultRegistry(DefaultSelectors()).Extract(catalog.KindNavigation, fixture(t, "navigation.html", fixtureBase), catalog.ExtractContext{})
	require.NoError(t, err)
	require.Equal(t, []catalog.Entity{
		catalog.Navigation{Slug: "fiction", Title: "Fiction", SourceURL: "https://www.worldofbooks.com/en-gb/collections/fiction"},
		catalog.Navigation{Slug: "non-fiction", Title: "Non-Fiction", SourceURL: "https://www.worldofbooks.com/en-gb/collections/non-fiction"},
	}, got)
}

func TestNavigationStrategyMissingRoot(t *testing.T) {
	t.Parallel()

	page := catalog.Page{RequestedURL: fixtureBase, HTML: []byte("<html><body><p>Access denied</p></body></html>")}
	_, err := NewNavigationStrategy(DefaultSelectors().Navigation).Extract(page, catalog.ExtractContext{})
	require.ErrorIs(t, err, catalog.ErrSelectorMismatch)
	require.Equal(t, catalog.ClassExtraction, catalog.ClassOf(err))
}

func TestCategoryStrategyStampsNavigationSlug(t *testing.T) {
	t.Parallel()

	page := fixture(t, "categories.html", fixtureBase+"/collections/fiction")
	got, err := NewCategoryStrategy(DefaultSelectors().Categories).Extract(page, catalog.ExtractContext{NavigationSlug: "fiction"})
	require.NoError(t, err)
	require.Len(t, got, 3)

	crime := got[0].(catalog.Category)
	require.Equal(t, "crime", crime.Slug)
	require.Equal(t, "Crime & Thriller", crime.Title)
	require.Equal(t, 1204, crime.ProductCount)
	require.Equal(t, "fiction", crime.NavigationSlug)

	poetry := got[1].(catalog.Category)
	require.Equal(t, "poetry", poetry.Slug)
	require.Zero(t, poetry.ProductCount)

	noir := got[2].(catalog.Category)
	require.Equal(t, "Noir", noir.Title)
	require.Equal(t, 87, noir.ProductCount)
}

func TestProductStrategy(t *testing.T) {
	t.Parallel()

	page := fixture(t, "products.html", fixtureBase+"/collections/crime")
	ectx := catalog.ExtractContext{CategorySlug: "crime", NavigationSlug: "fiction"}
	got, err := NewProductStrategy(DefaultSelectors().Products).Extract(page, ectx)
	require.NoError(t, err)
	require.Len(t, got, 3)

	hobbit := got[0].(catalog.Product)
	require.Equal(t, "The Hobbit", hobbit.Title)
	require.InDelta(t, 4.99, hobbit.Price, 1e-9)
	require.Equal(t, "GBP", hobbit.Currency)
	require.Equal(t, "https://www.worldofbooks.com/en-gb/products/the-hobbit?ref=grid", hobbit.SourceURL)
	require.Equal(t, SourceID(hobbit.SourceURL), hobbit.SourceID)
	require.Equal(t, "https://www.worldofbooks.com/img/hobbit.jpg", hobbit.ImageURL)
	require.Equal(t, "crime", hobbit.CategorySlug)
	require.Equal(t, "fiction", hobbit.NavigationSlug)

	dune := got[1].(catalog.Product)
	require.InDelta(t, 12.5, dune.Price, 1e-9)
	require.Equal(t, "EUR", dune.Currency)
	require.Equal(t, "https://cdn.example.com/dune.jpg", dune.ImageURL)

	free := got[2].(catalog.Product)
	require.Zero(t, free.Price)
	require.Equal(t, DefaultCurrency, free.Currency)
}

func TestProductStrategyEmptyListingIsNotAnError(t *testing.T) {
	t.Parallel()

	page := catalog.Page{RequestedURL: fixtureBase, HTML: []byte("<html><body><div class='grid'></div></body></html>")}
	got, err := NewProductStrategy(DefaultSelectors().Products).Extract(page, catalog.ExtractContext{})
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestProductStrategyRequiredRoot(t *testing.T) {
	t.Parallel()

	sel := DefaultSelectors().Products
	sel.Root = ".grid"
	page := catalog.Page{RequestedURL: fixtureBase, HTML: []byte("<html><body><h1>Captcha</h1></body></html>")}
	_, err := NewProductStrategy(sel).Extract(page, catalog.ExtractContext{})
	require.ErrorIs(t, err, catalog.ErrSelectorMismatch)
}

func TestDetailStrategyKeysOnRequestedURL(t *testing.T) {
	t.Parallel()

	page := fixture(t, "detail.html", fixtureBase+"/p/dune")
	page.FinalURL = fixtureBase + "/products/dune"
	got, err := NewDetailStrategy(DefaultSelectors().Detail).Extract(page, catalog.ExtractContext{})
	require.NoError(t, err)
	require.Len(t, got, 1)

	detail := got[0].(catalog.ProductDetail)
	require.Equal(t, "Dune", detail.Title)
	require.Equal(t, "Frank Herbert", detail.Author)
	require.Equal(t, "9780441013593", detail.ISBN)
	require.Equal(t, "Ace", detail.Publisher)
	require.Equal(t, "2005-08-02", detail.PublicationDate)
	require.Equal(t, "Very Good", detail.Condition)
	require.Equal(t, "Set on the desert planet Arrakis.", detail.Description)
	require.InDelta(t, 1234.5, detail.Price, 1e-9)
	require.Equal(t, "https://www.worldofbooks.com/img/dune-large.jpg", detail.ImageURL)
	require.Equal(t, SourceID(fixtureBase+"/p/dune"), detail.SourceID, "a redirect keeps the requested key")
	require.Equal(t, fixtureBase+"/products/dune", detail.SourceURL)

	got, err = NewDetailStrategy(DefaultSelectors().Detail).Extract(page, catalog.ExtractContext{ProductSourceID: "dune-1"})
	require.NoError(t, err)
	require.Equal(t, "dune-1", got[0].(catalog.ProductDetail).SourceID)
}

func TestDetailStrategyWithoutTitle(t *testing.T) {
	t.Parallel()

	page := catalog.Page{RequestedURL: fixtureBase, HTML: []byte("<html><body></body></html>")}
	_, err := NewDetailStrategy(DefaultSelectors().Detail).Extract(page, catalog.ExtractContext{})
	require.ErrorIs(t, err, catalog.ErrSelectorMismatch)
}

func TestReviewStrategy(t *testing.T) {
	t.Parallel()

	page := fixture(t, "reviews.html", fixtureBase+"/products/dune")
	got, err := NewReviewStrategy(DefaultSelectors().Reviews).Extract(page, catalog.ExtractContext{ProductSourceID: "p-1"})
	require.NoError(t, err)
	require.Len(t, got, 2)

	first := got[0].(catalog.Review)
	require.Equal(t, "p-1", first.ProductSourceID)
	require.Equal(t, "Ada", first.ReviewerName)
	require.Equal(t, 5, first.Rating)
	require.Equal(t, "Classic", first.Title)
	require.Equal(t, 12, first.HelpfulCount)
	require.Equal(t, digest("p-1#r-1"), first.SourceID)

	second := got[1].(catalog.Review)
	require.Equal(t, 4, second.Rating)
	require.NotEqual(t, first.SourceID, second.SourceID)

	again, err := NewReviewStrategy(DefaultSelectors().Reviews).Extract(page, catalog.ExtractContext{ProductSourceID: "p-1"})
	require.NoError(t, err)
	require.Equal(t, got, again)
}

func TestReviewStrategyDefaultsProductFromURL(t *testing.T) {
	t.Parallel()

	page := fixture(t, "reviews.html", fixtureBase+"/p/dune")
	page.FinalURL = fixtureBase + "/products/dune"
	got, err := NewReviewStrategy(DefaultSelectors().Reviews).Extract(page, catalog.ExtractContext{})
	require.NoError(t, err)
	require.Equal(t, SourceID(fixtureBase+"/p/dune"), got[0].(catalog.Review).ProductSourceID)
}

func TestRegistryUnknownKind(t *testing.T) {
	t.Parallel()

	_, err := NewRegistry().For(catalog.KindReviews)
	require.ErrorIs(t, err, catalog.ErrUnsupportedKind)
	require.Equal(t, catalog.ClassFatal, catalog.ClassOf(err))
}

func fixture(t *testing.T, name, pageURL string) catalog.Page {
	t.Helper()
	html, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return catalog.Page{RequestedURL: pageURL, StatusCode: 200, HTML: html}
}
