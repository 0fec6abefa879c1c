package extract

// NavigationSelectors locate top-level navigation links.
type NavigationSelectors struct {
	Root string `mapstructure:"root"`
	Link string `mapstructure:"link"`
}

// CategorySelectors locate category links on a navigation page.
type CategorySelectors struct {
	Root  string `mapstructure:"root"`
	Link  string `mapstructure:"link"`
	Count string `mapstructure:"count"`
}

// ProductSelectors locate product tiles on a category page.
type ProductSelectors struct {
	Root  string `mapstructure:"root"`
	Card  string `mapstructure:"card"`
	Title string `mapstructure:"title"`
	Price string `mapstructure:"price"`
	Image string `mapstructure:"image"`
	Link  string `mapstructure:"link"`
}

// DetailSelectors locate fields on a product page. Title is required.
type DetailSelectors struct {
	Title           string `mapstructure:"title"`
	Author          string `mapstructure:"author"`
	ISBN            string `mapstructure:"isbn"`
	Publisher       string `mapstructure:"publisher"`
	PublicationDate string `mapstructure:"publication_date"`
	Description     string `mapstructure:"description"`
	Condition       string `mapstructure:"condition"`
	Price           string `mapstructure:"price"`
	Image           string `mapstructure:"image"`
}

// ReviewSelectors locate reviews on a product page.
type ReviewSelectors struct {
	Root     string `mapstructure:"root"`
	Item     string `mapstructure:"item"`
	Reviewer string `mapstructure:"reviewer"`
	Rating   string `mapstructure:"rating"`
	Title    string `mapstructure:"title"`
	Content  string `mapstructure:"content"`
	Date     string `mapstructure:"date"`
	Helpful  string `mapstructure:"helpful"`
}

// Selectors bundles the DOM knowledge for every kind. An empty Root means
// the strategy searches the whole document and a page without matches is a
// valid empty result; a non-empty Root must be present on the page.
type Selectors struct {
	Navigation NavigationSelectors `mapstructure:"navigation"`
	Categories CategorySelectors   `mapstructure:"categories"`
	Products   ProductSelectors    `mapstructure:"products"`
	Detail     DetailSelectors     `mapstructure:"product_detail"`
	Reviews    ReviewSelectors     `mapstructure:"reviews"`
}

// DefaultSelectors returns selectors for the World of Books catalog.
func DefaultSelectors() Selectors {
	return Selectors{
		Navigation: NavigationSelectors{
			Root: "nav",
			Link: "a",
		},
		Categories: CategorySelectors{
			Link:  ".category a, .subcategory a",
			Count: ".count",
		},
		Products: ProductSelectors{
			Card:  ".product-card, .book-item",
			Title: "h3, h4",
			Price: ".price",
			Image: "img",
			Link:  "a",
		},
		Detail: DetailSelectors{
			Title:           "h1",
			Author:          ".author",
			ISBN:            ".isbn",
			Publisher:       ".publisher",
			PublicationDate: ".publication-date",
			Description:     ".description",
			Condition:       ".condition",
			Price:           ".price",
			Image:           ".product-image img",
		},
		Reviews: ReviewSelectors{
			Item:     ".review",
			Reviewer: ".reviewer-name",
			Rating:   ".rating",
			Title:    ".review-title",
			Content:  ".review-content",
			Date:     ".review-date",
			Helpful:  ".helpful-count",
		},
	}
}
