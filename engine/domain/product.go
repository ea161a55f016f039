package domain

// Product is the provider-agnostic shape every backend emits.
type Product struct {
	Position       int          `json:"position"`
	Title          string       `json:"title"`
	Link           string       `json:"product_link"`
	ExternalID     string       `json:"product_id"`
	Source         string       `json:"source"`
	Price          string       `json:"price"`
	ExtractedPrice *float64     `json:"extracted_price"`
	Currency       string       `json:"currency,omitempty"`
	Thumbnail      string       `json:"thumbnail,omitempty"`
	Thumbnails     []string     `json:"thumbnails,omitempty"`
	Description    string       `json:"description"`
	Brand          string       `json:"brand,omitempty"`
	Rating         float64      `json:"rating,omitempty"`
	Reviews        int          `json:"reviews,omitempty"`
	Delivery       string       `json:"delivery,omitempty"`
	Tag            string       `json:"tag,omitempty"`
	Gender         string       `json:"gender,omitempty"`
	AgeGroup       string       `json:"age_group,omitempty"`
	StoreOffers    []StoreOffer `json:"stores"`
	DataSource     string       `json:"data_source"`
}

// StoreOffer is one merchant listing for a product.
type StoreOffer struct {
	Name  string `json:"name"`
	Price string `json:"price,omitempty"`
	Link  string `json:"link"`
}

// Renumber assigns 1-based positions in slice order.
func Renumber(products []Product) []Product {
	for i := range products {
		products[i].Position = i + 1
	}
	return products
}
