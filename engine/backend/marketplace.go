package backend

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/WessleyAI/shopsearch/engine/domain"
	"github.com/WessleyAI/shopsearch/pkg/credentials"
	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

// MarketplaceOptions configures the Amazon Product Advertising API backend.
type MarketplaceOptions struct {
	Endpoint    string
	Region      string
	Marketplace string
	ItemCount   int
	MinRating   int
	MaxPages    int
	// Now stamps request signatures.
	Now func() time.Time
}

// DefaultMarketplaceOptions targets the US marketplace.
var DefaultMarketplaceOptions = MarketplaceOptions{
	Endpoint:    "https://webservices.amazon.com/paapi5/searchitems",
	Region:      "us-east-1",
	Marketplace: "www.amazon.com",
	ItemCount:   10,
	MinRating:   4,
	MaxPages:    4,
	Now:         time.Now,
}

const (
	paapiService = "ProductAdvertisingAPI"
	paapiTarget  = "com.amazon.paapi5.v1.ProductAdvertisingAPIv1.SearchItems"
)

var paapiResources = []string{
	"ItemInfo.Title",
	"ItemInfo.Features",
	"ItemInfo.ProductInfo",
	"ItemInfo.TechnicalInfo",
	"ItemInfo.ByLineInfo",
	"Offers.Listings.Price",
	"Offers.Listings.DeliveryInfo.IsPrimeEligible",
	"Images.Primary.Medium",
	"Images.Primary.Large",
}

// SearchIndexes are the departments PrepareConfig may choose from.
var SearchIndexes = []option{
	{"All", "All Departments"},
	{"Apparel", "Clothing & Accessories"},
	{"Appliances", "Appliances"},
	{"ArtsAndCrafts", "Arts, Crafts & Sewing"},
	{"Automotive", "Automotive Parts & Accessories"},
	{"Baby", "Baby"},
	{"Beauty", "Beauty & Personal Care"},
	{"Books", "Books"},
	{"Collectibles", "Collectibles & Fine Art"},
	{"Computers", "Computers"},
	{"Electronics", "Electronics"},
	{"Fashion", "Clothing, Shoes & Jewelry"},
	{"FashionBaby", "Clothing, Shoes & Jewelry Baby"},
	{"FashionBoys", "Clothing, Shoes & Jewelry Boys"},
	{"FashionGirls", "Clothing, Shoes & Jewelry Girls"},
	{"FashionMen", "Clothing, Shoes & Jewelry Men"},
	{"FashionWomen", "Clothing, Shoes & Jewelry Women"},
	{"GardenAndOutdoor", "Garden & Outdoor"},
	{"GiftCards", "Gift Cards"},
	{"GroceryAndGourmetFood", "Grocery & Gourmet Food"},
	{"Handmade", "Handmade"},
	{"HealthPersonalCare", "Health, Household & Baby Care"},
	{"HomeAndKitchen", "Home & Kitchen"},
	{"Industrial", "Industrial & Scientific"},
	{"Jewelry", "Jewelry"},
	{"Luggage", "Luggage & Travel Gear"},
	{"LuxuryBeauty", "Luxury Beauty"},
	{"MobileAndAccessories", "Cell Phones & Accessories"},
	{"MoviesAndTV", "Movies & TV"},
	{"Music", "CDs & Vinyl"},
	{"MusicalInstruments", "Musical Instruments"},
	{"OfficeProducts", "Office Products"},
	{"PetSupplies", "Pet Supplies"},
	{"Photo", "Camera & Photo"},
	{"Shoes", "Shoes"},
	{"Software", "Software"},
	{"SportsAndOutdoors", "Sports & Outdoors"},
	{"ToolsAndHomeImprovement", "Tools & Home Improvement"},
	{"ToysAndGames", "Toys & Games"},
	{"VideoGames", "Video Games"},
	{"Watches", "Watches"},
}

var searchIndexField = field{Key: "searchIndex", Options: SearchIndexes}

// Marketplace searches Amazon through the Product Advertising API 5.0.
type Marketplace struct {
	base
	opts   MarketplaceOptions
	signer *v4.Signer
}

// NewMarketplace creates the Amazon backend. Zero options take defaults.
func NewMarketplace(deps Deps, opts MarketplaceOptions) *Marketplace {
	d := DefaultMarketplaceOptions
	if opts.Endpoint != "" {
		d.Endpoint = opts.Endpoint
	}
	if opts.Region != "" {
		d.Region = opts.Region
	}
	if opts.Marketplace != "" {
		d.Marketplace = opts.Marketplace
	}
	if opts.ItemCount > 0 {
		d.ItemCount = opts.ItemCount
	}
	if opts.MinRating > 0 {
		d.MinRating = opts.MinRating
	}
	if opts.MaxPages > 0 {
		d.MaxPages = opts.MaxPages
	}
	if opts.Now != nil {
		d.Now = opts.Now
	}
	return &Marketplace{
		base:   newBase(domain.PlatformMarketplace, deps),
		opts:   d,
		signer: v4.NewSigner(),
	}
}

// DefaultConfig searches every department.
func (m *Marketplace) DefaultConfig() domain.PlatformConfig {
	return domain.PlatformConfig{"searchIndex": "All"}
}

// PrepareConfig picks the department most likely to hold the products.
func (m *Marketplace) PrepareConfig(ctx context.Context, phrase, feedback string) domain.PlatformConfig {
	user := fmt.Sprintf(`Choose the Amazon search index (department) for the keywords %q.
%s
Available search indexes:
%s
Return a JSON object: {"searchIndex": "<one of the index names above>"}. Use "All" when unsure.`,
		phrase, feedbackLine(feedback), describeOptions(searchIndexField))
	return m.selectConfig(ctx, "You configure Amazon product searches. You only return JSON.", user,
		[]field{searchIndexField}, m.DefaultConfig())
}

// Search pages through SearchItems.
func (m *Marketplace) Search(ctx context.Context, phrase string, cfg domain.PlatformConfig, credentialID string) (Result, error) {
	creds, err := m.credentials(credentialID)
	if err != nil {
		return Result{Platform: m.platform}, fmt.Errorf("%w: %w", domain.ErrBackendExhausted, err)
	}
	index, known := searchIndexField.match(cfg["searchIndex"])
	if !known {
		index = "All"
	}
	return m.paginate(ctx, "search_items", m.opts.MaxPages, func(ctx context.Context, page int) ([]domain.Product, error) {
		return m.fetch(ctx, creds, phrase, index, page)
	})
}

type paapiRequest struct {
	PartnerTag       string   `json:"PartnerTag"`
	PartnerType      string   `json:"PartnerType"`
	Keywords         string   `json:"Keywords"`
	SearchIndex      string   `json:"SearchIndex"`
	ItemCount        int      `json:"ItemCount"`
	ItemPage         int      `json:"ItemPage"`
	MinReviewsRating int      `json:"MinReviewsRating,omitempty"`
	Marketplace      string   `json:"Marketplace"`
	Resources        []string `json:"Resources"`
}

type paapiResponse struct {
	SearchResult *struct {
		Items []paapiItem `json:"Items"`
	} `json:"SearchResult"`
	Errors []paapiError `json:"Errors"`
}

type paapiError struct {
	Code    string `json:"Code"`
	Message string `json:"Message"`
}

type displayValue struct {
	DisplayValue string `json:"DisplayValue"`
}

type paapiImage struct {
	URL string `json:"URL"`
}

type paapiItem struct {
	ASIN          string `json:"ASIN"`
	DetailPageURL string `json:"DetailPageURL"`
	ItemInfo      struct {
		Title      displayValue `json:"Title"`
		ByLineInfo struct {
			Brand displayValue `json:"Brand"`
		} `json:"ByLineInfo"`
		Features struct {
			DisplayValues []string `json:"DisplayValues"`
		} `json:"Features"`
		ProductInfo struct {
			ProductType displayValue `json:"ProductType"`
		} `json:"ProductInfo"`
	} `json:"ItemInfo"`
	Offers struct {
		Listings []struct {
			Price struct {
				Amount        float64 `json:"Amount"`
				Currency      string  `json:"Currency"`
				DisplayAmount string  `json:"DisplayAmount"`
			} `json:"Price"`
			DeliveryInfo struct {
				IsPrimeEligible bool `json:"IsPrimeEligible"`
			} `json:"DeliveryInfo"`
		} `json:"Listings"`
	} `json:"Offers"`
	Images struct {
		Primary struct {
			Medium paapiImage `json:"Medium"`
			Large  paapiImage `json:"Large"`
		} `json:"Primary"`
	} `json:"Images"`
}

func (m *Marketplace) fetch(ctx context.Context, creds credentials.Values, phrase, index string, page int) ([]domain.Product, error) {
	const op = "search_items"
	body, err := json.Marshal(paapiRequest{
		PartnerTag:       creds.Get("partner_tag"),
		PartnerType:      "Associates",
		Keywords:         phrase,
		SearchIndex:      index,
		ItemCount:        m.opts.ItemCount,
		ItemPage:         page,
		MinReviewsRating: m.opts.MinRating,
		Marketplace:      m.opts.Marketplace,
		Resources:        paapiResources,
	})
	if err != nil {
		return nil, fmt.Errorf("backend: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("backend: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Content-Encoding", "amz-1.0")
	req.Header.Set("X-Amz-Target", paapiTarget)

	sum := sha256.Sum256(body)
	err = m.signer.SignHTTP(ctx, aws.Credentials{
		AccessKeyID:     creds.Get("access_key"),
		SecretAccessKey: creds.Get("secret_key"),
	}, req, hex.EncodeToString(sum[:]), paapiService, m.opts.Region, m.opts.Now())
	if err != nil {
		return nil, domain.NewProviderError(m.platform, op, 0, domain.ErrCredentialRejected, err)
	}

	status, raw, err := m.send(ctx, op, req)
	if err != nil {
		return nil, err
	}

	var resp paapiResponse
	if jerr := json.Unmarshal(raw, &resp); jerr != nil {
		if !ok(status) {
			return nil, m.classify(op, status, raw)
		}
		return nil, m.malformed(op, status, jerr)
	}
	if len(resp.Errors) > 0 && (resp.SearchResult == nil || len(resp.SearchResult.Items) == 0) {
		e := resp.Errors[0]
		if e.Code == "NoResults" {
			return nil, nil
		}
		return nil, domain.NewProviderError(m.platform, op, status, paapiErrorKind(e.Code, status), fmt.Errorf("%s: %s", e.Code, e.Message))
	}
	if !ok(status) {
		return nil, m.classify(op, status, raw)
	}
	if resp.SearchResult == nil {
		return nil, nil
	}

	out := make([]domain.Product, 0, len(resp.SearchResult.Items))
	for _, it := range resp.SearchResult.Items {
		out = append(out, normalizeMarketplace(it))
	}
	return out, nil
}

func paapiErrorKind(code string, status int) error {
	switch code {
	case "TooManyRequests", "RequestThrottled":
		return domain.ErrRateLimited
	case "UnrecognizedClient", "InvalidSignature", "IncompleteSignature", "AccessDenied",
		"AccessDeniedAwsUsers", "InvalidPartnerTag", "InvalidAssociate":
		return domain.ErrCredentialRejected
	}
	if ok(status) {
		return domain.ErrMalformedResponse
	}
	return statusKind(status)
}

func normalizeMarketplace(it paapiItem) domain.Product {
	p := domain.Product{
		Title:      it.ItemInfo.Title.DisplayValue,
		Link:       it.DetailPageURL,
		ExternalID: it.ASIN,
		Source:     firstNonEmpty(it.ItemInfo.ByLineInfo.Brand.DisplayValue, "Amazon"),
		Brand:      it.ItemInfo.ByLineInfo.Brand.DisplayValue,
		Price:      "Price not available",
		Thumbnail:  firstNonEmpty(it.Images.Primary.Large.URL, it.Images.Primary.Medium.URL),
		Thumbnails: nonEmpty(it.Images.Primary.Large.URL, it.Images.Primary.Medium.URL),
		DataSource: "amazon_associates",
	}
	if len(it.Offers.Listings) > 0 {
		l := it.Offers.Listings[0]
		if l.Price.DisplayAmount != "" {
			p.Price = l.Price.DisplayAmount
		}
		if l.Price.Amount > 0 {
			amount := l.Price.Amount
			p.ExtractedPrice = &amount
		}
		p.Currency = l.Price.Currency
		if l.DeliveryInfo.IsPrimeEligible {
			p.Delivery = "Prime Eligible"
		}
	}
	if f := it.ItemInfo.Features.DisplayValues; len(f) > 0 {
		p.Description = strings.TrimSpace(f[0])
	} else {
		p.Description = it.ItemInfo.ProductInfo.ProductType.DisplayValue
	}
	p.StoreOffers = []domain.StoreOffer{{Name: "Amazon", Price: p.Price, Link: p.Link}}
	return p
}
