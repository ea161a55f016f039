package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/WessleyAI/shopsearch/engine/domain"
)

// ShoppingOptions configures the Google Shopping backend.
type ShoppingOptions struct {
	Endpoint string
}

// DefaultShoppingOptions targets SerpAPI.
var DefaultShoppingOptions = ShoppingOptions{
	Endpoint: "https://serpapi.com/search.json",
}

// Locations and the country code each implies.
var Locations = []option{
	{"United States", "us"},
	{"Canada", "ca"},
	{"United Kingdom", "uk"},
	{"Australia", "au"},
	{"Germany", "de"},
	{"France", "fr"},
	{"Japan", "jp"},
}

// Languages accepted by the hl parameter.
var Languages = []option{
	{"en", "English"},
	{"es", "Spanish"},
	{"fr", "French"},
	{"de", "German"},
	{"ja", "Japanese"},
	{"pt", "Portuguese"},
}

var (
	locationField = field{Key: "location", Options: locationNames()}
	languageField = field{Key: "language", Options: Languages}
)

func locationNames() []option {
	out := make([]option, len(Locations))
	for i, l := range Locations {
		out[i] = option{Value: l.Value}
	}
	return out
}

func countryFor(location string) string {
	for _, l := range Locations {
		if strings.EqualFold(l.Value, location) {
			return l.Label
		}
	}
	return "us"
}

// Shopping searches Google Shopping through SerpAPI.
type Shopping struct {
	base
	opts ShoppingOptions
}

// NewShopping creates the Google Shopping backend.
func NewShopping(deps Deps, opts ShoppingOptions) *Shopping {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultShoppingOptions.Endpoint
	}
	return &Shopping{base: newBase(domain.PlatformShoppingEngine, deps), opts: opts}
}

// DefaultConfig searches the US storefront in English.
func (s *Shopping) DefaultConfig() domain.PlatformConfig {
	return domain.PlatformConfig{"location": "United States", "language": "en", "country": "us"}
}

// PrepareConfig picks the location and language; country follows location.
func (s *Shopping) PrepareConfig(ctx context.Context, phrase, feedback string) domain.PlatformConfig {
	user := fmt.Sprintf(`Choose the Google Shopping location and language for the keywords %q.
%s
Available locations:
%s
Available languages:
%s
Return a JSON object: {"location": "<location>", "language": "<language code>"}.`,
		phrase, feedbackLine(feedback), describeOptions(locationField), describeOptions(languageField))
	cfg := s.selectConfig(ctx, "You configure Google Shopping searches. You only return JSON.", user,
		[]field{locationField, languageField}, s.DefaultConfig())
	cfg["country"] = countryFor(cfg["location"])
	return cfg
}

type serpResponse struct {
	Error           string       `json:"error"`
	ShoppingResults []serpResult `json:"shopping_results"`
}

type serpResult struct {
	Position       int      `json:"position"`
	Title          string   `json:"title"`
	ProductLink    string   `json:"product_link"`
	Link           string   `json:"link"`
	ProductID      string   `json:"product_id"`
	Source         string   `json:"source"`
	Price          string   `json:"price"`
	ExtractedPrice *float64 `json:"extracted_price"`
	Rating         float64  `json:"rating"`
	Reviews        int      `json:"reviews"`
	Thumbnail      string   `json:"thumbnail"`
	Delivery       string   `json:"delivery"`
	Tag            string   `json:"tag"`
	Snippet        string   `json:"snippet"`
}

// Search runs one engine=google_shopping request.
func (s *Shopping) Search(ctx context.Context, phrase string, cfg domain.PlatformConfig, credentialID string) (Result, error) {
	creds, err := s.credentials(credentialID)
	if err != nil {
		return Result{Platform: s.platform}, fmt.Errorf("%w: %w", domain.ErrBackendExhausted, err)
	}
	cfg = s.DefaultConfig().Merge(cfg)
	if cfg["country"] == "" {
		cfg["country"] = countryFor(cfg["location"])
	}

	q := url.Values{}
	q.Set("engine", "google_shopping")
	q.Set("q", phrase)
	q.Set("location", cfg["location"])
	q.Set("hl", cfg["language"])
	q.Set("gl", cfg["country"])
	q.Set("direct_link", "true")
	q.Set("api_key", creds.Get("api_key"))
	endpoint := s.opts.Endpoint + "?" + q.Encode()

	return s.paginate(ctx, "shopping", 1, func(ctx context.Context, _ int) ([]domain.Product, error) {
		return s.fetch(ctx, endpoint)
	})
}

func (s *Shopping) fetch(ctx context.Context, endpoint string) ([]domain.Product, error) {
	const op = "shopping"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("backend: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	status, raw, err := s.send(ctx, op, req)
	if err != nil {
		return nil, err
	}

	var resp serpResponse
	if jerr := json.Unmarshal(raw, &resp); jerr != nil {
		if !ok(status) {
			return nil, s.classify(op, status, raw)
		}
		return nil, s.malformed(op, status, jerr)
	}
	if resp.Error != "" {
		if strings.Contains(resp.Error, "hasn't returned any results") {
			return nil, nil
		}
		if ok(status) {
			return nil, s.malformed(op, status, errors.New(resp.Error))
		}
		return nil, domain.NewProviderError(s.platform, op, status, statusKind(status), errors.New(resp.Error))
	}
	if !ok(status) {
		return nil, s.classify(op, status, raw)
	}

	out := make([]domain.Product, 0, len(resp.ShoppingResults))
	for _, r := range resp.ShoppingResults {
		out = append(out, normalizeShopping(r))
	}
	return out, nil
}

func normalizeShopping(r serpResult) domain.Product {
	link := firstNonEmpty(r.ProductLink, r.Link)
	return domain.Product{
		Position:       r.Position,
		Title:          r.Title,
		Link:           link,
		ExternalID:     r.ProductID,
		Source:         r.Source,
		Price:          r.Price,
		ExtractedPrice: r.ExtractedPrice,
		Rating:         r.Rating,
		Reviews:        r.Reviews,
		Thumbnail:      r.Thumbnail,
		Thumbnails:     nonEmpty(r.Thumbnail),
		Delivery:       r.Delivery,
		Tag:            r.Tag,
		Description:    r.Snippet,
		StoreOffers:    []domain.StoreOffer{{Name: r.Source, Price: r.Price, Link: link}},
		DataSource:     "google_shopping",
	}
}
