package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/WessleyAI/shopsearch/engine/domain"
	"github.com/WessleyAI/shopsearch/pkg/credentials"
	"github.com/WessleyAI/shopsearch/pkg/fn"
)

// MerchandiseOptions configures the Fanatics catalog backend.
type MerchandiseOptions struct {
	BaseURL  string
	PageSize int
	MaxPages int
}

// DefaultMerchandiseOptions targets the Impact Mediapartners API.
var DefaultMerchandiseOptions = MerchandiseOptions{
	BaseURL:  "https://api.impact.com/Mediapartners",
	PageSize: 100,
	MaxPages: 1,
}

// Audiences filter catalog items by Gender and AgeGroup.
var Audiences = []option{
	{"All", "every product"},
	{"Men", "men's and unisex adult products"},
	{"Women", "women's and unisex adult products"},
	{"Kids", "youth, toddler and infant products"},
}

var audienceField = field{Key: "audience", Options: Audiences}

// Merchandise searches the Fanatics catalog through Impact.
type Merchandise struct {
	base
	opts MerchandiseOptions
}

// NewMerchandise creates the Fanatics backend.
func NewMerchandise(deps Deps, opts MerchandiseOptions) *Merchandise {
	d := DefaultMerchandiseOptions
	if opts.BaseURL != "" {
		d.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	if opts.PageSize > 0 {
		d.PageSize = opts.PageSize
	}
	if opts.MaxPages > 0 {
		d.MaxPages = opts.MaxPages
	}
	return &Merchandise{base: newBase(domain.PlatformMerchandise, deps), opts: d}
}

// DefaultConfig keeps every audience.
func (m *Merchandise) DefaultConfig() domain.PlatformConfig {
	return domain.PlatformConfig{"audience": "All"}
}

// PrepareConfig picks the audience the article addresses.
func (m *Merchandise) PrepareConfig(ctx context.Context, phrase, feedback string) domain.PlatformConfig {
	user := fmt.Sprintf(`Choose the shopper audience for licensed sports merchandise matching %q.
%s
Available audiences:
%s
Return a JSON object: {"audience": "<audience>"}. Use "All" unless the keywords clearly target one group.`,
		phrase, feedbackLine(feedback), describeOptions(audienceField))
	return m.selectConfig(ctx, "You configure Fanatics merchandise searches. You only return JSON.", user,
		[]field{audienceField}, m.DefaultConfig())
}

// Search queries the catalog and applies the audience filter.
func (m *Merchandise) Search(ctx context.Context, phrase string, cfg domain.PlatformConfig, credentialID string) (Result, error) {
	creds, err := m.credentials(credentialID)
	if err != nil {
		return Result{Platform: m.platform}, fmt.Errorf("%w: %w", domain.ErrBackendExhausted, err)
	}
	audience, known := audienceField.match(cfg["audience"])
	if !known {
		audience = "All"
	}
	res, err := m.paginate(ctx, "catalog_search", m.opts.MaxPages, func(ctx context.Context, page int) ([]domain.Product, error) {
		return m.fetch(ctx, creds, phrase, page)
	})
	if err != nil {
		return res, err
	}
	if audience != "All" {
		kept := fn.Filter(res.Products, func(p domain.Product) bool {
			return matchesAudience(audience, p.Gender, p.AgeGroup)
		})
		m.logger.Info("backend: audience filter", "audience", audience, "before", len(res.Products), "after", len(kept))
		res.Products = domain.Renumber(kept)
	}
	return res, nil
}

// flexString decodes a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(b)
	return nil
}

type impactResponse struct {
	Items []impactItem `json:"Items"`
}

type impactItem struct {
	ID                  flexString `json:"Id"`
	CatalogItemID       flexString `json:"CatalogItemId"`
	Name                string     `json:"Name"`
	Description         string     `json:"Description"`
	Manufacturer        string     `json:"Manufacturer"`
	URL                 string     `json:"Url"`
	ImageURL            string     `json:"ImageUrl"`
	AdditionalImageURLs []string   `json:"AdditionalImageUrls"`
	CurrentPrice        flexString `json:"CurrentPrice"`
	OriginalPrice       flexString `json:"OriginalPrice"`
	Currency            string     `json:"Currency"`
	Category            string     `json:"Category"`
	SubCategory         string     `json:"SubCategory"`
	Gender              string     `json:"Gender"`
	AgeGroup            string     `json:"AgeGroup"`
}

func (m *Merchandise) fetch(ctx context.Context, creds credentials.Values, phrase string, page int) ([]domain.Product, error) {
	const op = "catalog_search"
	catalog := strings.Trim(firstNonEmpty(creds.Get("catalog"), "Catalogs/ItemSearch"), "/")
	q := url.Values{}
	q.Set("Keyword", phrase)
	q.Set("Page", strconv.Itoa(page))
	q.Set("PageSize", strconv.Itoa(m.opts.PageSize))
	endpoint := fmt.Sprintf("%s/%s/%s?%s", m.opts.BaseURL, url.PathEscape(creds.Get("account_id")), catalog, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("backend: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(creds.Get("username"), creds.Get("password"))

	status, raw, err := m.send(ctx, op, req)
	if err != nil {
		return nil, err
	}
	if !ok(status) {
		return nil, m.classify(op, status, raw)
	}
	var resp impactResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, m.malformed(op, status, err)
	}

	out := make([]domain.Product, 0, len(resp.Items))
	for i, it := range resp.Items {
		out = append(out, normalizeMerchandise(it, (page-1)*m.opts.PageSize+i+1))
	}
	return out, nil
}

func normalizeMerchandise(it impactItem, position int) domain.Product {
	id := firstNonEmpty(string(it.ID), string(it.CatalogItemID), fmt.Sprintf("fanatics-%d", position))
	price := "Price not available"
	if v := parsePrice(string(it.CurrentPrice)); v != nil {
		price = dollars(*v)
	} else if v := parsePrice(string(it.OriginalPrice)); v != nil {
		price = dollars(*v)
	}
	link := firstNonEmpty(it.URL, "#")
	return domain.Product{
		Position:       position,
		Title:          firstNonEmpty(it.Name, "Unknown Product"),
		Link:           link,
		ExternalID:     id,
		Source:         firstNonEmpty(it.Manufacturer, "Fanatics"),
		Brand:          it.Manufacturer,
		Price:          price,
		ExtractedPrice: parsePrice(string(it.CurrentPrice)),
		Currency:       firstNonEmpty(it.Currency, "USD"),
		Thumbnail:      it.ImageURL,
		Thumbnails:     nonEmpty(append([]string{it.ImageURL}, it.AdditionalImageURLs...)...),
		Tag:            firstNonEmpty(it.Category, it.SubCategory),
		Description:    stripHTML(it.Description),
		Gender:         it.Gender,
		AgeGroup:       it.AgeGroup,
		StoreOffers:    []domain.StoreOffer{{Name: "Fanatics", Price: price, Link: link}},
		DataSource:     "fanatics_impact",
	}
}

var kidsAgeGroups = []string{"kid", "youth", "child", "toddler", "infant", "newborn", "baby"}

// matchesAudience keeps unisex and untagged adult items for Men and Women.
func matchesAudience(audience, gender, ageGroup string) bool {
	g, a := strings.ToLower(gender), strings.ToLower(ageGroup)
	kids := false
	for _, k := range kidsAgeGroups {
		if strings.Contains(a, k) {
			kids = true
			break
		}
	}
	switch audience {
	case "Kids":
		return kids
	case "Men":
		return !kids && (g == "" || g == "unisex" || g == "male" || strings.HasPrefix(g, "men"))
	case "Women":
		return !kids && (g == "" || g == "unisex" || g == "female" || strings.HasPrefix(g, "women"))
	default:
		return true
	}
}
