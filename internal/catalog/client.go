// Package catalog fetches and normalizes candidate products from the
// CS-Cart storefront API.
package catalog

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Item is a normalized catalog product. ImageURL is always absolute.
type Item struct {
	CatalogID string
	Name      string
	Category  string
	ImageURL  string
	Price     float64
	Vendor    string
	Timestamp int64
}

type Client struct {
	BaseURL string // e.g. https://wabrum.com/api
	Email   string
	APIKey  string
	HTTP    *http.Client

	now func() time.Time
}

func NewClient(baseURL, email, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Email:   email,
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		now:     time.Now,
	}
}

// FetchRecent returns products added within the last sinceDays days, newest
// first.
func (c *Client) FetchRecent(ctx context.Context, sinceDays, limit int) ([]Item, error) {
	items, err := c.fetch(ctx, limit, "timestamp", "desc")
	if err != nil {
		return nil, err
	}
	cutoff := c.now().Unix() - int64(sinceDays)*86400
	recent := items[:0]
	for _, it := range items {
		if it.Timestamp >= cutoff {
			recent = append(recent, it)
		}
	}
	return recent, nil
}

// FetchPopular returns products sorted by storefront popularity.
func (c *Client) FetchPopular(ctx context.Context, limit int) ([]Item, error) {
	return c.fetch(ctx, limit, "popularity", "desc")
}

func (c *Client) fetch(ctx context.Context, limit int, sortBy, sortOrder string) ([]Item, error) {
	if c.HTTP == nil {
		return nil, errors.New("catalog: http client is nil")
	}

	q := url.Values{}
	q.Set("items_per_page", strconv.Itoa(limit))
	q.Set("sort_by", sortBy)
	q.Set("sort_order", sortOrder)
	q.Set("status", "A") // active products only

	reqURL := fmt.Sprintf("%s/products?%s", c.BaseURL, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	creds := base64.StdEncoding.EncodeToString([]byte(c.Email + ":" + c.APIKey))
	req.Header.Set("Authorization", "Basic "+creds)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("catalog: %s", msg)
	}

	raws, err := decodeProducts(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}

	items := make([]Item, 0, len(raws))
	for _, raw := range raws {
		it := c.normalize(raw)
		// products without a usable image cannot seed a render
		if it.ImageURL == "" {
			continue
		}
		items = append(items, it)
	}
	log.Debug().Int("count", len(items)).Str("sort", sortBy).Msg("catalog fetch")
	return items, nil
}

type rawProduct struct {
	ProductID        json.Number `json:"product_id"`
	Product          string      `json:"product"`
	MainCategoryName string      `json:"main_category_name"`
	MainCategory     string      `json:"main_category"`
	Price            json.Number `json:"price"`
	CompanyName      string      `json:"company_name"`
	Timestamp        json.Number `json:"timestamp"`
	MainPair         *mainPair   `json:"main_pair"`
}

type mainPair struct {
	Detailed *imageRef `json:"detailed"`
	Icon     *imageRef `json:"icon"`
}

type imageRef struct {
	ImagePath     string `json:"image_path"`
	HTTPImagePath string `json:"http_image_path"`
}

// decodeProducts tolerates the two shapes CS-Cart returns: a
// {"products": [...]} wrapper or a map keyed by product id.
func decodeProducts(r io.Reader) ([]rawProduct, error) {
	var envelope struct {
		Products json.RawMessage `json:"products"`
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	payload := body
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Products) > 0 {
		payload = envelope.Products
	}

	var list []rawProduct
	if err := json.Unmarshal(payload, &list); err == nil {
		return list, nil
	}

	var keyed map[string]rawProduct
	if err := json.Unmarshal(payload, &keyed); err != nil {
		return nil, err
	}
	list = make([]rawProduct, 0, len(keyed))
	for _, p := range keyed {
		list = append(list, p)
	}
	return list, nil
}

func (c *Client) normalize(raw rawProduct) Item {
	category := raw.MainCategoryName
	if category == "" {
		category = raw.MainCategory
	}
	price, _ := raw.Price.Float64()
	ts, _ := raw.Timestamp.Int64()
	return Item{
		CatalogID: raw.ProductID.String(),
		Name:      raw.Product,
		Category:  category,
		ImageURL:  c.imageURL(raw.MainPair),
		Price:     price,
		Vendor:    raw.CompanyName,
		Timestamp: ts,
	}
}

// imageURL prefers the detailed image over the icon and resolves relative
// paths against the storefront root.
func (c *Client) imageURL(pair *mainPair) string {
	if pair == nil {
		return ""
	}
	path := ""
	if pair.Detailed != nil {
		path = firstNonEmpty(pair.Detailed.ImagePath, pair.Detailed.HTTPImagePath)
	}
	if path == "" && pair.Icon != nil {
		path = firstNonEmpty(pair.Icon.ImagePath, pair.Icon.HTTPImagePath)
	}
	if path == "" {
		return ""
	}
	if strings.HasPrefix(path, "http") {
		return path
	}
	return c.siteBaseURL() + "/" + strings.TrimLeft(path, "/")
}

// siteBaseURL strips the /api suffix from the API URL.
func (c *Client) siteBaseURL() string {
	if strings.HasSuffix(c.BaseURL, "/api") {
		return strings.TrimSuffix(c.BaseURL, "/api")
	}
	if i := strings.LastIndex(c.BaseURL, "/api"); i >= 0 {
		return c.BaseURL[:i]
	}
	return c.BaseURL
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
