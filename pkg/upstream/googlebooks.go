package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bookpager/pkg/domain"
)

const (
	DefaultBaseURL    = "https://www.googleapis.com/books/v1"
	DefaultMaxResults = 10
	maxResultsLimit   = 40
	maxErrorBytes     = 1 << 20
	maxResponseBytes  = 8 << 20
)

var validFilters = map[string]bool{
	"partial":     true,
	"full":        true,
	"free-ebooks": true,
	"paid-ebooks": true,
	"ebooks":      true,
}

var validOrders = map[string]bool{
	"relevance": true,
	"newest":    true,
}

// GoogleBooksConfig configures the Books API client.
type GoogleBooksConfig struct {
	BaseURL    string
	APIKey     string
	MaxResults int
	Timeout    time.Duration
	HTTPClient *http.Client
}

// GoogleBooks calls the Google Books volumes endpoint.
type GoogleBooks struct {
	baseURL    string
	apiKey     string
	maxResults int
	httpClient *http.Client
}

// NewGoogleBooks constructs a Books API client.
func NewGoogleBooks(cfg GoogleBooksConfig) *GoogleBooks {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	if maxResults > maxResultsLimit {
		maxResults = maxResultsLimit
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &GoogleBooks{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		maxResults: maxResults,
		httpClient: client,
	}
}

type volumesResponse struct {
	TotalItems int      `json:"totalItems"`
	Items      []volume `json:"items"`
}

type volume struct {
	ID         string `json:"id"`
	VolumeInfo struct {
		Title               string   `json:"title"`
		Authors             []string `json:"authors"`
		PublishedDate       string   `json:"publishedDate"`
		Description         string   `json:"description"`
		AverageRating       float64  `json:"averageRating"`
		PageCount           int      `json:"pageCount"`
		Categories          []string `json:"categories"`
		PreviewLink         string   `json:"previewLink"`
		InfoLink            string   `json:"infoLink"`
		IndustryIdentifiers []struct {
			Type       string `json:"type"`
			Identifier string `json:"identifier"`
		} `json:"industryIdentifiers"`
		ImageLinks struct {
			SmallThumbnail string `json:"smallThumbnail"`
			Thumbnail      string `json:"thumbnail"`
		} `json:"imageLinks"`
	} `json:"volumeInfo"`
	SaleInfo struct {
		BuyLink string `json:"buyLink"`
	} `json:"saleInfo"`
}

// Fetch requests the batch of volumes starting at offset. Volumes without a
// title are dropped.
func (g *GoogleBooks) Fetch(ctx context.Context, spec domain.QuerySpec, offset int) (Batch, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.volumesURL(spec, offset), nil)
	if err != nil {
		return Batch{}, fmt.Errorf("%w: build request: %v", ErrUpstream, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return Batch{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, maxErrorBytes)).Decode(&errResp)
		msg := errResp.Error.Message
		if msg == "" {
			msg = resp.Status
		}
		return Batch{}, fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, msg)
	}
	var body volumesResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&body); err != nil {
		return Batch{}, fmt.Errorf("%w: decode response: %v", ErrUpstream, err)
	}
	items := make([]domain.Book, 0, len(body.Items))
	for _, v := range body.Items {
		if strings.TrimSpace(v.VolumeInfo.Title) == "" {
			continue
		}
		items = append(items, bookFromVolume(v))
	}
	return Batch{Items: items, TotalResults: body.TotalItems}, nil
}

func (g *GoogleBooks) volumesURL(spec domain.QuerySpec, offset int) string {
	q := searchTerms(spec.QueryString)
	if spec.Categories != "" {
		q += ` subject:"` + spec.Categories + `"`
	}
	params := url.Values{}
	params.Set("q", q)
	params.Set("startIndex", strconv.Itoa(offset))
	params.Set("maxResults", strconv.Itoa(g.maxResults))
	if validFilters[spec.Type] {
		params.Set("filter", spec.Type)
	}
	if validOrders[spec.Order] {
		params.Set("orderBy", spec.Order)
	}
	if spec.Language != "" {
		params.Set("langRestrict", spec.Language)
	}
	if g.apiKey != "" {
		params.Set("key", g.apiKey)
	}
	return g.baseURL + "/volumes?" + params.Encode()
}

// searchTerms decodes a QueryString: '+' separates tokens and literal
// characters arrive percent-encoded. A string that does not decode is
// taken as plain '+'-joined words.
func searchTerms(queryString string) string {
	if q, err := url.QueryUnescape(queryString); err == nil {
		return q
	}
	return strings.ReplaceAll(queryString, "+", " ")
}

func bookFromVolume(v volume) domain.Book {
	info := v.VolumeInfo
	book := domain.Book{
		VolumeID:      v.ID,
		Title:         strings.TrimSpace(info.Title),
		Authors:       info.Authors,
		PublishedDate: info.PublishedDate,
		Description:   PlainText(info.Description),
		AverageRating: info.AverageRating,
		PageCount:     info.PageCount,
		Categories:    info.Categories,
		ThumbnailLink: info.ImageLinks.Thumbnail,
		PreviewLink:   info.PreviewLink,
		InfoLink:      info.InfoLink,
		BuyLink:       v.SaleInfo.BuyLink,
	}
	if book.ThumbnailLink == "" {
		book.ThumbnailLink = info.ImageLinks.SmallThumbnail
	}
	for _, id := range info.IndustryIdentifiers {
		if id.Type == "ISBN_13" {
			book.ISBN = id.Identifier
			break
		}
		if id.Type == "ISBN_10" && book.ISBN == "" {
			book.ISBN = id.Identifier
		}
	}
	return book
}
