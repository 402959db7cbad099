package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"position-api/config"
	"position-api/models"
	"position-api/utils"
)

// ============================================================================
// WILDBERRIES SERVICE
// Talks to the Wildberries catalog, detail and search endpoints and walks
// paginated search listings to find where a product ranks for a keyword.
// ============================================================================

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"

var articleIDRegex = regexp.MustCompile(`wildberries\.ru/catalog/(\d+)/detail\.aspx`)

// basketRange maps article id prefixes (id/100000) to the CDN basket hosting
// the product's static assets. Bounds are ascending and checked in order;
// first match wins. Changing any bound changes every derived URL, so this
// table is load-bearing.
type basketRange struct {
	upper  int64
	basket string
}

var basketRanges = []basketRange{
	{143, "01"},
	{287, "02"},
	{431, "03"},
	{719, "04"},
	{1007, "05"},
	{1061, "06"},
	{1115, "07"},
	{1169, "08"},
	{1313, "09"},
	{1601, "10"},
	{1655, "11"},
	{1919, "12"},
	{2045, "13"},
	{2189, "14"},
	{2405, "15"},
	{2621, "16"},
	{2837, "17"},
	{3053, "18"},
	{3269, "19"},
	{3485, "20"},
	{3701, "21"},
	{3917, "22"},
	{4133, "23"},
	{4349, "24"},
	{4565, "25"},
}

// catchAllBasket serves every id prefix above the last table bound.
const catchAllBasket = "26"

// ResolveBasket returns the basket id ("01".."26") for an article id.
func ResolveBasket(articleID int64) string {
	s := articleID / 100000
	for _, r := range basketRanges {
		if s <= r.upper {
			return r.basket
		}
	}
	return catchAllBasket
}

// PositionNotFound is the scanner's sentinel for "not within the page budget".
const PositionNotFound = -1

// ProgressFunc receives coarse progress while an analysis runs. current/total
// are keyword indexes during scanning, zero otherwise.
type ProgressFunc func(phase string, current, total int)

type WildberriesService struct {
	region         string
	useProxy       bool
	maxSearchPages int
	pageDelay      time.Duration
	keywordDelay   time.Duration

	proxyService ProxyProvider
	httpClient   *http.Client
	retryCfg     utils.RetryConfig

	// Endpoint bases, overridable in tests. BasketHostFormat receives the
	// basket id as its %s argument.
	SearchBaseURL    string
	CardBaseURL      string
	BasketHostFormat string
}

func NewWildberriesService(cfg *config.Config, proxyService ProxyProvider) *WildberriesService {
	return &WildberriesService{
		region:         cfg.WBRegion,
		useProxy:       cfg.WBUseProxy,
		maxSearchPages: cfg.MaxSearchPages,
		pageDelay:      cfg.PageDelay,
		keywordDelay:   cfg.KeywordDelay,
		proxyService:   proxyService,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		retryCfg: utils.RetryConfig{
			MaxRetries:     cfg.LLMMaxRetries,
			InitialBackoff: cfg.LLMInitialBackoff,
			MaxBackoff:     cfg.LLMMaxBackoff,
			BackoffFactor:  cfg.LLMBackoffFactor,
			Jitter:         true,
		},
		SearchBaseURL:    "https://search.wb.ru",
		CardBaseURL:      "https://card.wb.ru",
		BasketHostFormat: "https://basket-%s.wbbasket.ru",
	}
}

// ============================================================================
// URL CONSTRUCTION
// ============================================================================

// ExtractArticleID pulls the numeric article id out of a product URL.
// A URL that does not match is not an error, just an unparseable input.
func (s *WildberriesService) ExtractArticleID(productURL string) (int64, bool) {
	m := articleIDRegex.FindStringSubmatch(productURL)
	if m == nil {
		return 0, false
	}
	var id int64
	if _, err := fmt.Sscanf(m[1], "%d", &id); err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// CardURL builds the shard-addressed URL for the raw product card JSON.
func (s *WildberriesService) CardURL(articleID int64) string {
	vol := articleID / 100000
	part := articleID / 1000
	host := fmt.Sprintf(s.BasketHostFormat, ResolveBasket(articleID))
	return fmt.Sprintf("%s/vol%d/part%d/%d/info/%s/card.json", host, vol, part, articleID, s.region)
}

// DetailURL builds the product detail endpoint URL. The query parameters are
// marketplace-owned constants; the upstream misbehaves if they deviate.
func (s *WildberriesService) DetailURL(articleID int64) string {
	return fmt.Sprintf("%s/cards/v2/detail?appType=1&curr=rub&dest=-363095&hide_dtype=13&lang=ru&spp=30&nm=%d",
		s.CardBaseURL, articleID)
}

// ImageURL builds the main product image URL on the same basket shard.
func (s *WildberriesService) ImageURL(articleID int64) string {
	vol := articleID / 100000
	part := articleID / 1000
	host := fmt.Sprintf(s.BasketHostFormat, ResolveBasket(articleID))
	return fmt.Sprintf("%s/vol%d/part%d/%d/images/c516x688/1.webp", host, vol, part, articleID)
}

// SearchURL builds the search endpoint URL for a keyword and 1-based page.
// Spaces are encoded as %20, not '+'; the endpoint is picky about it.
func (s *WildberriesService) SearchURL(query string, page int) string {
	encoded := strings.ReplaceAll(url.QueryEscape(query), "+", "%20")
	return fmt.Sprintf("%s/exactmatch/%s/common/v9/search"+
		"?ab_testing=false&appType=1&curr=rub&dest=-363095&hide_dtype=13"+
		"&lang=%s&page=%d&query=%s"+
		"&resultset=catalog&sort=popular&spp=30&suppressSpellcheck=false",
		s.SearchBaseURL, s.region, s.region, page, encoded)
}

// ============================================================================
// HTTP LAYER
// ============================================================================

func (s *WildberriesService) clientFor(userID int64) *http.Client {
	if !s.useProxy || s.proxyService == nil {
		return s.httpClient
	}
	proxy := s.proxyService.GetProxy(userID)
	if proxy == nil {
		return s.httpClient
	}
	proxyURL, err := proxy.ProxyURL()
	if err != nil {
		utils.SafeWarn("[WB] Invalid proxy URL, falling back to direct: %v", err)
		return s.httpClient
	}
	return &http.Client{
		Timeout:   30 * time.Second,
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
	}
}

// retryableTransport reports whether a request failure is worth retrying.
// Caller-side cancellation is final; everything else coming out of the
// transport (refused connections, resets, timeouts) is transient.
func retryableTransport(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// makeRequest GETs a Wildberries endpoint and returns the raw body, routed
// through the sticky proxy when enabled. Transport failures are retried;
// a non-200 status is logged and absorbed as nil, never raised, because
// every caller has a defined fallback for missing data.
func (s *WildberriesService) makeRequest(ctx context.Context, rawURL string, userID int64) []byte {
	client := s.clientFor(userID)

	body, err := utils.Retry(ctx, s.retryCfg, retryableTransport, func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", userAgent)

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			utils.LogUpstreamError(rawURL, resp.StatusCode, nil)
			return nil, nil
		}
		return io.ReadAll(resp.Body)
	})
	if err != nil {
		utils.LogUpstreamError(rawURL, 0, err)
		return nil
	}
	return body
}

// ============================================================================
// CATALOG OPERATIONS
// ============================================================================

type detailResponse struct {
	Data struct {
		Products []struct {
			ID           int64   `json:"id"`
			Name         string  `json:"name"`
			Brand        string  `json:"brand"`
			ReviewRating float64 `json:"reviewRating"`
			Feedbacks    int     `json:"feedbacks"`
			Sizes        []struct {
				Price struct {
					Product int64 `json:"product"`
				} `json:"price"`
			} `json:"sizes"`
		} `json:"products"`
	} `json:"data"`
}

type searchResponse struct {
	Data struct {
		Products []struct {
			ID int64 `json:"id"`
		} `json:"products"`
	} `json:"data"`
}

// GetProductData fetches the raw card JSON for a product URL. This is the
// metadata blob handed to the keyword extractor. nil means no data.
func (s *WildberriesService) GetProductData(ctx context.Context, productURL string, userID int64) json.RawMessage {
	articleID, ok := s.ExtractArticleID(productURL)
	if !ok {
		return nil
	}

	body := s.makeRequest(ctx, s.CardURL(articleID), userID)
	if body == nil {
		return nil
	}
	if !json.Valid(body) {
		utils.SafeWarn("[WB] Card response for article %d is not valid JSON", articleID)
		return nil
	}
	return json.RawMessage(body)
}

// GetProductDetails fetches and maps the detail card. Missing envelope fields
// degrade to zero values; a missing response degrades to nil so the caller
// can build fallback details.
func (s *WildberriesService) GetProductDetails(ctx context.Context, productURL string, userID int64) *models.ProductDetails {
	articleID, ok := s.ExtractArticleID(productURL)
	if !ok {
		return nil
	}

	body := s.makeRequest(ctx, s.DetailURL(articleID), userID)
	if body == nil {
		return nil
	}

	var detail detailResponse
	if err := json.Unmarshal(body, &detail); err != nil {
		utils.SafeWarn("[WB] Failed to parse detail response for article %d: %v", articleID, err)
		return nil
	}
	if len(detail.Data.Products) == 0 {
		return nil
	}

	product := detail.Data.Products[0]

	var price float64
	if len(product.Sizes) > 0 {
		// Upstream reports kopecks.
		price = float64(product.Sizes[0].Price.Product) / 100
	}

	id := product.ID
	if id == 0 {
		id = articleID
	}
	name := product.Name
	if name == "" {
		name = fmt.Sprintf("Товар %d", articleID)
	}

	return &models.ProductDetails{
		ID:        id,
		Name:      name,
		Brand:     product.Brand,
		Price:     price,
		Rating:    product.ReviewRating,
		Feedbacks: product.Feedbacks,
		ImageURL:  s.ImageURL(articleID),
		URL:       productURL,
	}
}

// ============================================================================
// POSITION SCANNING
// ============================================================================

// FindProductPosition walks search pages for a keyword and returns the
// product's 1-based rank across the concatenated pages, or PositionNotFound.
// Pages are fetched strictly one at a time with a fixed delay between them;
// the pacing is a politeness policy, not an accident.
func (s *WildberriesService) FindProductPosition(ctx context.Context, query string, productID int64, userID int64) int {
	currentPosition := 0

	for page := 1; page <= s.maxSearchPages; page++ {
		body := s.makeRequest(ctx, s.SearchURL(query, page), userID)
		if body == nil {
			break
		}

		var result searchResponse
		if err := json.Unmarshal(body, &result); err != nil {
			utils.SafeWarn("[WB] Failed to parse search page %d for %q: %v", page, query, err)
			break
		}
		if result.Data.Products == nil {
			break
		}

		for _, product := range result.Data.Products {
			currentPosition++
			if product.ID == productID {
				return currentPosition
			}
		}

		if len(result.Data.Products) == 0 {
			break
		}

		if err := utils.Sleep(ctx, s.pageDelay); err != nil {
			break
		}
	}

	return PositionNotFound
}

// ============================================================================
// ANALYSIS ORCHESTRATION
// ============================================================================

// AnalyzeProductKeywords runs the full per-keyword position scan for a
// product. An unparseable URL yields the documented placeholder result; a
// failed detail fetch yields minimal fallback details. Neither raises.
// progress may be nil.
func (s *WildberriesService) AnalyzeProductKeywords(ctx context.Context, productURL string, keywords []string, userID int64, progress ProgressFunc) *models.KeywordAnalysisResult {
	if progress == nil {
		progress = func(string, int, int) {}
	}

	articleID, ok := s.ExtractArticleID(productURL)
	if !ok {
		return &models.KeywordAnalysisResult{
			Product: models.ProductDetails{
				ID:   0,
				Name: "Товар не найден",
				URL:  productURL,
			},
			FoundKeywords: []string{},
			SearchResults: []models.SearchResult{},
		}
	}

	progress("fetching_product", 0, 0)
	productDetails := s.GetProductDetails(ctx, productURL, userID)
	if productDetails == nil {
		productDetails = &models.ProductDetails{
			ID:       articleID,
			Name:     fmt.Sprintf("Товар %d", articleID),
			ImageURL: s.ImageURL(articleID),
			URL:      productURL,
		}
	}

	searchResults := make([]models.SearchResult, 0, len(keywords))
	for i, keyword := range keywords {
		progress("scanning", i+1, len(keywords))

		position := s.FindProductPosition(ctx, keyword, articleID, userID)

		result := models.SearchResult{Keyword: keyword}
		if position > 0 {
			p := position
			result.Position = &p
		}
		searchResults = append(searchResults, result)

		if err := utils.Sleep(ctx, s.keywordDelay); err != nil {
			break
		}
	}

	return &models.KeywordAnalysisResult{
		Product:       *productDetails,
		FoundKeywords: keywords,
		SearchResults: searchResults,
	}
}
