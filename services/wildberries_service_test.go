package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"position-api/config"
)

func testConfig() *config.Config {
	return &config.Config{
		WBRegion:            "ru",
		MaxSearchPages:      5,
		PageDelay:           time.Millisecond,
		KeywordDelay:        time.Millisecond,
		LLMMaxRetries:       1,
		LLMInitialBackoff:   0.001,
		LLMMaxBackoff:       0.001,
		LLMBackoffFactor:    1.0,
		ProxyTimeoutMinutes: 2,
	}
}

func newTestService(t *testing.T, serverURL string) *WildberriesService {
	t.Helper()
	svc := NewWildberriesService(testConfig(), nil)
	if serverURL != "" {
		svc.SearchBaseURL = serverURL
		svc.CardBaseURL = serverURL
		svc.BasketHostFormat = serverURL + "/basket-%s"
	}
	return svc
}

func writeSearchPage(w http.ResponseWriter, ids []int64) {
	products := make([]map[string]int64, 0, len(ids))
	for _, id := range ids {
		products = append(products, map[string]int64{"id": id})
	}
	json.NewEncoder(w).Encode(map[string]any{
		"data": map[string]any{"products": products},
	})
}

func idRange(from, count int64) []int64 {
	ids := make([]int64, 0, count)
	for i := int64(0); i < count; i++ {
		ids = append(ids, from+i)
	}
	return ids
}

// ============================================================================
// SHARD RESOLUTION
// ============================================================================

func TestResolveBasketBoundaries(t *testing.T) {
	tests := []struct {
		name   string
		id     int64
		basket string
	}{
		{"low id", 1, "01"},
		{"exactly at first bound", 143_00000 + 99999, "01"},
		{"just past first bound", 144_00000, "02"},
		{"middle of table", 1828_00000, "12"},
		{"exactly at last bound", 4565_00000, "25"},
		{"past last bound", 4566_00000, "26"},
		{"far past last bound", 99999_00000, "26"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.basket, ResolveBasket(tt.id))
		})
	}
}

func TestResolveBasketIsTotal(t *testing.T) {
	// Every id maps to some basket; none escapes the table.
	for id := int64(0); id < 5000_00000; id += 7_77777 {
		b := ResolveBasket(id)
		require.NotEmpty(t, b)
	}
}

// ============================================================================
// URL CONSTRUCTION
// ============================================================================

func TestExtractArticleID(t *testing.T) {
	svc := newTestService(t, "")

	id, ok := svc.ExtractArticleID("https://www.wildberries.ru/catalog/182803851/detail.aspx")
	require.True(t, ok)
	assert.Equal(t, int64(182803851), id)

	id, ok = svc.ExtractArticleID("https://www.wildberries.ru/catalog/182803851/detail.aspx?targetUrl=GP")
	require.True(t, ok)
	assert.Equal(t, int64(182803851), id)

	_, ok = svc.ExtractArticleID("https://www.wildberries.ru/catalog/")
	assert.False(t, ok)

	_, ok = svc.ExtractArticleID("https://example.com/catalog/123/detail.aspx")
	assert.False(t, ok)

	_, ok = svc.ExtractArticleID("not a url at all")
	assert.False(t, ok)
}

func TestCardURL(t *testing.T) {
	svc := newTestService(t, "")

	assert.Equal(t,
		"https://basket-12.wbbasket.ru/vol1828/part182803/182803851/info/ru/card.json",
		svc.CardURL(182803851))
}

func TestImageURL(t *testing.T) {
	svc := newTestService(t, "")

	assert.Equal(t,
		"https://basket-12.wbbasket.ru/vol1828/part182803/182803851/images/c516x688/1.webp",
		svc.ImageURL(182803851))
}

func TestDetailURL(t *testing.T) {
	svc := newTestService(t, "")

	assert.Equal(t,
		"https://card.wb.ru/cards/v2/detail?appType=1&curr=rub&dest=-363095&hide_dtype=13&lang=ru&spp=30&nm=182803851",
		svc.DetailURL(182803851))
}

func TestSearchURL(t *testing.T) {
	svc := newTestService(t, "")

	got := svc.SearchURL("wireless mouse", 2)
	assert.Equal(t,
		"https://search.wb.ru/exactmatch/ru/common/v9/search"+
			"?ab_testing=false&appType=1&curr=rub&dest=-363095&hide_dtype=13"+
			"&lang=ru&page=2&query=wireless%20mouse"+
			"&resultset=catalog&sort=popular&spp=30&suppressSpellcheck=false",
		got)
}

// ============================================================================
// POSITION SCANNING
// ============================================================================

func TestFindProductPositionFirstPage(t *testing.T) {
	const target = int64(182803851)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSearchPage(w, []int64{11, 22, target, 44})
	}))
	defer server.Close()

	svc := newTestService(t, server.URL)
	pos := svc.FindProductPosition(context.Background(), "мышь", target, 1)
	assert.Equal(t, 3, pos)
}

func TestFindProductPositionSecondPage(t *testing.T) {
	const target = int64(555)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		switch page {
		case 1:
			writeSearchPage(w, idRange(1000, 10))
		case 2:
			writeSearchPage(w, []int64{2000, target, 2002})
		default:
			writeSearchPage(w, nil)
		}
	}))
	defer server.Close()

	svc := newTestService(t, server.URL)
	// Rank is cumulative across pages: 10 on page one + 2nd item on page two.
	pos := svc.FindProductPosition(context.Background(), "мышь", target, 1)
	assert.Equal(t, 12, pos)
}

func TestFindProductPositionNotFoundWithinBudget(t *testing.T) {
	var requests atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		writeSearchPage(w, idRange(int64(page*1000), 10))
	}))
	defer server.Close()

	svc := newTestService(t, server.URL)
	pos := svc.FindProductPosition(context.Background(), "мышь", 42, 1)

	assert.Equal(t, PositionNotFound, pos)
	assert.Equal(t, int32(5), requests.Load(), "must stop at MaxSearchPages")
}

func TestFindProductPositionEmptyFirstPage(t *testing.T) {
	var requests atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		writeSearchPage(w, nil)
	}))
	defer server.Close()

	svc := newTestService(t, server.URL)
	pos := svc.FindProductPosition(context.Background(), "мышь", 42, 1)

	assert.Equal(t, PositionNotFound, pos)
	assert.Equal(t, int32(1), requests.Load(), "an exhausted listing must not consume further pages")
}

func TestFindProductPositionUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	svc := newTestService(t, server.URL)
	pos := svc.FindProductPosition(context.Background(), "мышь", 42, 1)
	assert.Equal(t, PositionNotFound, pos)
}

func TestFindProductPositionMalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>definitely not json</html>")
	}))
	defer server.Close()

	svc := newTestService(t, server.URL)
	pos := svc.FindProductPosition(context.Background(), "мышь", 42, 1)
	assert.Equal(t, PositionNotFound, pos)
}

// ============================================================================
// PRODUCT DETAILS
// ============================================================================

func detailBody(id int64, name, brand string, priceKopecks int64) string {
	return fmt.Sprintf(`{
		"data": {
			"products": [{
				"id": %d,
				"name": %q,
				"brand": %q,
				"reviewRating": 4.8,
				"feedbacks": 1523,
				"sizes": [{"price": {"product": %d}}]
			}]
		}
	}`, id, name, brand, priceKopecks)
}

func TestGetProductDetailsPriceMapping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, detailBody(182803851, "Мышь беспроводная", "Logitech", 129900))
	}))
	defer server.Close()

	svc := newTestService(t, server.URL)
	details := svc.GetProductDetails(context.Background(), "https://www.wildberries.ru/catalog/182803851/detail.aspx", 1)

	require.NotNil(t, details)
	assert.Equal(t, int64(182803851), details.ID)
	assert.Equal(t, "Мышь беспроводная", details.Name)
	assert.Equal(t, "Logitech", details.Brand)
	assert.Equal(t, 1299.0, details.Price, "kopecks must be divided by 100")
	assert.Equal(t, 4.8, details.Rating)
	assert.Equal(t, 1523, details.Feedbacks)
	assert.Contains(t, details.ImageURL, "/images/c516x688/1.webp")
}

func TestGetProductDetailsMissingEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data": {"products": []}}`)
	}))
	defer server.Close()

	svc := newTestService(t, server.URL)
	details := svc.GetProductDetails(context.Background(), "https://www.wildberries.ru/catalog/182803851/detail.aspx", 1)
	assert.Nil(t, details)
}

func TestGetProductDetailsUnparseableURL(t *testing.T) {
	svc := newTestService(t, "")
	details := svc.GetProductDetails(context.Background(), "https://example.com/whatever", 1)
	assert.Nil(t, details)
}

func TestGetProductDataReturnsRawCard(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"imt_id": 1, "nm_id": 182803851, "subj_name": "Мыши"}`)
	}))
	defer server.Close()

	svc := newTestService(t, server.URL)
	data := svc.GetProductData(context.Background(), "https://www.wildberries.ru/catalog/182803851/detail.aspx", 1)

	require.NotNil(t, data)
	var card map[string]any
	require.NoError(t, json.Unmarshal(data, &card))
	assert.Equal(t, "Мыши", card["subj_name"])
}

// ============================================================================
// ANALYSIS ORCHESTRATION
// ============================================================================

func TestAnalyzeProductKeywordsUnparseableURL(t *testing.T) {
	svc := newTestService(t, "")

	result := svc.AnalyzeProductKeywords(context.Background(), "https://example.com/not-wb", nil, 1, nil)

	require.NotNil(t, result)
	assert.Equal(t, int64(0), result.Product.ID)
	assert.Equal(t, "Товар не найден", result.Product.Name)
	assert.Empty(t, result.FoundKeywords)
	assert.Empty(t, result.SearchResults)
}

func TestAnalyzeProductKeywordsEndToEnd(t *testing.T) {
	const target = int64(182803851)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("nm") != "" {
			fmt.Fprint(w, detailBody(target, "Мышь беспроводная", "Logitech", 129900))
			return
		}

		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		switch r.URL.Query().Get("query") {
		case "wireless mouse":
			if page == 1 {
				// Target sits 7th on the first page.
				ids := idRange(9000, 10)
				ids[6] = target
				writeSearchPage(w, ids)
				return
			}
			writeSearchPage(w, nil)
		case "ergonomic mouse":
			// Five full pages, never matching.
			writeSearchPage(w, idRange(int64(page*1000), 10))
		default:
			writeSearchPage(w, nil)
		}
	}))
	defer server.Close()

	svc := newTestService(t, server.URL)

	var phases []string
	progress := func(phase string, current, total int) {
		phases = append(phases, phase)
	}

	keywords := []string{"wireless mouse", "ergonomic mouse"}
	result := svc.AnalyzeProductKeywords(context.Background(),
		"https://www.wildberries.ru/catalog/182803851/detail.aspx", keywords, 1, progress)

	require.NotNil(t, result)
	assert.Equal(t, target, result.Product.ID)
	assert.Equal(t, 1299.0, result.Product.Price)
	assert.Equal(t, keywords, result.FoundKeywords)

	require.Len(t, result.SearchResults, 2)
	assert.Equal(t, "wireless mouse", result.SearchResults[0].Keyword)
	require.NotNil(t, result.SearchResults[0].Position)
	assert.Equal(t, 7, *result.SearchResults[0].Position)

	assert.Equal(t, "ergonomic mouse", result.SearchResults[1].Keyword)
	assert.Nil(t, result.SearchResults[1].Position)

	assert.Contains(t, phases, "fetching_product")
	assert.Contains(t, phases, "scanning")
}

func TestAnalyzeProductKeywordsDetailFallback(t *testing.T) {
	const target = int64(182803851)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("nm") != "" {
			http.Error(w, "gone", http.StatusNotFound)
			return
		}
		writeSearchPage(w, []int64{target})
	}))
	defer server.Close()

	svc := newTestService(t, server.URL)
	result := svc.AnalyzeProductKeywords(context.Background(),
		"https://www.wildberries.ru/catalog/182803851/detail.aspx", []string{"мышь"}, 1, nil)

	require.NotNil(t, result)
	// Minimal fallback details: id and templated name, scan still runs.
	assert.Equal(t, target, result.Product.ID)
	assert.Equal(t, "Товар 182803851", result.Product.Name)
	assert.Empty(t, result.Product.Brand)
	assert.Zero(t, result.Product.Price)
	assert.NotEmpty(t, result.Product.ImageURL)

	require.Len(t, result.SearchResults, 1)
	require.NotNil(t, result.SearchResults[0].Position)
	assert.Equal(t, 1, *result.SearchResults[0].Position)
}
