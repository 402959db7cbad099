package models

import "time"

// ============================================================================
// POSITION ANALYSIS MODELS
// ============================================================================

// ProductDetails holds the product card fields shown alongside an analysis.
// Price is in rubles; the upstream API reports kopecks, divided by 100 once
// at parse time.
type ProductDetails struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	Brand     string  `json:"brand"`
	Price     float64 `json:"price"`
	Rating    float64 `json:"rating"`
	Feedbacks int     `json:"feedbacks"`
	ImageURL  string  `json:"image_url"`
	URL       string  `json:"url"`
}

// SearchResult is the outcome of scanning one keyword. Position is nil when
// the product was not found within the configured page budget, which is a
// normal outcome, not an error.
type SearchResult struct {
	Keyword  string `json:"keyword"`
	Position *int   `json:"position"`
}

// KeywordAnalysisResult is the aggregate returned for one analysis run.
// Results is ordered one-to-one with Keywords.
type KeywordAnalysisResult struct {
	Product       ProductDetails `json:"product"`
	FoundKeywords []string       `json:"found_keywords"`
	SearchResults []SearchResult `json:"search_results"`
}

// AnalysisRecord is a stored analysis row. The engine never reads these back
// before scanning; they exist only for the history endpoints.
type AnalysisRecord struct {
	ID         string                `json:"id"`
	ArticleID  int64                 `json:"article_id"`
	ProductURL string                `json:"product_url"`
	Status     string                `json:"status"`
	Result     KeywordAnalysisResult `json:"result"`
	CreatedAt  time.Time             `json:"created_at"`
}

// Analysis statuses persisted with a record.
const (
	AnalysisStatusCompleted = "completed"
	AnalysisStatusFailed    = "failed"
)

// ============================================================================
// REQUEST / RESPONSE MODELS
// ============================================================================

type AnalyzeRequest struct {
	ProductURL string `json:"product_url" binding:"required"`
	// UserID seeds the sticky proxy session so that one client's scans
	// keep a stable upstream identity. Optional; 0 is a valid seed.
	UserID int64 `json:"user_id"`
}

type LoginRequest struct {
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
}
