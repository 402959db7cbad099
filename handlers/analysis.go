package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"position-api/config"
	"position-api/models"
	"position-api/services"
	"position-api/utils"
)

// ============================================================================
// ANALYSIS HANDLER
// Runs the full pipeline for one product URL: card fetch → keyword
// extraction → per-keyword position scan → persisted result.
// ============================================================================

type AnalysisHandler struct {
	DB        *sql.DB
	Config    *config.Config
	WB        *services.WildberriesService
	Extractor services.KeywordExtractor
	WS        *WSHandler
}

func NewAnalysisHandler(db *sql.DB, cfg *config.Config, ws *WSHandler) *AnalysisHandler {
	proxyService := services.NewPiaProxyService(cfg)

	return &AnalysisHandler{
		DB:        db,
		Config:    cfg,
		WB:        services.NewWildberriesService(cfg, proxyService),
		Extractor: services.NewKeywordExtractor(cfg, proxyService),
		WS:        ws,
	}
}

// searchResultView decorates a SearchResult with the human-readable position
// the bot used to print ("ниже 500" when the product was not found).
type searchResultView struct {
	Keyword  string `json:"keyword"`
	Position *int   `json:"position"`
	Display  string `json:"display"`
}

type analyzeResponse struct {
	ID            string                `json:"id"`
	Product       models.ProductDetails `json:"product"`
	FoundKeywords []string              `json:"found_keywords"`
	SearchResults []searchResultView    `json:"search_results"`
}

// Analyze handles POST /analyses.
func (h *AnalysisHandler) Analyze(c *gin.Context) {
	var req models.AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	ctx := c.Request.Context()
	analysisID := uuid.NewString()
	userID := req.UserID

	progress := func(phase string, current, total int) {
		if h.WS != nil {
			h.WS.BroadcastProgress(analysisID, phase, current, total)
		}
	}

	articleID, ok := h.WB.ExtractArticleID(req.ProductURL)
	if !ok {
		// Defined degraded output: placeholder product, empty lists.
		result := h.WB.AnalyzeProductKeywords(ctx, req.ProductURL, nil, userID, nil)
		h.saveAnalysis(ctx, analysisID, 0, req.ProductURL, models.AnalysisStatusCompleted, result)
		c.JSON(http.StatusOK, h.buildResponse(analysisID, result))
		return
	}

	utils.LogAnalysisAction("Started", analysisID, articleID)

	progress("fetching_product", 0, 0)
	productData := h.WB.GetProductData(ctx, req.ProductURL, userID)
	if productData == nil {
		progress("failed", 0, 0)
		h.saveFailed(ctx, analysisID, articleID, req.ProductURL)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to fetch product data"})
		return
	}

	progress("extracting_keywords", 0, 0)
	keywords, err := h.Extractor.ExtractKeywords(ctx, productData, userID)
	if err != nil || services.ContainsSentinel(keywords) {
		// The extractor failed (or its failure leaked through as marker
		// strings). Never scan for that literal text; surface a failure.
		if err != nil {
			utils.SafeError("[Analysis] Keyword extraction failed: %v", err)
		} else {
			utils.SafeError("[Analysis] Keyword extraction returned sentinel markers")
		}
		progress("failed", 0, 0)
		h.saveFailed(ctx, analysisID, articleID, req.ProductURL)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Keyword analysis failed, try again later"})
		return
	}

	result := h.WB.AnalyzeProductKeywords(ctx, req.ProductURL, keywords, userID, progress)
	progress("done", 0, 0)

	h.saveAnalysis(ctx, analysisID, articleID, req.ProductURL, models.AnalysisStatusCompleted, result)
	utils.LogAnalysisAction("Completed", analysisID, articleID)

	c.JSON(http.StatusOK, h.buildResponse(analysisID, result))
}

func (h *AnalysisHandler) buildResponse(analysisID string, result *models.KeywordAnalysisResult) analyzeResponse {
	views := make([]searchResultView, 0, len(result.SearchResults))
	for _, r := range result.SearchResults {
		view := searchResultView{Keyword: r.Keyword, Position: r.Position}
		if r.Position != nil {
			view.Display = fmt.Sprintf("%d", *r.Position)
		} else {
			view.Display = fmt.Sprintf("ниже %d", h.Config.MaxPositionLimit)
		}
		views = append(views, view)
	}

	keywords := result.FoundKeywords
	if keywords == nil {
		keywords = []string{}
	}

	return analyzeResponse{
		ID:            analysisID,
		Product:       result.Product,
		FoundKeywords: keywords,
		SearchResults: views,
	}
}

// ============================================================================
// HISTORY ENDPOINTS
// ============================================================================

// List handles GET /analyses.
func (h *AnalysisHandler) List(c *gin.Context) {
	rows, err := h.DB.QueryContext(c.Request.Context(), `
		SELECT id, article_id, product_url, status, product, keywords, results, created_at
		FROM analyses
		ORDER BY created_at DESC
		LIMIT 50
	`)
	if err != nil {
		log.Printf("[Analysis] Failed to list analyses: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	defer rows.Close()

	records := []models.AnalysisRecord{}
	for rows.Next() {
		record, err := scanAnalysisRow(rows)
		if err != nil {
			log.Printf("[Analysis] Failed to scan analysis row: %v", err)
			continue
		}
		records = append(records, *record)
	}

	c.JSON(http.StatusOK, gin.H{"analyses": records})
}

// Get handles GET /analyses/:id.
func (h *AnalysisHandler) Get(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid analysis id"})
		return
	}

	row := h.DB.QueryRowContext(c.Request.Context(), `
		SELECT id, article_id, product_url, status, product, keywords, results, created_at
		FROM analyses
		WHERE id = $1
	`, id)

	record, err := scanAnalysisRow(row)
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, gin.H{"error": "Analysis not found"})
		return
	}
	if err != nil {
		log.Printf("[Analysis] Failed to fetch analysis %s: %v", utils.MaskID(id), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	c.JSON(http.StatusOK, record)
}

// ============================================================================
// PERSISTENCE
// Write-only history: the engine never reads these rows back before a scan.
// ============================================================================

func (h *AnalysisHandler) saveFailed(ctx context.Context, analysisID string, articleID int64, productURL string) {
	h.saveAnalysis(ctx, analysisID, articleID, productURL, models.AnalysisStatusFailed, &models.KeywordAnalysisResult{
		Product:       models.ProductDetails{ID: articleID, URL: productURL},
		FoundKeywords: []string{},
		SearchResults: []models.SearchResult{},
	})
}

func (h *AnalysisHandler) saveAnalysis(ctx context.Context, analysisID string, articleID int64, productURL, status string, result *models.KeywordAnalysisResult) {
	if h.DB == nil {
		return
	}

	productJSON, _ := json.Marshal(result.Product)
	keywordsJSON, _ := json.Marshal(result.FoundKeywords)
	resultsJSON, _ := json.Marshal(result.SearchResults)

	_, err := h.DB.ExecContext(ctx, `
		INSERT INTO analyses (id, article_id, product_url, product, keywords, results, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, analysisID, articleID, productURL, productJSON, keywordsJSON, resultsJSON, status, time.Now())
	if err != nil {
		log.Printf("[Analysis] ⚠️  Failed to save analysis: %v", err)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnalysisRow(row rowScanner) (*models.AnalysisRecord, error) {
	var record models.AnalysisRecord
	var productJSON, keywordsJSON, resultsJSON []byte

	err := row.Scan(&record.ID, &record.ArticleID, &record.ProductURL, &record.Status,
		&productJSON, &keywordsJSON, &resultsJSON, &record.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(productJSON, &record.Result.Product); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(keywordsJSON, &record.Result.FoundKeywords); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(resultsJSON, &record.Result.SearchResults); err != nil {
		return nil, err
	}
	return &record, nil
}
