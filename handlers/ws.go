package handlers

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/olahol/melody"
)

// WSHandler streams analysis progress to subscribed clients, the way the
// original bot kept editing its status message while a scan ran.
type WSHandler struct {
	M *melody.Melody
}

func NewWSHandler() *WSHandler {
	m := melody.New()

	m.Config.MaxMessageSize = 1024 * 1024

	// Keep-Alive Configuration (Critical for cloud hosting)
	m.Config.PingPeriod = 30 * time.Second
	m.Config.PongWait = 60 * time.Second

	m.HandleDisconnect(func(s *melody.Session) {
		analysisID, _ := s.Get("analysis_id")
		log.Printf("🔌 Client disconnected from analysis: %v", analysisID)
	})

	m.HandleError(func(s *melody.Session, err error) {
		log.Printf("❌ WebSocket Error: %v", err)
	})

	return &WSHandler{M: m}
}

// HandleWS upgrades the request and scopes the session to one analysis id.
func (h *WSHandler) HandleWS(c *gin.Context) {
	analysisID := c.Param("id")

	err := h.M.HandleRequestWithKeys(c.Writer, c.Request, map[string]interface{}{
		"analysis_id": analysisID,
	})
	if err != nil {
		log.Printf("❌ Failed to upgrade websocket: %v", err)
	}
}

type progressEvent struct {
	Type    string `json:"type"`
	Phase   string `json:"phase"`
	Current int    `json:"current,omitempty"`
	Total   int    `json:"total,omitempty"`
}

// BroadcastProgress pushes a progress event to every client watching the
// analysis.
func (h *WSHandler) BroadcastProgress(analysisID, phase string, current, total int) {
	msg, err := json.Marshal(progressEvent{
		Type:    "progress",
		Phase:   phase,
		Current: current,
		Total:   total,
	})
	if err != nil {
		return
	}

	err = h.M.BroadcastFilter(msg, func(q *melody.Session) bool {
		id, exists := q.Get("analysis_id")
		return exists && id == analysisID
	})
	if err != nil {
		log.Printf("⚠️ Error broadcasting to analysis %s: %v", analysisID, err)
	}
}
