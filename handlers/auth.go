package handlers

import (
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"position-api/models"
	"position-api/utils"
)

type AuthHandler struct{}

// Login exchanges the operator password for a bearer token. The expected
// password lives as a bcrypt hash in API_PASSWORD_HASH.
func (h *AuthHandler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	passwordHash := os.Getenv("API_PASSWORD_HASH")
	if passwordHash == "" {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "API authentication not configured"})
		return
	}

	if !utils.CheckPassword(passwordHash, req.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	accessToken, err := utils.GenerateAccessToken("operator")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, models.LoginResponse{AccessToken: accessToken})
}
