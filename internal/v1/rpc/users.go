package rpc

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/wqdsca/police-thief-core/internal/v1/apperr"
	"github.com/wqdsca/police-thief-core/internal/v1/auth"
	"github.com/wqdsca/police-thief-core/internal/v1/logging"
	"go.uber.org/zap"
)

func keyUser(userID string) string     { return "user:" + userID }
func keyUserByName(name string) string { return "user:name:" + name }

type registerRequest struct {
	Name     string `json:"name" binding:"required,min=2,max=32"`
	Password string `json:"password" binding:"required,min=8,max=128"`
}

type loginRequest struct {
	Name     string `json:"name" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// handleRegisterUser creates a user profile record. Display names are
// unique: the name index is the registration's authority.
func (s *Server) handleRegisterUser(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	ctx := c.Request.Context()
	if existing, err := s.store.Get(ctx, keyUserByName(req.Name)); err != nil {
		writeError(c, err)
		return
	} else if existing != "" {
		writeError(c, apperr.ErrUserExists)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}

	userID := uuid.NewString()
	now := time.Now().Unix()
	err = s.store.HSet(ctx, keyUser(userID), map[string]interface{}{
		"id":            userID,
		"name":          req.Name,
		"password_hash": string(hash),
		"created_at":    strconv.FormatInt(now, 10),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if err := s.store.Set(ctx, keyUserByName(req.Name), userID, 0); err != nil {
		writeError(c, err)
		return
	}

	logging.Info(ctx, "user registered", zap.String("user_id", userID))
	c.JSON(http.StatusCreated, gin.H{"user_id": userID, "name": req.Name})
}

// handleLogin checks credentials and mints a bearer token. Social-provider
// exchange is delegated to the out-of-scope OAuth flow; this path covers
// direct name/password accounts.
func (s *Server) handleLogin(c *gin.Context) {
	if s.issuer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "login disabled: no token issuer configured"})
		return
	}

	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	ctx := c.Request.Context()
	userID, err := s.store.Get(ctx, keyUserByName(req.Name))
	if err != nil {
		writeError(c, err)
		return
	}
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	profile, err := s.store.HGetAll(ctx, keyUser(userID))
	if err != nil {
		writeError(c, err)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(profile["password_hash"]), []byte(req.Password)) != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := s.issuer.Issue(auth.Identity{
		UserID: userID,
		Name:   profile["name"],
		Roles:  []string{"player"},
	})
	if err != nil {
		logging.Error(ctx, "failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token, "user_id": userID, "name": profile["name"]})
}

// handleGetUserInfo returns the caller's profile plus their current room
// from the reverse index.
func (s *Server) handleGetUserInfo(c *gin.Context) {
	identity := identityFrom(c)
	ctx := c.Request.Context()

	profile, err := s.store.HGetAll(ctx, keyUser(identity.UserID))
	if err != nil {
		writeError(c, err)
		return
	}
	if len(profile) == 0 {
		writeError(c, apperr.ErrUserNotFound)
		return
	}

	roomID, err := s.registry.CurrentRoom(ctx, identity.UserID)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := gin.H{
		"user_id":    profile["id"],
		"name":       profile["name"],
		"created_at": profile["created_at"],
	}
	if roomID != 0 {
		resp["room_id"] = roomID
	}
	c.JSON(http.StatusOK, resp)
}
