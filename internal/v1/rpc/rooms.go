package rpc

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/wqdsca/police-thief-core/internal/v1/registry"
)

type createRoomRequest struct {
	Name     string `json:"name" binding:"required,min=1,max=64"`
	Capacity int    `json:"capacity"`
	Private  bool   `json:"private"`
	Password string `json:"password"`
	GameMode string `json:"game_mode"`
}

type joinRoomRequest struct {
	Password string `json:"password"`
}

func (s *Server) handleCreateRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	identity := identityFrom(c)
	rec, err := s.registry.CreateRoom(c.Request.Context(), identity.UserID, identity.Name, registry.RoomSpec{
		Name:     req.Name,
		Capacity: req.Capacity,
		Private:  req.Private,
		Password: req.Password,
		GameMode: req.GameMode,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"room_id":  rec.ID,
		"name":     rec.Name,
		"capacity": rec.Capacity,
		"status":   rec.Status,
	})
}

func (s *Server) handleJoinRoom(c *gin.Context) {
	roomID, err := strconv.ParseInt(c.Param("roomId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return
	}

	var req joinRoomRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	identity := identityFrom(c)
	member, err := s.registry.JoinRoom(c.Request.Context(), identity.UserID, identity.Name, roomID, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"room_id": roomID, "join_at": member.JoinAt})
}

// handleLeaveRoom removes the caller from the room. The registry publishes
// user_left on the bus before returning, so a framed-stream session for the
// same identity observes the event before this response is written.
func (s *Server) handleLeaveRoom(c *gin.Context) {
	roomID, err := strconv.ParseInt(c.Param("roomId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return
	}

	identity := identityFrom(c)
	outcome, err := s.registry.LeaveRoom(c.Request.Context(), identity.UserID, roomID)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := gin.H{"room_id": roomID, "room_closed": outcome.RoomClosed}
	if outcome.NewHostID != "" {
		resp["new_host"] = outcome.NewHostID
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListRooms(c *gin.Context) {
	cursor, err := registry.DecodeCursor(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
		return
	}

	limit := 20
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	filter := registry.ListFilter{
		Status:         registry.RoomStatus(c.Query("status")),
		IncludePrivate: c.Query("include_private") == "true",
	}

	page, err := s.registry.ListRooms(c.Request.Context(), filter, cursor, limit)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, page)
}
