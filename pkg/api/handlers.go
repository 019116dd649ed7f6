package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mahaj/studio-chat/pkg/auth"
	"github.com/mahaj/studio-chat/pkg/chat"
	"github.com/mahaj/studio-chat/pkg/contact"
	"github.com/mahaj/studio-chat/pkg/model"
	"github.com/mahaj/studio-chat/pkg/realtime"
	"github.com/mahaj/studio-chat/pkg/session"
)

type chatHandler struct {
	chat *chat.Service
	hub  *realtime.Hub
}

type sendRequest struct {
	Sender    model.Sender `json:"sender"`
	Text      string       `json:"text"`
	SessionID string       `json:"sessionId"`
}

func (h *chatHandler) Send(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Sender == model.SenderAdmin {
		id, ok := identity(c)
		if !ok || !id.IsAdmin() {
			writeError(c, auth.ErrForbidden)
			return
		}
	}

	msg, err := h.chat.Send(c.Request.Context(), req.SessionID, req.Sender, req.Text)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// List returns one session's messages, or every conversation summary when
// no sessionId is given.
func (h *chatHandler) List(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		convs, err := h.chat.Conversations(ctx)
		if err != nil {
			writeError(c, err)
			return
		}
		if convs == nil {
			convs = []model.Conversation{}
		}
		c.JSON(http.StatusOK, gin.H{"conversations": convs})
		return
	}

	var since int64
	if raw := c.Query("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeError(c, &model.ValidationError{Field: "since", Reason: "must be a message id"})
			return
		}
		since = v
	}
	var limit int
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeError(c, &model.ValidationError{Field: "limit", Reason: "must be a positive number"})
			return
		}
		limit = v
	}

	msgs, err := h.chat.History(ctx, sessionID, since, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	c.JSON(http.StatusOK, msgs)
}

func (h *chatHandler) Purge(c *gin.Context) {
	if err := h.chat.Purge(c.Request.Context(), c.Query("sessionId")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type readRequest struct {
	SessionID string `json:"sessionId"`
}

func (h *chatHandler) MarkRead(c *gin.Context) {
	var req readRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	n, err := h.chat.MarkRead(c.Request.Context(), req.SessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "updated": n})
}

// Subscribe opens the push channel. Without a sessionId the caller gets
// the admin feed of every session.
func (h *chatHandler) Subscribe(c *gin.Context) {
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		id, ok := identity(c)
		if !ok {
			writeError(c, auth.ErrInvalidToken)
			return
		}
		if !id.IsAdmin() {
			writeError(c, auth.ErrForbidden)
			return
		}
	} else if !session.Valid(sessionID) {
		writeError(c, &model.ValidationError{Field: "sessionId", Reason: "is malformed"})
		return
	}
	realtime.ServeWS(h.hub, c.Writer, c.Request, sessionID)
}

// Presence reports how many push subscribers this instance holds for a
// session, or for the admin feed when sessionId is empty.
func (h *chatHandler) Presence(c *gin.Context) {
	sessionID := c.Query("sessionId")
	c.JSON(http.StatusOK, gin.H{"sessionId": sessionID, "viewers": h.hub.Subscribers(sessionID)})
}

type authHandler struct {
	auth *auth.Service
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

func authResponse(res auth.Result) gin.H {
	return gin.H{
		"success":   true,
		"token":     res.Token,
		"expiresAt": res.ExpiresAt,
		"email":     res.Email,
		"name":      res.Name,
		"role":      res.Role,
		"sessionId": res.SessionID,
		"user":      res.Identity,
	}
}

func (h *authHandler) Register(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	res, err := h.auth.Register(c.Request.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, authResponse(res))
}

func (h *authHandler) Login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	res, err := h.auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, authResponse(res))
}

func (h *authHandler) Verify(c *gin.Context) {
	id, _ := identity(c)
	c.JSON(http.StatusOK, gin.H{
		"valid":     true,
		"success":   true,
		"email":     id.Email,
		"name":      id.Name,
		"role":      id.Role,
		"sessionId": id.SessionID,
	})
}

func (h *authHandler) Users(c *gin.Context) {
	id, _ := identity(c)
	users, err := h.auth.Users(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if users == nil {
		users = []model.User{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "users": users})
}

func (h *authHandler) Logout(c *gin.Context) {
	if err := h.auth.Logout(c.Request.Context(), bearerToken(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type contactHandler struct {
	contact *contact.Service
}

func (h *contactHandler) Submit(c *gin.Context) {
	var in contact.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	saved, err := h.contact.Submit(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "id": saved.ID})
}

func (h *contactHandler) List(c *gin.Context) {
	list, err := h.contact.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = []model.Contact{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "contacts": list})
}
