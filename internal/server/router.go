package server

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/notes"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/notesclient"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/transport"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/users"
)

const (
	userIDContextKey  = "gravity_user_id"
	claimsContextKey  = "gravity_session_claims"
	maxRoomMessage    = 8 << 20
	errorUnauthorized = "unauthorized"
	errorInvalidBody  = "invalid_request"
	errorInternal     = "internal_error"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingNotesService     = errors.New("notes service dependency required")
	errMissingRoomHub          = errors.New("room hub dependency required")
)

// IdentityResolver maps session claims onto canonical user ids.
type IdentityResolver interface {
	ResolveCanonicalUserID(claims auth.SessionClaims) (string, error)
	Profile(claims auth.SessionClaims) (users.Profile, error)
}

// Dependencies wires the HTTP handler. Identities is optional; without it the user id
// claim is used as is.
type Dependencies struct {
	SessionValidator *auth.SessionValidator
	Identities       IdentityResolver
	NotesService     *notes.Service
	Rooms            *RoomHub
	AllowedOrigins   []string
	Logger           *zap.Logger
}

// NewHTTPHandler builds the note REST API and the collaboration room endpoint.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.NotesService == nil {
		return nil, errMissingNotesService
	}
	if deps.Rooms == nil {
		return nil, errMissingRoomHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: !containsWildcard(origins),
		MaxAge:           12 * time.Hour,
	}))

	handler := &httpHandler{
		sessions:       deps.SessionValidator,
		identities:     deps.Identities,
		notesService:   deps.NotesService,
		rooms:          deps.Rooms,
		originPatterns: websocketOrigins(origins),
		logger:         logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/me", handler.handleProfile)
	protected.GET("/notes", handler.handleListNotes)
	protected.POST("/notes", handler.handleCreateNote)
	protected.GET("/notes/:id", handler.handleGetNote)
	protected.PATCH("/notes/:id", handler.handleUpdateNote)
	protected.DELETE("/notes/:id", handler.handleDeleteNote)
	protected.POST("/notes/:id/collaborators", handler.handleAddCollaborator)
	protected.GET("/rooms/:noteId", handler.handleRoom)

	return router, nil
}

type httpHandler struct {
	sessions       *auth.SessionValidator
	identities     IdentityResolver
	notesService   *notes.Service
	rooms          *RoomHub
	originPatterns []string
	logger         *zap.Logger
}

type collaboratorRequestPayload struct {
	UserID string `json:"userId"`
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Debug("session validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized})
		return
	}
	userID := claims.UserID
	if h.identities != nil {
		userID, err = h.identities.ResolveCanonicalUserID(claims)
		if err != nil {
			h.logger.Warn("identity resolution failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized})
			return
		}
	}
	c.Set(userIDContextKey, userID)
	c.Set(claimsContextKey, claims)
	c.Next()
}

func (h *httpHandler) handleProfile(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	claims, _ := c.Get(claimsContextKey)
	sessionClaims, _ := claims.(auth.SessionClaims)
	if h.identities == nil {
		c.JSON(http.StatusOK, users.Profile{ID: userID, Name: userID, Color: users.PresenceColor(userID)})
		return
	}
	profile, err := h.identities.Profile(sessionClaims)
	if err != nil {
		h.logger.Error("failed to load profile", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorInternal})
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *httpHandler) handleListNotes(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	snapshots, err := h.notesService.ListNotes(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if snapshots == nil {
		snapshots = []notes.NoteSnapshot{}
	}
	c.JSON(http.StatusOK, notesclient.ListResponse{Notes: snapshots})
}

func (h *httpHandler) handleGetNote(c *gin.Context) {
	userID, noteID, ok := h.requireNote(c, c.Param("id"))
	if !ok {
		return
	}
	snapshot, err := h.notesService.GetNoteByID(c.Request.Context(), userID, noteID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *httpHandler) handleCreateNote(c *gin.Context) {
	var request notesclient.CreateRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidBody})
		return
	}
	userID, noteID, ok := h.requireNote(c, request.ID)
	if !ok {
		return
	}
	snapshot, err := h.notesService.CreateNote(c.Request.Context(), userID, noteID, request.Fields)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, snapshot)
}

func (h *httpHandler) handleUpdateNote(c *gin.Context) {
	var patch notes.FieldPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidBody})
		return
	}
	userID, noteID, ok := h.requireNote(c, c.Param("id"))
	if !ok {
		return
	}
	snapshot, err := h.notesService.UpdateNote(c.Request.Context(), userID, noteID, patch)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *httpHandler) handleDeleteNote(c *gin.Context) {
	userID, noteID, ok := h.requireNote(c, c.Param("id"))
	if !ok {
		return
	}
	if err := h.notesService.DeleteNote(c.Request.Context(), userID, noteID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleAddCollaborator(c *gin.Context) {
	var request collaboratorRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidBody})
		return
	}
	userID, noteID, ok := h.requireNote(c, c.Param("id"))
	if !ok {
		return
	}
	collaboratorID, err := notes.NewUserID(request.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}
	if err := h.notesService.AddCollaborator(c.Request.Context(), userID, noteID, collaboratorID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleRoom upgrades to a websocket and serves the room until either side disconnects.
func (h *httpHandler) handleRoom(c *gin.Context) {
	userID, noteID, ok := h.requireNote(c, c.Param("noteId"))
	if !ok {
		return
	}
	if err := h.notesService.CheckRoomAccess(c.Request.Context(), userID, noteID); err != nil {
		h.respondError(c, err)
		return
	}
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.Warn("room upgrade failed", zap.String("note_id", noteID.String()), zap.Error(err))
		return
	}
	conn.SetReadLimit(maxRoomMessage)
	if err := h.rooms.Serve(c.Request.Context(), noteID, userID, transport.WrapWebsocket(conn)); err != nil {
		h.logger.Warn("room connection ended with error", zap.String("note_id", noteID.String()), zap.Error(err))
	}
}

func (h *httpHandler) requireUser(c *gin.Context) (notes.UserID, bool) {
	userID, err := notes.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized})
		return "", false
	}
	return userID, true
}

func (h *httpHandler) requireNote(c *gin.Context, rawNoteID string) (notes.UserID, notes.NoteID, bool) {
	userID, ok := h.requireUser(c)
	if !ok {
		return "", "", false
	}
	noteID, err := notes.NewNoteID(rawNoteID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_note_id"})
		return "", "", false
	}
	return userID, noteID, true
}

// respondError maps note service failures onto status codes; the body carries the service
// error code so clients can tell a missing note from a revoked one.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, notes.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, notes.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, notes.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, notes.ErrInvalidPatch), errors.Is(err, notes.ErrInvalidNoteID), errors.Is(err, notes.ErrInvalidUserID):
		status = http.StatusBadRequest
	}
	code := errorInternal
	var serviceErr *notes.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("note request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}

func containsWildcard(origins []string) bool {
	for _, origin := range origins {
		if origin == "*" {
			return true
		}
	}
	return false
}

// websocketOrigins converts CORS origins into host patterns for the websocket handshake.
func websocketOrigins(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, origin := range origins {
		if origin == "*" {
			return []string{"*"}
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			patterns = append(patterns, parsed.Host)
			continue
		}
		patterns = append(patterns, origin)
	}
	return patterns
}
