package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/sonara-ai/sonara/server/domain/entities"
	"github.com/sonara-ai/sonara/server/domain/repositories"
	"github.com/sonara-ai/sonara/server/internal/auth"
	"github.com/sonara-ai/sonara/server/internal/speaker"
	"github.com/sonara-ai/sonara/server/internal/websocket"
	"github.com/sonara-ai/sonara/server/usecase"
)

// Server wires the HTTP and websocket surface.
type Server struct {
	hub           *websocket.Hub
	verifier      *auth.Verifier
	conversations *usecase.ConversationService
	memories      *usecase.MemoryService
	postprocess   *usecase.PostprocessService
	people        repositories.PersonRepository
	profiles      *speaker.ProfileManager
	uploadDir     string
	photoDir      string
	logger        *zap.Logger
}

// NewServer creates the API surface. uploadDir and photoDir must exist.
func NewServer(
	hub *websocket.Hub,
	verifier *auth.Verifier,
	conversations *usecase.ConversationService,
	memories *usecase.MemoryService,
	postprocess *usecase.PostprocessService,
	people repositories.PersonRepository,
	profiles *speaker.ProfileManager,
	uploadDir, photoDir string,
	logger *zap.Logger,
) *Server {
	return &Server{
		hub:           hub,
		verifier:      verifier,
		conversations: conversations,
		memories:      memories,
		postprocess:   postprocess,
		people:        people,
		profiles:      profiles,
		uploadDir:     uploadDir,
		photoDir:      photoDir,
		logger:        logger,
	}
}

// InitRoutes registers every route on the echo instance.
func (s *Server) InitRoutes(e *echo.Echo) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "sonara-server",
		})
	})

	e.GET("/ws", s.ingressSocket)
	e.GET("/ws/processor", s.processorSocket)

	v1 := e.Group("/api/v1", s.requireUser)
	v1.GET("/conversations", s.listConversations)
	v1.GET("/conversations/:id", s.getConversation)
	v1.DELETE("/conversations/:id", s.deleteConversation)
	v1.POST("/conversations/:id/postprocess", s.postprocessConversation)
	v1.GET("/memories", s.listMemories)
	v1.POST("/memories", s.createMemory)
	v1.DELETE("/memories/:id", s.deleteMemory)
	v1.GET("/memories/prompt", s.promptMemories)
	v1.GET("/people", s.listPeople)
	v1.POST("/people", s.createPerson)
	v1.POST("/people/:id/samples", s.addPersonSample)
}

// authenticate validates the bearer token from the Authorization header or,
// for devices that cannot set headers, the token query parameter.
func (s *Server) authenticate(c echo.Context) (*auth.Claims, error) {
	token := ""
	header := c.Request().Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimPrefix(header, "Bearer ")
	}
	if token == "" {
		token = c.QueryParam("token")
	}
	if token == "" {
		return nil, errors.New("missing token")
	}
	return s.verifier.ValidateToken(token)
}

// requireUser is the middleware on the REST surface.
func (s *Server) requireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		claims, err := s.authenticate(c)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, ErrorResponse{
				Error:   "invalid_token",
				Message: "Invalid or expired token",
			})
		}
		if claims.Role != "user" {
			return c.JSON(http.StatusForbidden, ErrorResponse{
				Error:   "invalid_role",
				Message: "User token required",
			})
		}
		c.Set("uid", claims.UID)
		return next(c)
	}
}

func uid(c echo.Context) string {
	v, _ := c.Get("uid").(string)
	return v
}

// ingressSocket authenticates and negotiates one ingestion session.
func (s *Server) ingressSocket(c echo.Context) error {
	claims, err := s.authenticate(c)
	if err != nil {
		s.logger.Warn("WebSocket connection rejected", zap.Error(err))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "invalid_token",
			Message: "Invalid or expired token",
		})
	}

	params := websocket.IngressParams{
		UID:        claims.UID,
		Source:     entities.SourceDevice,
		Language:   "en-US",
		SampleRate: 16000,
		Codec:      "opus",
		PhotoDir:   s.photoDir,
	}
	if v := c.QueryParam("source"); v != "" {
		params.Source = entities.ConversationSource(v)
	}
	if v := c.QueryParam("language"); v != "" {
		params.Language = v
	}
	if v, err := strconv.Atoi(c.QueryParam("sample_rate")); err == nil && v > 0 {
		params.SampleRate = v
	}
	if v := c.QueryParam("codec"); v != "" {
		params.Codec = v
	}
	var requested time.Duration
	if v, err := strconv.Atoi(c.QueryParam("silence_timeout")); err == nil && v > 0 {
		requested = time.Duration(v) * time.Second
	}
	params.SilenceTimeout = s.conversations.SilenceTimeout(params.Source, requested)

	lat, latErr := strconv.ParseFloat(c.QueryParam("lat"), 64)
	lng, lngErr := strconv.ParseFloat(c.QueryParam("lng"), 64)
	if latErr == nil && lngErr == nil {
		params.Geolocation = &entities.Geolocation{Latitude: lat, Longitude: lng}
	}

	return websocket.ServeIngress(s.hub, c, params, s.logger)
}

// processorSocket registers a processor peer.
func (s *Server) processorSocket(c echo.Context) error {
	claims, err := s.authenticate(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "invalid_token",
			Message: "Invalid or expired token",
		})
	}
	return websocket.ServeProcessor(s.hub, c, claims.UID, s.logger)
}

func (s *Server) listConversations(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	var statuses []entities.ConversationStatus
	if v := c.QueryParam("status"); v != "" {
		for _, status := range strings.Split(v, ",") {
			statuses = append(statuses, entities.ConversationStatus(status))
		}
	}

	conversations, err := s.conversations.ListConversations(c.Request().Context(), uid(c), statuses, limit)
	if err != nil {
		s.logger.Error("Failed to list conversations", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to list conversations",
		})
	}
	return c.JSON(http.StatusOK, conversations)
}

func (s *Server) getConversation(c echo.Context) error {
	conversation, err := s.conversations.GetConversation(c.Request().Context(), uid(c), c.Param("id"))
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found"})
		}
		s.logger.Error("Failed to get conversation", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error"})
	}
	return c.JSON(http.StatusOK, conversation)
}

func (s *Server) deleteConversation(c echo.Context) error {
	err := s.conversations.DeleteConversation(c.Request().Context(), uid(c), c.Param("id"))
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found"})
		}
		s.logger.Error("Failed to delete conversation", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error"})
	}
	return c.NoContent(http.StatusNoContent)
}

// postprocessConversation accepts a WAV upload and runs the re-transcription
// pass in the background.
func (s *Server) postprocessConversation(c echo.Context) error {
	conversationID := c.Param("id")
	userID := uid(c)

	file, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_file",
			Message: "A WAV file upload is required",
		})
	}
	src, err := file.Open()
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_file"})
	}
	defer src.Close()

	wavPath := filepath.Join(s.uploadDir, uuid.NewString()+".wav")
	dst, err := os.Create(wavPath)
	if err != nil {
		s.logger.Error("Failed to store upload", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error"})
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(wavPath)
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error"})
	}
	dst.Close()

	go func() {
		defer os.Remove(wavPath)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := s.postprocess.Run(ctx, userID, conversationID, wavPath); err != nil {
			s.logger.Error("Post-processing failed",
				zap.String("conversationID", conversationID),
				zap.Error(err))
		}
	}()

	return c.JSON(http.StatusAccepted, PostprocessResponse{
		ConversationID: conversationID,
		Status:         "accepted",
	})
}

func (s *Server) listMemories(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	memories, err := s.memories.ListMemories(c.Request().Context(), uid(c), limit)
	if err != nil {
		s.logger.Error("Failed to list memories", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error"})
	}
	return c.JSON(http.StatusOK, memories)
}

func (s *Server) createMemory(c echo.Context) error {
	var req MemoryCreateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}
	memory, err := s.memories.CreateManual(c.Request().Context(), uid(c), req.Content)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_memory",
			Message: err.Error(),
		})
	}
	return c.JSON(http.StatusCreated, memory)
}

func (s *Server) deleteMemory(c echo.Context) error {
	err := s.memories.DeleteMemory(c.Request().Context(), uid(c), c.Param("id"))
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found"})
		}
		s.logger.Error("Failed to delete memory", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error"})
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listPeople(c echo.Context) error {
	people, err := s.people.ListByUID(c.Request().Context(), uid(c))
	if err != nil {
		s.logger.Error("Failed to list people", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error"})
	}
	return c.JSON(http.StatusOK, people)
}

func (s *Server) createPerson(c echo.Context) error {
	var req PersonCreateRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "A person name is required",
		})
	}
	person := entities.NewPerson(uuid.NewString(), uid(c), strings.TrimSpace(req.Name))
	if err := s.people.Create(c.Request().Context(), person); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return c.JSON(http.StatusConflict, ErrorResponse{
				Error:   "duplicate_person",
				Message: "A person with this name already exists",
			})
		}
		s.logger.Error("Failed to create person", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error"})
	}
	return c.JSON(http.StatusCreated, person)
}

// addPersonSample enrolls one voice sample for an existing person. Samples
// failing the quality gate are rejected with 422.
func (s *Server) addPersonSample(c echo.Context) error {
	ctx := c.Request().Context()
	person, err := s.people.GetByID(ctx, uid(c), c.Param("id"))
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found"})
		}
		s.logger.Error("Failed to get person", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error"})
	}

	file, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_file",
			Message: "A WAV sample upload is required",
		})
	}
	src, err := file.Open()
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_file"})
	}
	defer src.Close()

	wavPath := filepath.Join(s.uploadDir, uuid.NewString()+".wav")
	dst, err := os.Create(wavPath)
	if err != nil {
		s.logger.Error("Failed to store sample", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error"})
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(wavPath)
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error"})
	}
	dst.Close()

	if err := s.profiles.AddSample(ctx, person, wavPath, c.QueryParam("language")); err != nil {
		os.Remove(wavPath)
		return c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error:   "sample_rejected",
			Message: err.Error(),
		})
	}
	return c.JSON(http.StatusOK, person)
}

func (s *Server) promptMemories(c echo.Context) error {
	topK, _ := strconv.Atoi(c.QueryParam("limit"))
	contents, version, err := s.memories.PromptMemories(c.Request().Context(), uid(c), topK)
	if err != nil {
		s.logger.Error("Failed to build prompt memories", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error"})
	}
	return c.JSON(http.StatusOK, PromptMemoriesResponse{Memories: contents, Version: version})
}
