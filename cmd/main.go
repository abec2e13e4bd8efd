package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/sonara-ai/sonara/server/adapters/geocode"
	"github.com/sonara-ai/sonara/server/adapters/llm"
	"github.com/sonara-ai/sonara/server/adapters/mongo"
	"github.com/sonara-ai/sonara/server/adapters/pgvector"
	"github.com/sonara-ai/sonara/server/adapters/stt"
	"github.com/sonara-ai/sonara/server/adapters/vad"
	"github.com/sonara-ai/sonara/server/adapters/voice"
	"github.com/sonara-ai/sonara/server/domain/repositories"
	"github.com/sonara-ai/sonara/server/internal/api"
	"github.com/sonara-ai/sonara/server/internal/auth"
	"github.com/sonara-ai/sonara/server/internal/config"
	"github.com/sonara-ai/sonara/server/internal/kv"
	"github.com/sonara-ai/sonara/server/internal/saga"
	"github.com/sonara-ai/sonara/server/internal/speaker"
	"github.com/sonara-ai/sonara/server/internal/websocket"
	"github.com/sonara-ai/sonara/server/usecase"
)

func main() {
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := newLogger(cfg.Log)
	defer logger.Sync()

	uploadDir := filepath.Join(cfg.Storage.DataDir, "uploads")
	photoDir := filepath.Join(cfg.Storage.DataDir, "photos")
	for _, dir := range []string{uploadDir, photoDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Fatal("Failed to create data directory", zap.String("dir", dir), zap.Error(err))
		}
	}

	// Persistence.
	mongoClient, err := mongo.NewClient(cfg.Mongo.URI, cfg.Mongo.Database, logger)
	if err != nil {
		logger.Fatal("Failed to connect to MongoDB", zap.Error(err))
	}
	conversationRepo := mongo.NewConversationRepository(mongoClient.Database, logger)
	memoryRepo := mongo.NewMemoryRepository(mongoClient.Database, logger)
	personRepo := mongo.NewPersonRepository(mongoClient.Database, logger)
	calendarRepo := mongo.NewCalendarRepository(mongoClient.Database, logger)
	profileRepo := mongo.NewSpeechProfileRepository(mongoClient.Database, logger)

	vectorStore, err := pgvector.NewStore(cfg.Vector.DSN, cfg.Vector.Dims, logger)
	if err != nil {
		logger.Fatal("Failed to connect to pgvector", zap.Error(err))
	}

	// Model adapters.
	ctx := context.Background()
	gemini, err := llm.NewGeminiLLM(ctx, cfg.LLM.GeminiAPIKey, cfg.LLM.Model, cfg.LLM.EmbeddingModel, logger)
	if err != nil {
		logger.Fatal("Failed to create Gemini client", zap.Error(err))
	}

	speechToText := buildSTT(cfg.STT, logger)
	detector := vad.New(cfg.VAD.Endpoint, cfg.VAD.Threshold, logger)
	geocoder := geocode.New(cfg.Geocoding.Endpoint, cfg.Geocoding.APIKey, logger)

	var voices repositories.VoiceEmbedder
	if voiceClient := voice.New(cfg.Voice.EmbedEndpoint, logger); voiceClient.Enabled() {
		voices = voiceClient
	}

	// Coordination and pipeline services.
	store := kv.NewStore()
	resolver := speaker.NewResolver(personRepo, gemini, cfg.Pipeline.SpeakerMatchThreshold, logger)
	profiles := speaker.NewProfileManager(personRepo, speechToText, detector, voices, store, logger)
	runner := saga.NewRunner(logger, 5*time.Minute)

	memoryService := usecase.NewMemoryService(
		memoryRepo, conversationRepo, vectorStore, gemini, gemini, store, cfg.Pipeline, logger)

	hub := websocket.NewHub(nil, speechToText, detector, logger)
	conversationService := usecase.NewConversationService(
		conversationRepo, calendarRepo, store, gemini, geocoder, resolver,
		memoryService, runner, hub, hub, nil, cfg.Pipeline, logger)
	hub.SetConversationService(conversationService)
	go hub.Run()

	postprocessService := usecase.NewPostprocessService(
		conversationRepo, profileRepo, speechToText, detector, voices,
		resolver, memoryService, cfg.Pipeline, logger)

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)

	// HTTP surface.
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	server := api.NewServer(hub, verifier, conversationService, memoryService,
		postprocessService, personRepo, profiles, uploadDir, photoDir, logger)
	server.InitRoutes(e)

	addr := cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port)
	go func() {
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server stopped", zap.Error(err))
		}
	}()
	logger.Info("Server started", zap.String("addr", addr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Server is shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Forced shutdown", zap.Error(err))
	}
	if err := vectorStore.Close(); err != nil {
		logger.Error("Failed to close pgvector store", zap.Error(err))
	}
	if err := mongoClient.Close(shutdownCtx); err != nil {
		logger.Error("Failed to close MongoDB", zap.Error(err))
	}
	logger.Info("Server exited")
}

func newLogger(cfg config.LogConfig) *zap.Logger {
	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	if level, err := zap.ParseAtomicLevel(cfg.Level); err == nil {
		zc.Level = level
	}
	logger, err := zc.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

// buildSTT assembles the provider chain: primary with fallback when a
// Deepgram key is configured, primary alone otherwise.
func buildSTT(cfg config.STTConfig, logger *zap.Logger) repositories.SpeechToText {
	google := stt.NewGoogle(logger)
	if cfg.DeepgramAPIKey == "" {
		return google
	}
	deepgram := stt.NewDeepgram(cfg.DeepgramAPIKey, cfg.DeepgramModel, logger)

	primary, fallback := repositories.SpeechToText(google), repositories.SpeechToText(deepgram)
	if cfg.Primary == "deepgram" {
		primary, fallback = fallback, primary
	}
	return stt.NewWithFallback(primary, fallback, cfg.FallbackGrace, logger)
}
