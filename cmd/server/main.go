package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/arturoeanton/go-doc-talk-ollama/internal/adapter/ai"
	"github.com/arturoeanton/go-doc-talk-ollama/internal/adapter/extract"
	"github.com/arturoeanton/go-doc-talk-ollama/internal/adapter/store"
	"github.com/arturoeanton/go-doc-talk-ollama/internal/handler"
	"github.com/arturoeanton/go-doc-talk-ollama/internal/mcp"
	"github.com/arturoeanton/go-doc-talk-ollama/internal/middleware"
	"github.com/arturoeanton/go-doc-talk-ollama/internal/port"
	"github.com/arturoeanton/go-doc-talk-ollama/internal/service"
	"github.com/arturoeanton/go-doc-talk-ollama/pkg/config"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/joho/godotenv"
)

func main() {
	// ── Load .env file ───────────────────────────────────────────────────
	_ = godotenv.Load() // silently ignore if .env doesn't exist

	// ── Configuration ────────────────────────────────────────────────────
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("🚀 Starting DocTalk",
		"port", cfg.Port,
		"ollama_embed", cfg.OllamaEmbedURL,
		"ollama_chat", cfg.OllamaChatURL,
		"vector_backend", cfg.VectorBackend,
		"mcp_enabled", cfg.MCPEnabled,
	)

	// ── Storage ──────────────────────────────────────────────────────────
	sessionStore, err := store.NewSQLiteStore(cfg.SessionDBPath)
	if err != nil {
		slog.Error("failed to open session database", "error", err)
		os.Exit(1)
	}
	defer sessionStore.Close()

	cache, err := store.NewFSCache(cfg.CacheDir)
	if err != nil {
		slog.Error("failed to open document cache", "error", err)
		os.Exit(1)
	}

	// ── Adapters ─────────────────────────────────────────────────────────
	ollamaAI := ai.NewOllamaProvider(
		ai.OllamaEndpointConfig{
			BaseURL: cfg.OllamaEmbedURL,
			Model:   cfg.OllamaEmbedModel,
			Token:   cfg.OllamaEmbedToken,
		},
		ai.OllamaEndpointConfig{
			BaseURL: cfg.OllamaChatURL,
			Model:   cfg.OllamaChatModel,
			Token:   cfg.OllamaChatToken,
		},
	)

	extractors := []port.TextExtractor{
		extract.NewPlaintextExtractor(),
	}

	// Optional pgvector backend; the flat index stays authoritative.
	var searcher port.ChunkSearcher
	if cfg.VectorBackend == "pgvector" {
		pgStore, err := store.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pgStore.Close()

		searcher, err = store.NewPgVectorSearcher(pgStore, cfg.EmbeddingDimension)
		if err != nil {
			slog.Error("failed to initialize pgvector backend", "error", err)
			os.Exit(1)
		}
	}

	// ── Services ─────────────────────────────────────────────────────────
	retrievalService, err := service.NewRetrievalService(ollamaAI, cache, searcher, service.RetrievalConfig{
		WindowWords:  cfg.ChunkWindowWords,
		OverlapWords: cfg.ChunkOverlapWords,
		TopK:         cfg.TopKResults,
	})
	if err != nil {
		slog.Error("invalid retrieval configuration", "error", err)
		os.Exit(1)
	}

	conversationManager, err := service.NewConversationManager(sessionStore, service.ConversationConfig{
		MaxTurns:        cfg.MaxConversationTurns,
		MaxContextWords: cfg.MaxContextWords,
	})
	if err != nil {
		slog.Error("invalid conversation configuration", "error", err)
		os.Exit(1)
	}

	streamService := service.NewStreamService(ollamaAI, conversationManager)

	// ── Fiber App ────────────────────────────────────────────────────────
	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // token streams outlive normal responses
		BodyLimit:    cfg.MaxUploadBytes,
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: []string{cfg.FrontendURL},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
	}))

	// Audit middleware (logs all requests)
	app.Use(middleware.AuditMiddleware(sessionStore))

	// Health check
	app.Get("/api/v1/health", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":   "healthy",
			"app":      cfg.AppName,
			"version":  "1.0.0",
			"embedder": ollamaAI.EmbedderID(),
			"model":    ollamaAI.ModelName(),
		})
	})

	// ── Routes ───────────────────────────────────────────────────────────
	api := app.Group("/api/v1")

	documentHandler := handler.NewDocumentHandler(retrievalService, extractors, cfg.MaxUploadBytes)
	documentHandler.Register(api)

	queryHandler := handler.NewQueryHandler(retrievalService, conversationManager, streamService)
	queryHandler.Register(api)

	sessionHandler := handler.NewSessionHandler(conversationManager)
	sessionHandler.Register(api)

	// ── MCP Server (separate port) ───────────────────────────────────────
	if cfg.MCPEnabled {
		mcpServer := mcp.NewServer(retrievalService, conversationManager, streamService, cfg.MCPPort)
		go func() {
			if err := mcpServer.Start(); err != nil {
				slog.Error("MCP server failed", "error", err)
			}
		}()
	}

	// ── Start ────────────────────────────────────────────────────────────
	slog.Info("🌐 Fiber listening", "port", cfg.Port)
	if err := app.Listen(":" + cfg.Port); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}
