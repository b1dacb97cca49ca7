package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// server bundles the services the handlers need. Everything is constructed
// once in main and injected; handlers hold no global state.
type server struct {
	cfg        *Config
	store      *Store
	council    *Council
	replicator *Replicator
	logger     *zap.Logger
}

func newLogger(debug bool) *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	level := zap.InfoLevel
	if debug {
		level = zap.DebugLevel
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		level,
	)
	return zap.New(core)
}

func main() {
	logger := newLogger(os.Getenv("DEBUG") == "true")
	defer logger.Sync()

	cfg, err := LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	var remote RemoteStore
	if cfg.GitHubEnabled {
		remote = NewGitHubRemote(cfg.GitHubAPIBase, cfg.GitHubRepo, cfg.GitHubBranch, cfg.GitHubToken, logger)
		logger.Info("remote sync enabled", zap.String("repo", cfg.GitHubRepo), zap.String("branch", cfg.GitHubBranch))
	} else {
		remote = NewDisabledRemote()
		logger.Info("remote sync disabled")
	}

	replicator := NewReplicator(remote, cfg.DataDir, logger)
	replicator.Start()
	defer replicator.Close()

	store := NewStore(cfg.DataDir, replicator, logger)
	client := NewOpenRouterClient(cfg.OpenRouterAPIURL, cfg.OpenRouterAPIKey, logger)
	council := NewCouncil(client, store, cfg, logger)

	srv := &server{cfg: cfg, store: store, council: council, replicator: replicator, logger: logger}
	router := srv.buildRouter()

	logger.Info("starting LLM Council backend", zap.String("port", cfg.Port))
	if err := router.Run(":" + cfg.Port); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}
}

func (s *server) buildRouter() *gin.Engine {
	router := gin.Default()

	// Request size limit middleware
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxRequestBodySize)
		c.Next()
	})

	// CORS middleware with dynamic origin validation
	router.Use(cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			// In production, use environment-configured origins
			if len(s.cfg.CORSAllowedOrigins) > 0 {
				for _, allowedOrigin := range s.cfg.CORSAllowedOrigins {
					if origin == allowedOrigin {
						return true
					}
				}
				return false
			}
			// In development, allow any localhost/127.0.0.1 origin
			return len(origin) > 0 && (len(origin) >= 16 && origin[:16] == "http://localhost" ||
				len(origin) >= 14 && origin[:14] == "http://127.0.0")
		},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "X-Client-ID"},
		AllowCredentials: true,
	}))

	router.GET("/", s.healthCheck)
	router.GET("/api/conversations", s.listConversationsHandler)
	router.POST("/api/conversations", s.createConversationHandler)
	router.GET("/api/conversations/:id", s.getConversationHandler)
	router.POST("/api/conversations/:id/message", s.sendMessageHandler)
	router.POST("/api/conversations/:id/message/stream", s.sendMessageStreamHandler)
	router.DELETE("/api/conversations/:id", s.deleteConversationHandler)
	router.PUT("/api/conversations/:id/title", s.updateTitleHandler)
	router.PUT("/api/conversations/:id/messages/:index/regenerate-stage3", s.regenerateStage3Handler)
	router.POST("/api/fetch-url", s.fetchURLHandler)

	return router
}

// ownerID extracts the opaque caller identity. Empty means unscoped.
func ownerID(c *gin.Context) string {
	return c.GetHeader("X-Client-ID")
}

// healthCheck returns a simple health check response.
// GET / - Returns service status information.
func (s *server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "LLM Council API",
	})
}

// listConversationsHandler lists conversations visible to the caller.
// GET /api/conversations - Returns array of conversation metadata sorted by date.
func (s *server) listConversationsHandler(c *gin.Context) {
	// Sweep remote-only records into the local tier for the next call;
	// this response serves from local only.
	s.replicator.ScheduleListSync()

	conversations, err := s.store.List(ownerID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to list conversations: %v", err),
		})
		return
	}
	c.JSON(http.StatusOK, conversations)
}

// createConversationHandler creates a new conversation owned by the caller.
// POST /api/conversations
func (s *server) createConversationHandler(c *gin.Context) {
	conversation, err := s.store.Create(ownerID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to create conversation: %v", err),
		})
		return
	}
	c.JSON(http.StatusOK, conversation)
}

// getConversationHandler gets a specific conversation by ID. A conversation
// owned by someone else is reported as not found, identical to a missing id.
// GET /api/conversations/:id
func (s *server) getConversationHandler(c *gin.Context) {
	conversation, err := s.store.Get(c.Param("id"), ownerID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to get conversation: %v", err),
		})
		return
	}
	if conversation == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		return
	}
	c.JSON(http.StatusOK, conversation)
}

// sendMessageHandler sends a message and runs the 3-stage council process.
// POST /api/conversations/:id/message - Runs full council and returns all stages at once.
// Use sendMessageStreamHandler for the SSE streaming version.
func (s *server) sendMessageHandler(c *gin.Context) {
	conversationID := c.Param("id")

	var request SendMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request: %v", err)})
		return
	}

	conversation, err := s.store.Get(conversationID, ownerID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to get conversation: %v", err)})
		return
	}
	if conversation == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		return
	}

	isFirstMessage := len(conversation.Messages) == 0
	historyContext := BuildHistoryContext(conversation)

	if err := s.store.AddUserMessage(conversationID, request.Content, request.QuotedItems, request.Files); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to add user message: %v", err)})
		return
	}

	// Title generation runs in the background so it never delays the answer.
	if isFirstMessage {
		go func() {
			title, err := s.council.GenerateTitle(context.Background(), request.Content, request.APIKey)
			if err != nil {
				s.logger.Warn("title generation failed", zap.Error(err))
				title = "New Conversation"
			}
			if err := s.store.UpdateTitle(conversationID, title); err != nil {
				s.logger.Warn("failed to store title", zap.Error(err))
			}
		}()
	}

	// Detached from the request context: an abandoned caller does not cancel
	// in-flight model calls, and the result is persisted regardless.
	result, err := s.council.Run(context.Background(), conversationID, request.Content, RunOptions{
		APIKey:         request.APIKey,
		CouncilModels:  request.CouncilModels,
		ChairmanModel:  request.ChairmanModel,
		HistoryContext: historyContext,
		Files:          request.Files,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Council process failed: %v", err)})
		return
	}
	c.JSON(http.StatusOK, result)
}

// sendMessageStreamHandler sends a message and streams the 3-stage council
// process via SSE.
// POST /api/conversations/:id/message/stream - Streams progress events as each stage completes.
// Events: stage1_start, stage1_complete, stage2_start, stage2_complete,
// stage3_start, stage3_complete, title_complete (first message only), complete.
func (s *server) sendMessageStreamHandler(c *gin.Context) {
	conversationID := c.Param("id")

	var request SendMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request: %v", err)})
		return
	}

	conversation, err := s.store.Get(conversationID, ownerID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to get conversation: %v", err)})
		return
	}
	if conversation == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	isFirstMessage := len(conversation.Messages) == 0
	historyContext := BuildHistoryContext(conversation)

	if err := s.store.AddUserMessage(conversationID, request.Content, request.QuotedItems, request.Files); err != nil {
		s.sendSSEEvent(c, CouncilEvent{Type: EventError, Message: fmt.Sprintf("Failed to add user message: %v", err)})
		return
	}

	events := s.council.RunStream(context.Background(), conversationID, request.Content, RunOptions{
		APIKey:         request.APIKey,
		CouncilModels:  request.CouncilModels,
		ChairmanModel:  request.ChairmanModel,
		HistoryContext: historyContext,
		Files:          request.Files,
		GenerateTitle:  isFirstMessage,
	})
	for event := range events {
		s.sendSSEEvent(c, event)
	}
}

// deleteConversationHandler deletes a conversation the caller owns.
// DELETE /api/conversations/:id
func (s *server) deleteConversationHandler(c *gin.Context) {
	conversationID := c.Param("id")

	conversation, err := s.store.Get(conversationID, ownerID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to get conversation: %v", err)})
		return
	}
	if conversation == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		return
	}

	deleted, err := s.store.Delete(conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to delete conversation: %v", err)})
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "Conversation deleted successfully"})
}

// updateTitleHandler sets the conversation title.
// PUT /api/conversations/:id/title
func (s *server) updateTitleHandler(c *gin.Context) {
	conversationID := c.Param("id")

	var request UpdateTitleRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request: %v", err)})
		return
	}

	conversation, err := s.store.Get(conversationID, ownerID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to get conversation: %v", err)})
		return
	}
	if conversation == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		return
	}

	if err := s.store.UpdateTitle(conversationID, request.Title); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to update title: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "title": request.Title})
}

// regenerateStage3Handler recomputes the chairman synthesis for a stored
// assistant message.
// PUT /api/conversations/:id/messages/:index/regenerate-stage3
func (s *server) regenerateStage3Handler(c *gin.Context) {
	conversationID := c.Param("id")
	messageIndex, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid message index"})
		return
	}

	var request RegenerateStage3Request
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request: %v", err)})
		return
	}

	stage3, err := s.council.RegenerateStage3(context.Background(), conversationID, messageIndex, ownerID(c), RunOptions{
		APIKey:        request.APIKey,
		ChairmanModel: request.ChairmanModel,
	})
	switch {
	case errors.Is(err, ErrConversationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		return
	case errors.Is(err, ErrMessageNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Message not found"})
		return
	case errors.Is(err, ErrNotAssistantMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot regenerate stage3 for this message"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to regenerate stage3: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "stage3_result": stage3})
}

// fetchURLHandler fetches and extracts readable content from a URL so the
// frontend can attach it as query context.
// POST /api/fetch-url - Body: {"url": "https://..."}
func (s *server) fetchURLHandler(c *gin.Context) {
	var request struct {
		URL string `json:"url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request: %v", err)})
		return
	}

	content, err := FetchURLContent(c.Request.Context(), request.URL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to fetch URL content: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"content": content})
}

// sendSSEEvent marshals an event and writes it in SSE framing.
func (s *server) sendSSEEvent(c *gin.Context, event CouncilEvent) {
	jsonData, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("failed to marshal SSE event", zap.Error(err))
		return
	}
	c.Writer.WriteString(fmt.Sprintf("data: %s\n\n", string(jsonData)))
	c.Writer.Flush()
}
