// Package notify is the inbound HTTP surface: external systems post messages
// here and the relay forwards them to the chat transport.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Notifier is the outbound side the server relays through.
type Notifier interface {
	Notify(ctx context.Context, chatID int64, text, parseMode string) (json.RawMessage, bool, error)
}

type sendMessageRequest struct {
	ChatID    int64  `json:"chat_id" binding:"required"`
	Text      string `json:"text" binding:"required"`
	ParseMode string `json:"parse_mode"`
}

// Server wraps the gin engine and its listener.
type Server struct {
	notifier Notifier
	logger   *slog.Logger
	engine   *gin.Engine
}

// New builds the server and its routes.
func New(notifier Notifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{notifier: notifier, logger: logger, engine: engine}

	engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "voicerelay is running"})
	})
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.POST("/send_message", s.handleSendMessage)

	return s
}

// Handler exposes the engine for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) handleSendMessage(c *gin.Context) {
	correlationID := uuid.NewString()
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.logger.Info("notify_request", "correlation_id", correlationID, "chat_id", req.ChatID, "text_len", len(req.Text))
	raw, retried, err := s.notifier.Notify(c.Request.Context(), req.ChatID, req.Text, req.ParseMode)
	if err != nil {
		s.logger.Warn("notify_request_error", "correlation_id", correlationID, "chat_id", req.ChatID, "error", err.Error())
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "format_retried": retried})
		return
	}
	// Echo the transport response verbatim.
	c.Data(http.StatusOK, "application/json", raw)
}

// Run serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("notify_server_start", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.logger.Info("notify_server_stop", "reason", "context_canceled")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
