// Package server exposes the engine state to display consumers over a
// loopback HTTP API: a JSON status endpoint, a manual-refresh trigger, a
// websocket push channel and a minimal HTML status page.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"quotawatch/internal/engine"
	"quotawatch/internal/quota"
	"quotawatch/internal/version"
)

// Server is the loopback status API. It reads engine snapshots on demand and
// relays engine updates to websocket consumers; it never mutates engine
// state except through RefreshNow.
type Server struct {
	eng  *engine.Engine
	hub  *Hub
	http *http.Server

	mu        sync.RWMutex
	nicknames map[string]string
}

// New builds the server. The listen address must resolve to a loopback host;
// anything else is rejected so the daemon can never be exposed beyond the
// local machine by a stray config edit.
func New(eng *engine.Engine, listen string, nicknames map[string]string) (*Server, error) {
	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		return nil, fmt.Errorf("server: listen %q is not host:port: %w", listen, err)
	}
	if !isLoopback(host) {
		return nil, fmt.Errorf("server: refusing non-loopback listen host %q", host)
	}

	s := &Server{
		eng:       eng,
		hub:       NewHub(),
		nicknames: normalizeNicknames(nicknames),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLog())
	s.registerRoutes(router)

	s.http = &http.Server{
		Addr:        listen,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: it would sever long-lived websocket connections.
	}
	return s, nil
}

func (s *Server) registerRoutes(router *gin.Engine) {
	router.GET("/", s.handleIndex)
	router.GET("/healthz", s.handleHealthz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/models", s.handleModels)
		api.POST("/refresh", s.handleRefresh)
	}

	router.GET("/ws", s.handleWebsocket)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Infof("server: listening on http://%s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.hub.Close()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return <-errCh
}

// URL returns the base address the server listens on.
func (s *Server) URL() string {
	return "http://" + s.http.Addr
}

// HandleUpdate relays an engine update to websocket consumers. Register it
// with Engine.OnUpdate before the engine starts.
func (s *Server) HandleUpdate(update engine.Update) {
	s.hub.Broadcast("status", s.view(update.Snapshot))
}

// NotifyLowQuota implements engine.Notifier by pushing a low_quota frame.
func (s *Server) NotifyLowQuota(status quota.GroupStatus) {
	s.hub.Broadcast("low_quota", groupView{
		GroupStatus:  status,
		WorstDisplay: s.displayName(status.WorstLabel),
	})
}

// ApplyNicknames swaps the display-name mapping, typically on config reload.
func (s *Server) ApplyNicknames(nicknames map[string]string) {
	normalized := normalizeNicknames(nicknames)
	s.mu.Lock()
	s.nicknames = normalized
	s.mu.Unlock()
}

type recordView struct {
	quota.ModelQuota
	DisplayName string `json:"displayName"`
	Percent     int    `json:"percent"`
}

type groupView struct {
	quota.GroupStatus
	WorstDisplay string `json:"worstDisplay,omitempty"`
}

type statusView struct {
	Version            string       `json:"version"`
	Groups             []groupView  `json:"groups"`
	Records            []recordView `json:"records"`
	LastError          string       `json:"lastError,omitempty"`
	Refreshing         bool         `json:"refreshing"`
	FetchedAt          time.Time    `json:"fetchedAt,omitempty"`
	NextRefreshSeconds int          `json:"nextRefreshSeconds"`
}

func (s *Server) view(snap engine.Snapshot) statusView {
	groups := make([]groupView, 0, len(snap.Groups))
	for _, status := range snap.Groups {
		groups = append(groups, groupView{
			GroupStatus:  status,
			WorstDisplay: s.displayName(status.WorstLabel),
		})
	}
	records := make([]recordView, 0, len(snap.Records))
	for _, record := range snap.Records {
		records = append(records, recordView{
			ModelQuota:  record,
			DisplayName: s.displayName(record.Label),
			Percent:     record.Percent(),
		})
	}
	remaining := int(time.Until(snap.NextRefresh).Round(time.Second).Seconds())
	if remaining < 0 {
		remaining = 0
	}
	return statusView{
		Version:            version.Version,
		Groups:             groups,
		Records:            records,
		LastError:          snap.LastError,
		Refreshing:         snap.Refreshing,
		FetchedAt:          snap.FetchedAt,
		NextRefreshSeconds: remaining,
	}
}

// displayName resolves a record label to its configured nickname, falling
// back to the label itself.
func (s *Server) displayName(label string) string {
	if label == "" {
		return ""
	}
	s.mu.RLock()
	nickname, ok := s.nicknames[quota.NormalizeLabel(label)]
	s.mu.RUnlock()
	if ok {
		return nickname
	}
	return label
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.view(s.eng.Snapshot()))
}

func (s *Server) handleModels(c *gin.Context) {
	snap := s.eng.Snapshot()
	records := make([]recordView, 0, len(snap.Records))
	for _, record := range snap.Records {
		records = append(records, recordView{
			ModelQuota:  record,
			DisplayName: s.displayName(record.Label),
			Percent:     record.Percent(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"models": records})
}

func (s *Server) handleRefresh(c *gin.Context) {
	// Detach from the request context so an impatient client disconnect
	// cannot cancel the fetch mid-flight.
	go s.eng.RefreshNow(context.Background())
	c.JSON(http.StatusAccepted, gin.H{"status": "refreshing"})
}

func (s *Server) handleWebsocket(c *gin.Context) {
	if err := s.hub.Upgrade(c.Writer, c.Request); err != nil {
		log.WithError(err).Debugf("server: websocket upgrade failed")
		return
	}
	// Seed the new client so it paints without waiting for the next tick.
	s.hub.Broadcast("status", s.view(s.eng.Snapshot()))
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version.Version})
}

func (s *Server) handleIndex(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(indexPage))
}

// requestLog tags every request with an id and writes one access line at
// debug level once the handler finishes.
func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := uuid.NewString()
		c.Header("X-Request-Id", requestID)
		started := time.Now()
		c.Next()
		log.Debugf("server: %s %s -> %d (%s) id=%s",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(),
			time.Since(started).Round(time.Microsecond), requestID)
	}
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func normalizeNicknames(nicknames map[string]string) map[string]string {
	normalized := make(map[string]string, len(nicknames))
	for label, nickname := range nicknames {
		normalized[quota.NormalizeLabel(label)] = nickname
	}
	return normalized
}
