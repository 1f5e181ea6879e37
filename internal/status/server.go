// Package status serves a small read-only HTTP view of the running bot:
// a health probe and the list of live and recently closed sessions.
package status

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"

	"github.com/zulandar/parlor/internal/logging"
	"github.com/zulandar/parlor/internal/models"
	"github.com/zulandar/parlor/internal/session"
)

// RecordSource returns recent session audit records, newest first.
type RecordSource interface {
	Recent(ctx context.Context, limit int) ([]models.SessionRecord, error)
}

// StartOpts holds configuration for the status server.
type StartOpts struct {
	Addr    string
	Store   *session.Store
	Records RecordSource // optional
	Out     io.Writer
	Logger  *slog.Logger
}

// Start launches the status HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Addr == "" {
		return fmt.Errorf("status: addr is required")
	}
	if opts.Store == nil {
		return fmt.Errorf("status: store is required")
	}
	logger := logging.Component(opts.Logger, "status")

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           newRouter(opts.Store, opts.Records, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown", "err", tint.Err(err))
		}
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Status endpoint at http://%s\n", displayAddr(opts.Addr))
	}

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status: %w", err)
	}
	return nil
}

func displayAddr(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}

func newRouter(store *session.Store, records RecordSource, logger *slog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", handleHealth(store))
	router.GET("/sessions", handleSessions(store, records, logger))
	return router
}

// liveSession is the public view of a live session. Transcript text is never
// exposed.
type liveSession struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	PersonaID    string     `json:"persona"`
	ChannelID    string     `json:"channel_id"`
	State        string     `json:"state"`
	OpenedAt     time.Time  `json:"opened_at"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
	Turns        int        `json:"turns"`
}

type closedSession struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	PersonaID   string     `json:"persona"`
	Status      string     `json:"status"`
	CloseReason string     `json:"close_reason,omitempty"`
	Turns       int        `json:"turns"`
	OpenedAt    time.Time  `json:"opened_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

func handleHealth(store *session.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"sessions": store.Len(),
		})
	}
}

func handleSessions(store *session.Store, records RecordSource, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 20
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}

		live := make([]liveSession, 0)
		for _, s := range store.List() {
			ls := liveSession{
				ID:        s.ID,
				UserID:    s.UserID,
				PersonaID: s.PersonaID,
				ChannelID: s.ChannelID,
				State:     string(s.State),
				OpenedAt:  s.OpenedAt,
				Turns:     s.Turns(),
			}
			if last, ok := store.LastActivity(s.UserID); ok {
				ls.LastActivity = &last
			}
			live = append(live, ls)
		}

		resp := gin.H{"live": live}
		if records != nil {
			recs, err := records.Recent(c.Request.Context(), limit)
			if err != nil {
				logger.Error("load recent sessions", "err", tint.Err(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session history"})
				return
			}
			recent := make([]closedSession, len(recs))
			for i, r := range recs {
				recent[i] = closedSession{
					ID:          r.ID,
					UserID:      r.UserID,
					PersonaID:   r.PersonaID,
					Status:      r.Status,
					CloseReason: r.CloseReason,
					Turns:       r.Turns,
					OpenedAt:    r.OpenedAt,
					ClosedAt:    r.ClosedAt,
				}
			}
			resp["recent"] = recent
		}
		c.JSON(http.StatusOK, resp)
	}
}
