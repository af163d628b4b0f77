package http

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/beacon/backend/model"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	Authenticator interface {
		Verify(token string) (model.User, error)
	}

	// RoomReader exposes read-only room snapshots.
	RoomReader interface {
		GetRoom(roomID string) (model.Room, error)
	}

	StatsProvider interface {
		Stats() (rooms int, shares int)
	}

	ICEServer struct {
		URLs       []string `json:"urls"`
		Username   string   `json:"username,omitempty"`
		Credential string   `json:"credential,omitempty"`
	}

	GenericResponse struct {
		Message string `json:"message,omitempty"`
		Error   string `json:"error,omitempty"`
		Data    any    `json:"data,omitempty"`
	}

	Config struct {
		Logger        *zerolog.Logger
		Authenticator Authenticator
		Rooms         RoomReader
		Stats         StatsProvider
		ICEServers    []ICEServer
		ListenAddr    string
	}

	Server struct {
		logger     zerolog.Logger
		auth       Authenticator
		rooms      RoomReader
		stats      StatsProvider
		iceServers []ICEServer
		*http.Server
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:     cfg.Logger.With().Str("component", "api-server").Logger(),
		auth:       cfg.Authenticator,
		rooms:      cfg.Rooms,
		stats:      cfg.Stats,
		iceServers: cfg.ICEServers,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(&srv.logger), corsMiddleware())

	api := r.Group("/api")
	api.GET("/health", srv.health)

	authed := api.Group("", srv.authMiddleware())
	authed.GET("/ice-servers", srv.listICEServers)
	authed.GET("/rooms/:id", srv.getRoom)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		h.Set("Access-Control-Max-Age", "86400")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func requestLogger(logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

func (srv *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := srv.auth.Verify(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, &GenericResponse{Error: err.Error()})
			return
		}
		c.Set("user", user)
		c.Next()
	}
}

func (srv *Server) health(c *gin.Context) {
	data := gin.H{}
	if srv.stats != nil {
		rooms, shares := srv.stats.Stats()
		data["rooms"] = rooms
		data["shares"] = shares
	}
	c.JSON(http.StatusOK, &GenericResponse{Message: "OK", Data: data})
}

func (srv *Server) listICEServers(c *gin.Context) {
	servers := srv.iceServers
	if servers == nil {
		servers = []ICEServer{}
	}
	c.JSON(http.StatusOK, &GenericResponse{Data: servers})
}

// getRoom returns a room snapshot to its members only.
func (srv *Server) getRoom(c *gin.Context) {
	user := c.MustGet("user").(model.User)
	room, err := srv.rooms.GetRoom(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, &GenericResponse{Error: err.Error()})
		return
	}
	if _, ok := room.Member(user.ID); !ok {
		c.JSON(http.StatusForbidden, &GenericResponse{Error: "not a member of this room"})
		return
	}
	srv.logger.Trace().Str("roomID", room.ID).Str("userID", user.ID).Msg("room snapshot served")
	c.JSON(http.StatusOK, &GenericResponse{Data: room})
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
