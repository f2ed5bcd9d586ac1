package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voiced/internal/app/capture"
	"github.com/dkeye/voiced/internal/app/voice"
	"github.com/dkeye/voiced/internal/config"
	"github.com/dkeye/voiced/internal/domain"
)

// Voice is the session surface the control API drives.
type Voice interface {
	Connect(ctx context.Context, channelID domain.ChannelID, serverID domain.ServerID) error
	Disconnect()
	SetMuted(muted bool)
	SetDeafened(deafened bool)
	State() domain.SessionState
	Users() []domain.VoiceUser
	Subscribe() (<-chan voice.Snapshot, func())
}

// Devices lists and selects the capture input.
type Devices interface {
	List() ([]capture.DeviceInfo, error)
	Select(id string) error
}

const (
	sessionName   = "VoiceSessions"
	keyChannel    = "channel_id"
	keyServer     = "server_id"
	requestHeader = "X-Request-ID"
	sessionMaxAge = 30 * 24 * 60 * 60

	connectLimit  = 10
	connectWindow = 10 * time.Second
)

func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(requestHeader, id)
		c.Set("request_id", id)
		start := time.Now()
		c.Next()
		log.Debug().
			Str("module", "adapters.http").
			Str("request_id", id).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

// SetupRouter builds the control API. The device routes are only mounted
// when devices is non-nil.
func SetupRouter(cfg *config.Config, v Voice, devices Devices) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	// Secure only in release; the control API is usually plain HTTP on localhost.
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   sessionMaxAge,
		HttpOnly: true,
		Secure:   cfg.Mode == "release",
		SameSite: http.SameSiteLaxMode,
	})
	r.Use(sessions.Sessions(sessionName, store))
	r.Use(RequestIDMiddleware())

	h := &handlers{voice: v, devices: devices}
	joins := Limit(NewRateLimiter(connectLimit, connectWindow))
	api := r.Group("/api/voice")
	api.POST("/connect", joins, h.connect)
	api.POST("/disconnect", h.disconnect)
	api.POST("/retry", joins, h.retry)
	api.PUT("/mute", h.mute)
	api.PUT("/deafen", h.deafen)
	api.GET("/state", h.state)
	api.GET("/users", h.users)
	api.GET("/events", h.events)
	if devices != nil {
		api.GET("/devices", h.listDevices)
		api.PUT("/devices/input", h.selectDevice)
	}

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}

type handlers struct {
	voice   Voice
	devices Devices
}

type connectRequest struct {
	ChannelID domain.ChannelID `json:"channel_id" binding:"required"`
	ServerID  domain.ServerID  `json:"server_id"`
}

func (h *handlers) connect(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid channel_id"})
		return
	}
	s := sessions.Default(c)
	s.Set(keyChannel, string(req.ChannelID))
	s.Set(keyServer, string(req.ServerID))
	if err := s.Save(); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Msg("save session")
	}
	h.join(c, req.ChannelID, req.ServerID)
}

// retry reconnects to the channel remembered for this client, or to the
// channel of a failed session.
func (h *handlers) retry(c *gin.Context) {
	s := sessions.Default(c)
	channel, _ := s.Get(keyChannel).(string)
	server, _ := s.Get(keyServer).(string)
	if channel == "" {
		if st := h.voice.State(); st.State == domain.StateFailed {
			channel, server = string(st.ChannelID), string(st.ServerID)
		}
	}
	if channel == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no channel to retry"})
		return
	}
	h.join(c, domain.ChannelID(channel), domain.ServerID(server))
}

func (h *handlers) join(c *gin.Context, channel domain.ChannelID, server domain.ServerID) {
	if err := h.voice.Connect(c.Request.Context(), channel, server); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Str("request_id", c.GetString("request_id")).Msg("connect failed")
		c.JSON(statusOf(err), gin.H{"error": err.Error(), "session": h.voice.State()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": h.voice.State(), "users": h.voice.Users()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, voice.ErrNoChannel):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrMediaUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrConnectTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrUplinkLost), errors.Is(err, domain.ErrSignalingFailure), errors.Is(err, domain.ErrTokenExpired):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrConnectAborted), errors.Is(err, context.Canceled):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *handlers) disconnect(c *gin.Context) {
	h.voice.Disconnect()
	c.Status(http.StatusNoContent)
}

func (h *handlers) mute(c *gin.Context) {
	var req struct {
		Muted *bool `json:"muted" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing muted"})
		return
	}
	h.voice.SetMuted(*req.Muted)
	c.JSON(http.StatusOK, h.voice.State())
}

func (h *handlers) deafen(c *gin.Context) {
	var req struct {
		Deafened *bool `json:"deafened" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing deafened"})
		return
	}
	h.voice.SetDeafened(*req.Deafened)
	c.JSON(http.StatusOK, h.voice.State())
}

func (h *handlers) state(c *gin.Context) {
	c.JSON(http.StatusOK, h.voice.State())
}

func (h *handlers) users(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"users": h.voice.Users()})
}

// events streams every published snapshot until the client goes away.
func (h *handlers) events(c *gin.Context) {
	feed, cancel := h.voice.Subscribe()
	defer cancel()
	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case snap, ok := <-feed:
			if !ok {
				return false
			}
			c.SSEvent("snapshot", snap)
			return true
		case <-ctx.Done():
			return false
		}
	})
}

func (h *handlers) listDevices(c *gin.Context) {
	devices, err := h.devices.List()
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("list devices")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

// selectDevice switches the input used by the next connect.
func (h *handlers) selectDevice(c *gin.Context) {
	var req struct {
		ID string `json:"id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing id"})
		return
	}
	if err := h.devices.Select(req.ID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, capture.ErrUnknownDevice) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	h.listDevices(c)
}
