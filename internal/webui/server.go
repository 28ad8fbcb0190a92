// Package webui serves the HTTP API and websocket progress stream for a
// running engine: status, manual runs, settings overrides and credential
// management, behind a stored password.
package webui

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/seekarr/seekarr/internal/config"
	"github.com/seekarr/seekarr/internal/engine"
	"github.com/seekarr/seekarr/internal/logger"
	"github.com/seekarr/seekarr/internal/scheduler"
	"github.com/seekarr/seekarr/internal/store"
	"github.com/seekarr/seekarr/internal/timeutil"
)

// BootstrapPasswordEnv seeds the admin password on first start.
const BootstrapPasswordEnv = "SEEKARR_WEBUI_PASSWORD"

// Server exposes the engine over HTTP.
type Server struct {
	echo *echo.Echo
	eng  *engine.Engine
	hub  *Hub
	log  zerolog.Logger

	runMu   *sync.Mutex
	logTail *logger.LogTail
	mu      sync.Mutex
	running bool
	autorun *scheduler.Supervisor
}

// NewServer wires the routes over a started engine. runMu is the shared run
// lock; manual runs and the autorun loops contend on it.
func NewServer(eng *engine.Engine, runMu *sync.Mutex, log zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:  e,
		eng:   eng,
		hub:   NewHub(),
		log:   log.With().Str("component", "webui").Logger(),
		runMu: runMu,
	}
	go s.hub.Run()

	s.setupMiddleware()
	s.setupRoutes()
	s.bootstrapPasswordFromEnv()
	return s
}

func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestID())
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogMethod:   true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			event := s.log.Debug()
			if v.Error != nil {
				event = s.log.Error().Err(v.Error)
			}
			event.
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	}))
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	api := s.echo.Group("/api")
	api.GET("/auth/status", s.authStatus)
	api.POST("/auth/bootstrap", s.authBootstrap)

	protected := api.Group("", s.requirePassword)
	protected.GET("/status", s.getStatus)
	protected.POST("/run", s.startRun)
	protected.POST("/run_instance", s.startInstanceRun)
	protected.POST("/autorun", s.setAutorun)
	protected.GET("/history", s.getInstanceHistory)
	protected.GET("/settings", s.getSettings)
	protected.POST("/settings", s.updateSettings)
	protected.POST("/credentials/clear", s.clearCredentials)
	protected.GET("/logs", s.getLogs)

	s.echo.GET("/ws", s.hub.HandleWebSocket, s.requirePassword)
}

// SetLogTail attaches the in-memory log tail. Buffered entries serve GET
// /api/logs and new entries stream to websocket clients.
func (s *Server) SetLogTail(tail *logger.LogTail) {
	s.logTail = tail
	if tail != nil {
		tail.SetHub(s.hub)
	}
}

func (s *Server) getLogs(c echo.Context) error {
	if s.logTail == nil {
		return c.JSON(http.StatusOK, []logger.LogEntry{})
	}
	return c.JSON(http.StatusOK, s.logTail.Recent())
}

// bootstrapPasswordFromEnv sets the admin password from the environment when
// none is stored yet.
func (s *Server) bootstrapPasswordFromEnv() {
	password := os.Getenv(BootstrapPasswordEnv)
	if password == "" {
		return
	}
	ctx := context.Background()
	if _, set, err := s.eng.Store().WebUIPasswordHash(ctx); err != nil || set {
		return
	}
	if len(password) < MinPasswordLength {
		s.log.Warn().Msgf("%s is shorter than %d characters, ignoring", BootstrapPasswordEnv, MinPasswordLength)
		return
	}
	hash, err := HashPassword(password)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to hash bootstrap password")
		return
	}
	if err := s.eng.Store().SetWebUIPasswordHash(ctx, hash); err != nil {
		s.log.Error().Err(err).Msg("failed to store bootstrap password")
		return
	}
	s.log.Info().Msgf("admin password set from %s", BootstrapPasswordEnv)
}

// Start listens on addr and blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.log.Info().Str("addr", addr).Msg("web UI listening")
	return s.echo.Start(addr)
}

// Shutdown stops the autorun loops and the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	sup := s.autorun
	s.autorun = nil
	s.mu.Unlock()
	if sup != nil {
		sup.Stop()
	}
	return s.echo.Shutdown(ctx)
}

// requirePassword accepts the stored password via HTTP Basic (any username)
// or the X-Seekarr-Password header.
func (s *Server) requirePassword(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		hash, set, err := s.eng.Store().WebUIPasswordHash(c.Request().Context())
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		if !set {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error": "no password set, bootstrap one via POST /api/auth/bootstrap",
			})
		}

		password := c.Request().Header.Get("X-Seekarr-Password")
		if password == "" {
			if _, basic, ok := c.Request().BasicAuth(); ok {
				password = basic
			}
		}
		if password == "" || !VerifyPassword(password, hash) {
			c.Response().Header().Set("WWW-Authenticate", `Basic realm="seekarr"`)
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid password"})
		}
		return next(c)
	}
}

func (s *Server) authStatus(c echo.Context) error {
	_, set, err := s.eng.Store().WebUIPasswordHash(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]bool{"password_set": set})
}

func (s *Server) authBootstrap(c echo.Context) error {
	var body struct {
		Password string `json:"password"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if len(body.Password) < MinPasswordLength {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("password must be at least %d characters", MinPasswordLength),
		})
	}

	ctx := c.Request().Context()
	if _, set, err := s.eng.Store().WebUIPasswordHash(ctx); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	} else if set {
		return c.JSON(http.StatusConflict, map[string]string{"error": "password already set"})
	}

	hash, err := HashPassword(body.Password)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if err := s.eng.Store().SetWebUIPasswordHash(ctx, hash); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]bool{"password_set": true})
}

func (s *Server) getStatus(c echo.Context) error {
	ctx := c.Request().Context()
	st := s.eng.Store()

	statuses, err := st.SyncStatuses(ctx)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	runs, err := st.RecentRuns(ctx, 20)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	actions, err := st.RecentSearchActionsGlobal(ctx, 50)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	heartbeat, _, err := st.SchedulerHeartbeat(ctx)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	s.mu.Lock()
	running := s.running
	autorun := s.autorun != nil
	tasks := []scheduler.TaskInfo{}
	if s.autorun != nil {
		tasks = s.autorun.Tasks()
	}
	s.mu.Unlock()

	return c.JSON(http.StatusOK, map[string]any{
		"server_time":         timeutil.NowUTC(),
		"running":             running,
		"autorun":             autorun,
		"tasks":               tasks,
		"scheduler_heartbeat": heartbeat,
		"sync_status":         statuses,
		"recent_runs":         runs,
		"recent_actions":      actions,
		"ws_clients":          s.hub.ClientCount(),
	})
}

// getInstanceHistory returns the run and search history for one instance.
func (s *Server) getInstanceHistory(c echo.Context) error {
	appType := c.QueryParam("app_type")
	if appType != "radarr" && appType != "sonarr" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "app_type must be radarr or sonarr"})
	}
	instanceID, err := strconv.Atoi(c.QueryParam("instance_id"))
	if err != nil || instanceID < 1 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "instance_id must be a positive integer"})
	}

	ctx := c.Request().Context()
	st := s.eng.Store()
	last, err := st.LastInstanceRun(ctx, appType, instanceID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	runs, err := st.RecentInstanceRuns(ctx, appType, instanceID, 20)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	actions, err := st.RecentSearchActions(ctx, appType, instanceID, 50)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"app_type":       appType,
		"instance_id":    instanceID,
		"last_run":       last,
		"recent_runs":    runs,
		"recent_actions": actions,
	})
}

// startRun launches a forced full cycle in the background.
func (s *Server) startRun(c echo.Context) error {
	if !s.beginRun() {
		return c.JSON(http.StatusConflict, map[string]string{"error": "a run is already in progress"})
	}
	go func() {
		defer s.endRun()
		if _, err := s.eng.RunCycle(context.Background(), true, s.hub.BroadcastEvent); err != nil {
			s.log.Error().Err(err).Msg("manual cycle failed")
		}
	}()
	return c.JSON(http.StatusAccepted, map[string]string{"status": "started"})
}

// startInstanceRun launches a forced run of one instance in the background.
func (s *Server) startInstanceRun(c echo.Context) error {
	var body struct {
		AppType    string `json:"app_type"`
		InstanceID int    `json:"instance_id"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if body.AppType != "radarr" && body.AppType != "sonarr" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "app_type must be radarr or sonarr"})
	}

	if !s.beginRun() {
		return c.JSON(http.StatusConflict, map[string]string{"error": "a run is already in progress"})
	}
	go func() {
		defer s.endRun()
		if _, err := s.eng.RunInstance(context.Background(), body.AppType, body.InstanceID, true, s.hub.BroadcastEvent); err != nil {
			s.log.Error().Err(err).
				Str("app", body.AppType).
				Int("instance_id", body.InstanceID).
				Msg("manual instance run failed")
		}
	}()
	return c.JSON(http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) beginRun() bool {
	if !s.runMu.TryLock() {
		return false
	}
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	return true
}

func (s *Server) endRun() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.runMu.Unlock()
}

// setAutorun starts or stops the background supervisor loops.
func (s *Server) setAutorun(c echo.Context) error {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if body.Enabled && s.autorun == nil {
		sup, err := scheduler.New(s.eng, s.log, s.runMu, s.hub.BroadcastEvent)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		sup.Start(false)
		s.autorun = sup
	}
	if !body.Enabled && s.autorun != nil {
		sup := s.autorun
		s.autorun = nil
		// Stop outside the state lock; loops may be mid-cycle.
		s.mu.Unlock()
		sup.Stop()
		s.mu.Lock()
	}
	return c.JSON(http.StatusOK, map[string]bool{"autorun": s.autorun != nil})
}

type instanceSettingsView struct {
	AppType      string                 `json:"app_type"`
	InstanceID   int                    `json:"instance_id"`
	InstanceName string                 `json:"instance_name"`
	URL          string                 `json:"url"`
	HasAPIKey    bool                   `json:"has_api_key"`
	Overrides    store.InstanceSettings `json:"overrides"`
}

func (s *Server) getSettings(c echo.Context) error {
	ctx := c.Request().Context()
	st := s.eng.Store()
	cfg := s.eng.Config()

	appSettings, err := st.AppSettings(ctx)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	var instances []instanceSettingsView
	collect := func(appType string, pool []config.InstanceConfig) error {
		for _, inst := range pool {
			overrides, err := st.InstanceSettings(ctx, appType, inst.InstanceID)
			if err != nil {
				return err
			}
			hasKey, err := st.HasArrAPIKey(ctx, appType, inst.InstanceID)
			if err != nil {
				return err
			}
			instances = append(instances, instanceSettingsView{
				AppType:      appType,
				InstanceID:   inst.InstanceID,
				InstanceName: inst.InstanceName,
				URL:          inst.Arr.URL,
				HasAPIKey:    hasKey,
				Overrides:    overrides,
			})
		}
		return nil
	}
	if err := collect("radarr", cfg.Radarr); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if err := collect("sonarr", cfg.Sonarr); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"app": map[string]any{
			"quiet_hours_timezone":         appSettings.QuietHoursTimezone,
			"quiet_hours_timezone_default": cfg.App.QuietHoursTimezone,
			"quiet_hours_start_default":    cfg.App.QuietHoursStart,
			"quiet_hours_end_default":      cfg.App.QuietHoursEnd,
		},
		"instances": instances,
	})
}

type settingsUpdate struct {
	App *struct {
		QuietHoursTimezone *string `json:"quiet_hours_timezone"`
	} `json:"app"`
	Instances []struct {
		AppType    string                 `json:"app_type"`
		InstanceID int                    `json:"instance_id"`
		Overrides  store.InstanceSettings `json:"overrides"`
		APIKey     *string                `json:"api_key"`
	} `json:"instances"`
}

func (s *Server) updateSettings(c echo.Context) error {
	var body settingsUpdate
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	ctx := c.Request().Context()
	st := s.eng.Store()

	if body.App != nil {
		if err := st.SetAppSettings(ctx, store.AppSettings{QuietHoursTimezone: body.App.QuietHoursTimezone}); err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
	}
	for _, inst := range body.Instances {
		if inst.AppType != "radarr" && inst.AppType != "sonarr" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "app_type must be radarr or sonarr"})
		}
		if err := st.SetInstanceSettings(ctx, inst.AppType, inst.InstanceID, inst.Overrides); err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		if inst.APIKey != nil && strings.TrimSpace(*inst.APIKey) != "" {
			if err := st.SetArrAPIKey(ctx, inst.AppType, inst.InstanceID, strings.TrimSpace(*inst.APIKey)); err != nil {
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
			}
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "saved"})
}

func (s *Server) clearCredentials(c echo.Context) error {
	var body struct {
		AppType    string `json:"app_type"`
		InstanceID int    `json:"instance_id"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if body.AppType != "radarr" && body.AppType != "sonarr" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "app_type must be radarr or sonarr"})
	}
	if err := s.eng.Store().ClearArrAPIKey(c.Request().Context(), body.AppType, body.InstanceID); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "cleared"})
}
