package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/stellarlinkco/orion/internal/dispatch"
	"github.com/stellarlinkco/orion/internal/intent"
	"github.com/stellarlinkco/orion/internal/scheduler"
)

const apiChannel = "api"

type commandRequest struct {
	Command string `json:"command"`
}

type commandResponse struct {
	Success        bool          `json:"success"`
	Message        string        `json:"message"`
	Intent         intent.Intent `json:"intent"`
	Action         string        `json:"action,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
	ProcessingTime float64       `json:"processing_time"`
}

type statusResponse struct {
	Assistant        string    `json:"assistant"`
	AIConnected      bool      `json:"ai_connected"`
	WeatherEnabled   bool      `json:"weather_enabled"`
	DurableTimers    bool      `json:"durable_timers"`
	ActiveTimers     int       `json:"active_timers"`
	StopwatchRunning bool      `json:"stopwatch_running"`
	Channels         []string  `json:"channels"`
	Timestamp        time.Time `json:"timestamp"`
}

type timersResponse struct {
	Success bool              `json:"success"`
	Timers  []scheduler.Entry `json:"timers"`
}

type historyResponse struct {
	Success  bool                `json:"success"`
	Messages []dispatch.Exchange `json:"messages"`
}

// APIHandler serves the JSON API used by the web console.
func (g *Gateway) APIHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route("/api", func(r chi.Router) {
		r.Post("/process-command", g.handleCommand)
		r.Get("/status", g.handleStatus)
		r.Get("/timers", g.handleTimers)
		r.Get("/chat/history", g.handleHistory)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (g *Gateway) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Command) == "" {
		writeJSON(w, http.StatusBadRequest, commandResponse{
			Success:   false,
			Message:   "No command provided",
			Intent:    intent.Error,
			Timestamp: g.now().UTC(),
		})
		return
	}

	started := time.Now()
	resp := g.dispatcher.HandleFrom(r.Context(), dispatch.Source{Channel: apiChannel}, req.Command)
	out := commandResponse{
		Success:        resp.Success,
		Message:        resp.Message,
		Intent:         resp.Intent,
		Timestamp:      g.now().UTC(),
		ProcessingTime: time.Since(started).Seconds(),
	}
	if resp.Action != dispatch.ActionNone {
		out.Action = resp.Action.String()
	}
	writeJSON(w, http.StatusOK, out)

	if resp.Action == dispatch.ActionTerminate {
		g.logger.Info("terminate requested over api")
		g.Terminate()
	}
}

func (g *Gateway) handleStatus(w http.ResponseWriter, _ *http.Request) {
	_, running := g.stopwatch.Read()
	writeJSON(w, http.StatusOK, statusResponse{
		Assistant:        g.cfg.Assistant.Name,
		AIConnected:      g.ai.Available(),
		WeatherEnabled:   g.cfg.Weather.APIKey != "",
		DurableTimers:    g.store != nil,
		ActiveTimers:     g.scheduler.Len(),
		StopwatchRunning: running,
		Channels:         g.channels.EnabledChannels(),
		Timestamp:        g.now().UTC(),
	})
}

func (g *Gateway) handleTimers(w http.ResponseWriter, _ *http.Request) {
	timers := g.scheduler.List()
	if timers == nil {
		timers = []scheduler.Entry{}
	}
	writeJSON(w, http.StatusOK, timersResponse{Success: true, Timers: timers})
}

func (g *Gateway) handleHistory(w http.ResponseWriter, _ *http.Request) {
	entries := g.dispatcher.History().Entries()
	if entries == nil {
		entries = []dispatch.Exchange{}
	}
	g.logger.Debug("history requested", zap.Int("entries", len(entries)))
	writeJSON(w, http.StatusOK, historyResponse{Success: true, Messages: entries})
}
