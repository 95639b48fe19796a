package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"coopwatch/internal/clock"
	"coopwatch/internal/domain"
	"coopwatch/internal/localdb"
	"coopwatch/internal/logging"
	"coopwatch/internal/reminder"
	"coopwatch/internal/schedule"
	"coopwatch/internal/state"
)

// ActivityReader queries and clears the activity log.
type ActivityReader interface {
	QueryLogs(ctx context.Context, query localdb.LogQuery) ([]domain.LogEntry, error)
	ClearLogs(ctx context.Context) (int64, error)
}

// API serves operator endpoints for alerts, logs, schedules, and status.
// Params: manager, schedule service, activity log, viewer presence, and clock.
// Returns: HTTP handlers mounted by Register.
type API struct {
	manager     *Manager
	schedules   *schedule.Service
	activity    ActivityReader
	presence    *reminder.Presence
	clock       clock.Clock
	maxBodySize int64
	logger      *slog.Logger
}

// NewAPI creates operator API.
// Params: dependencies; presence may be nil when reminders are disabled.
// Returns: API instance.
func NewAPI(
	manager *Manager,
	schedules *schedule.Service,
	activity ActivityReader,
	presence *reminder.Presence,
	clk clock.Clock,
	maxBodySize int64,
	logger *slog.Logger,
) *API {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &API{
		manager:     manager,
		schedules:   schedules,
		activity:    activity,
		presence:    presence,
		clock:       clk,
		maxBodySize: maxBodySize,
		logger:      logging.Component(logger, "api"),
	}
}

// Register mounts operator routes on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/alerts", a.listAlerts)
	mux.HandleFunc("POST /api/alerts/resolve-all", a.resolveAll)
	mux.HandleFunc("POST /api/alerts/{id}/resolve", a.resolveAlert)
	mux.HandleFunc("GET /api/logs", a.listLogs)
	mux.HandleFunc("DELETE /api/logs", a.clearLogs)
	mux.HandleFunc("GET /api/schedules", a.listSchedules)
	mux.HandleFunc("POST /api/schedules", a.createSchedule)
	mux.HandleFunc("PUT /api/schedules/{id}", a.updateSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", a.deleteSchedule)
	mux.HandleFunc("POST /api/schedules/{id}/toggle", a.toggleSchedule)
	mux.HandleFunc("POST /api/feed", a.feedNow)
	mux.HandleFunc("GET /api/status", a.status)
	mux.HandleFunc("POST /api/viewer/heartbeat", a.heartbeat)
}

func (a *API) listAlerts(writer http.ResponseWriter, request *http.Request) {
	alerts, synced := a.manager.Alerts()
	if !synced {
		writeError(writer, http.StatusServiceUnavailable, ErrNotSynced)
		return
	}
	if onlyOpen, _ := strconv.ParseBool(request.URL.Query().Get("unresolved")); onlyOpen {
		open := alerts[:0]
		for _, alert := range alerts {
			if !alert.Resolved {
				open = append(open, alert)
			}
		}
		alerts = open
	}
	writeJSON(writer, http.StatusOK, alerts)
}

func (a *API) resolveAlert(writer http.ResponseWriter, request *http.Request) {
	alert, err := a.manager.ResolveByOperator(request.Context(), request.PathValue("id"))
	switch {
	case errors.Is(err, state.ErrNotFound):
		writeError(writer, http.StatusNotFound, err)
	case errors.Is(err, ErrResolveInProgress):
		writeError(writer, http.StatusConflict, err)
	case err != nil:
		a.logger.Error("operator resolve failed", "alert_id", request.PathValue("id"), "error", err.Error())
		writeError(writer, http.StatusInternalServerError, err)
	default:
		writeJSON(writer, http.StatusOK, alert)
	}
}

func (a *API) resolveAll(writer http.ResponseWriter, request *http.Request) {
	count, err := a.manager.ResolveAll(request.Context())
	if errors.Is(err, ErrNotSynced) {
		writeError(writer, http.StatusServiceUnavailable, err)
		return
	}
	if err != nil {
		a.logger.Error("resolve all failed", "resolved", count, "error", err.Error())
		writeError(writer, http.StatusInternalServerError, err)
		return
	}
	writeJSON(writer, http.StatusOK, map[string]int{"resolved": count})
}

func (a *API) listLogs(writer http.ResponseWriter, request *http.Request) {
	query := request.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	entries, err := a.activity.QueryLogs(request.Context(), localdb.LogQuery{Limit: limit, Search: query.Get("q")})
	if err != nil {
		writeError(writer, http.StatusInternalServerError, err)
		return
	}
	writeJSON(writer, http.StatusOK, entries)
}

func (a *API) clearLogs(writer http.ResponseWriter, request *http.Request) {
	removed, err := a.activity.ClearLogs(request.Context())
	if err != nil {
		writeError(writer, http.StatusInternalServerError, err)
		return
	}
	writeJSON(writer, http.StatusOK, map[string]int64{"removed": removed})
}

func (a *API) listSchedules(writer http.ResponseWriter, request *http.Request) {
	schedules, err := a.schedules.List(request.Context())
	if err != nil {
		writeError(writer, http.StatusInternalServerError, err)
		return
	}
	writeJSON(writer, http.StatusOK, schedules)
}

func (a *API) createSchedule(writer http.ResponseWriter, request *http.Request) {
	var in schedule.Input
	if !a.readJSON(writer, request, &in) {
		return
	}
	created, err := a.schedules.Create(request.Context(), in)
	if err != nil {
		writeScheduleError(writer, err)
		return
	}
	writeJSON(writer, http.StatusCreated, created)
}

func (a *API) updateSchedule(writer http.ResponseWriter, request *http.Request) {
	var in schedule.Input
	if !a.readJSON(writer, request, &in) {
		return
	}
	updated, err := a.schedules.Update(request.Context(), request.PathValue("id"), in)
	if err != nil {
		writeScheduleError(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, updated)
}

func (a *API) toggleSchedule(writer http.ResponseWriter, request *http.Request) {
	toggled, err := a.schedules.Toggle(request.Context(), request.PathValue("id"))
	if err != nil {
		writeScheduleError(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, toggled)
}

func (a *API) deleteSchedule(writer http.ResponseWriter, request *http.Request) {
	if err := a.schedules.Delete(request.Context(), request.PathValue("id")); err != nil {
		writeScheduleError(writer, err)
		return
	}
	writer.WriteHeader(http.StatusNoContent)
}

func (a *API) feedNow(writer http.ResponseWriter, request *http.Request) {
	err := a.schedules.FeedNow(request.Context())
	if errors.Is(err, schedule.ErrNoPublisher) {
		writeError(writer, http.StatusServiceUnavailable, err)
		return
	}
	if err != nil {
		a.logger.Error("feed command failed", "error", err.Error())
		writeError(writer, http.StatusBadGateway, err)
		return
	}
	writer.WriteHeader(http.StatusAccepted)
}

func (a *API) status(writer http.ResponseWriter, _ *http.Request) {
	writeJSON(writer, http.StatusOK, a.manager.Status())
}

func (a *API) heartbeat(writer http.ResponseWriter, _ *http.Request) {
	if a.presence != nil {
		a.presence.Touch(clock.NowMS(a.clock))
	}
	writer.WriteHeader(http.StatusNoContent)
}

func (a *API) readJSON(writer http.ResponseWriter, request *http.Request, out any) bool {
	request.Body = http.MaxBytesReader(writer, request.Body, a.maxBodySize)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		writeError(writer, http.StatusBadRequest, err)
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		writeError(writer, http.StatusBadRequest, err)
		return false
	}
	return true
}

func writeScheduleError(writer http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, schedule.ErrInvalid):
		writeError(writer, http.StatusBadRequest, err)
	case errors.Is(err, schedule.ErrNotFound):
		writeError(writer, http.StatusNotFound, err)
	default:
		writeError(writer, http.StatusInternalServerError, err)
	}
}

func writeJSON(writer http.ResponseWriter, status int, value any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(value)
}

func writeError(writer http.ResponseWriter, status int, err error) {
	writeJSON(writer, status, map[string]string{"error": err.Error()})
}
