package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ngenohkevin/unitbus/config"
	"github.com/ngenohkevin/unitbus/internal/cache"
	apperrors "github.com/ngenohkevin/unitbus/internal/errors"
	"github.com/ngenohkevin/unitbus/internal/host"
	"github.com/ngenohkevin/unitbus/internal/logger"
	"github.com/ngenohkevin/unitbus/internal/systemd"
	"github.com/ngenohkevin/unitbus/internal/tasks"
	"github.com/ngenohkevin/unitbus/internal/unitfile"
	"github.com/ngenohkevin/unitbus/internal/unitname"
)

const agentName = "unitbus"

// Version is the agent version reported by /health and /api/info.
var Version = "1.0.0"

// Handlers holds all HTTP handlers
type Handlers struct {
	cfg    *config.Config
	client *systemd.Client
	runner *tasks.Runner
	units  *cache.Cache[[]systemd.UnitListEntry]
	log    *zap.SugaredLogger
}

// NewHandlers creates a new handlers instance
func NewHandlers(cfg *config.Config, client *systemd.Client, runner *tasks.Runner) *Handlers {
	return &Handlers{
		cfg:    cfg,
		client: client,
		runner: runner,
		units:  cache.New[[]systemd.UnitListEntry](cache.DefaultUnitsTTL),
		log:    logger.For("server"),
	}
}

// HealthCheck handles GET /health
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"version":   Version,
	})
}

// GetInfo handles GET /api/info
func (h *Handlers) GetInfo(c *gin.Context) {
	ctx := c.Request.Context()

	manager, err := h.client.ManagerInfo(ctx)
	if err != nil {
		respondError(c, err)
		return
	}

	snap, err := host.Collect(ctx, h.client.Options().SystemDir)
	if err != nil {
		h.log.Debugw("host snapshot failed", "error", err)
	}

	c.JSON(http.StatusOK, gin.H{
		"agent":           agentName,
		"version":         Version,
		"manager":         manager,
		"host":            snap,
		"journal_backend": h.client.JournalBackend(),
		"allowed_units":   h.cfg.AllowedUnits,
	})
}

// GetCapabilities handles GET /api/capabilities
func (h *Handlers) GetCapabilities(c *gin.Context) {
	c.JSON(http.StatusOK, h.client.Capabilities(c.Request.Context()))
}

// ListUnits handles GET /api/units?state=a,b
func (h *Handlers) ListUnits(c *gin.Context) {
	ctx := c.Request.Context()
	states := queryList(c, "state")

	units, err := h.units.GetOrSet(cache.UnitsKey(states), func() ([]systemd.UnitListEntry, error) {
		if len(states) == 0 {
			return h.client.ListUnits(ctx)
		}
		return h.client.ListUnitsFiltered(ctx, states)
	})
	if err != nil {
		respondError(c, err)
		return
	}

	visible := make([]systemd.UnitListEntry, 0, len(units))
	for _, u := range units {
		if unitReachable(c, h.cfg, u.Name) {
			visible = append(visible, u)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"units": visible,
		"total": len(visible),
	})
}

// GetUnit handles GET /api/units/:name
func (h *Handlers) GetUnit(c *gin.Context) {
	status, err := h.client.Status(c.Request.Context(), c.GetString(unitKey))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// UnitAction handles POST /api/units/:name/{start|stop|restart|reload}. It
// enqueues the job and waits for its outcome.
func (h *Handlers) UnitAction(kind systemd.JobKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		unit := c.GetString(unitKey)

		mode, err := systemd.ParseStartMode(c.Query("mode"))
		if err != nil {
			respondError(c, err)
			return
		}
		timeout, err := queryDuration(c, "timeout", h.cfg.JobWaitTimeout)
		if err != nil {
			respondError(c, err)
			return
		}

		job, err := h.client.Enqueue(ctx, kind, unit, mode)
		if err != nil {
			respondError(c, err)
			return
		}
		defer h.units.Clear()

		outcome, err := job.Wait(ctx, timeout)
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"unit":    unit,
			"action":  kind,
			"job":     string(job.Path),
			"mode":    mode,
			"outcome": outcome,
		})
	}
}

// DiagnoseUnit handles GET /api/units/:name/diagnose
func (h *Handlers) DiagnoseUnit(c *gin.Context) {
	opts := systemd.DefaultDiagnosisOptions()

	var err error
	if opts.WindowBefore, err = queryDuration(c, "before", opts.WindowBefore); err != nil {
		respondError(c, err)
		return
	}
	if opts.WindowAfter, err = queryDuration(c, "after", opts.WindowAfter); err != nil {
		respondError(c, err)
		return
	}
	if opts.Limit, err = queryInt(c, "limit", opts.Limit); err != nil {
		respondError(c, err)
		return
	}
	if raw := c.Query("main_process"); raw != "" {
		opts.MainProcess, err = strconv.ParseBool(raw)
		if err != nil {
			respondError(c, apperrors.InvalidInput("invalid main_process %q", raw))
			return
		}
	}

	diagnosis, err := h.client.Diagnose(c.Request.Context(), c.GetString(unitKey), opts)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, diagnosis)
}

// StreamFailures handles GET /api/units/:name/failures (SSE)
func (h *Handlers) StreamFailures(c *gin.Context) {
	ctx := c.Request.Context()
	unit := c.GetString(unitKey)

	watcher, err := h.client.WatchUnitFailure(ctx, unit, systemd.DefaultObserveOptions())
	if err != nil {
		respondError(c, err)
		return
	}
	defer watcher.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent("watching", gin.H{"unit": unit})
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		ev, err := watcher.Next(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				c.SSEvent("error", gin.H{"error": err.Error()})
			}
			return false
		}
		c.SSEvent("failure", ev)
		return true
	})
}

// GetLogs handles GET /api/logs
func (h *Handlers) GetLogs(c *gin.Context) {
	unit := c.Query("unit")
	if unit == "" && unitsRestricted(c, h.cfg) {
		abortJSON(c, http.StatusForbidden, "PERMISSION_DENIED", "a unit is required when access is limited to specific units")
		return
	}
	if unit != "" {
		name, err := unitname.Canonicalize(unit)
		if err != nil {
			respondError(c, err)
			return
		}
		if !unitReachable(c, h.cfg, name) {
			abortJSON(c, http.StatusForbidden, "PERMISSION_DENIED", fmt.Sprintf("unit %s is not in the allowed list", name))
			return
		}
		unit = name
	}
	h.queryLogs(c, unit)
}

// GetUnitLogs handles GET /api/logs/:unit
func (h *Handlers) GetUnitLogs(c *gin.Context) {
	h.queryLogs(c, c.GetString(unitKey))
}

func (h *Handlers) queryLogs(c *gin.Context, unit string) {
	filter, err := journalFilter(c, unit)
	if err != nil {
		respondError(c, err)
		return
	}
	result, err := h.client.Journal(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListTasks handles GET /api/tasks
func (h *Handlers) ListTasks(c *gin.Context) {
	c.JSON(http.StatusOK, h.runner.List())
}

// RunTask handles POST /api/tasks/:name/run. Dangerous tasks need
// ?confirm=true.
func (h *Handlers) RunTask(c *gin.Context) {
	name := c.Param("name")

	task, err := h.runner.Get(name)
	if err != nil {
		abortJSON(c, http.StatusNotFound, "TASK_NOT_FOUND", err.Error())
		return
	}

	if task.Dangerous && c.Query("confirm") != "true" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":      fmt.Sprintf("task '%s' is dangerous, add ?confirm=true to execute", name),
			"code":       "CONFIRMATION_REQUIRED",
			"request_id": c.GetString(requestIDKey),
			"task":       task,
		})
		return
	}

	ctx := c.Request.Context()
	handle, err := h.runner.RunPreset(ctx, name)
	if err != nil {
		respondError(c, err)
		return
	}
	result, err := handle.Wait(ctx)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"task":      name,
		"succeeded": result.Succeeded(),
		"result":    result,
	})
}

// ListDropIns handles GET /api/units/:name/dropins
func (h *Handlers) ListDropIns(c *gin.Context) {
	files, err := h.client.ListDropIns(c.Request.Context(), c.GetString(unitKey))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dropins": files, "total": len(files)})
}

// PutDropIn handles PUT /api/units/:name/dropins/:dropin. The body carries
// the drop-in settings; ?reload=true reloads the manager when needed.
func (h *Handlers) PutDropIn(c *gin.Context) {
	var spec unitfile.DropInSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		abortJSON(c, http.StatusBadRequest, "INVALID_INPUT", "invalid request body: "+err.Error())
		return
	}
	spec.Unit = c.GetString(unitKey)
	spec.Name = c.Param("dropin")

	ctx := c.Request.Context()
	report, err := h.client.ApplyDropIn(ctx, spec)
	if err != nil {
		respondError(c, err)
		return
	}

	reloaded, err := h.maybeReload(c, report.RequiresDaemonReload)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "daemon_reload_performed": reloaded})
}

// DeleteDropIn handles DELETE /api/units/:name/dropins/:dropin
func (h *Handlers) DeleteDropIn(c *gin.Context) {
	report, err := h.client.RemoveDropIn(c.Request.Context(), c.GetString(unitKey), c.Param("dropin"))
	if err != nil {
		respondError(c, err)
		return
	}

	reloaded, err := h.maybeReload(c, report.RequiresDaemonReload)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "daemon_reload_performed": reloaded})
}

func (h *Handlers) maybeReload(c *gin.Context, needed bool) (bool, error) {
	if !needed || c.Query("reload") != "true" {
		return false, nil
	}
	if err := h.client.DaemonReload(c.Request.Context()); err != nil {
		return false, err
	}
	h.units.Clear()
	return true, nil
}

// DaemonReload handles POST /api/daemon-reload
func (h *Handlers) DaemonReload(c *gin.Context) {
	if err := h.client.DaemonReload(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	h.units.Clear()
	c.JSON(http.StatusOK, gin.H{"reloaded": true})
}

// Close cleans up handlers resources
func (h *Handlers) Close() {
	h.units.Close()
}
