package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"fleetcontrol/models"
	"fleetcontrol/service"
)

// respondError maps the service error taxonomy onto HTTP statuses.
// Validation failures never reach storage; everything else is a 500.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, models.ErrorResponse(err.Error()))
	case errors.Is(err, service.ErrInvalidCommand), errors.Is(err, service.ErrInvalidCategory):
		c.JSON(http.StatusBadRequest, models.ErrorResponse(err.Error()))
	default:
		c.JSON(http.StatusInternalServerError, models.ErrorResponse(err.Error()))
	}
}

// RegisterDevice handles POST /devices/register. Registration is an
// idempotent upsert, so the mobile client can call it on every boot.
func RegisterDevice(c *gin.Context, registry *service.Registry) {
	var descriptor models.DeviceDescriptor
	if err := c.ShouldBindJSON(&descriptor); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse("invalid body: "+err.Error()))
		return
	}
	device, err := registry.Register(c.Request.Context(), descriptor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.SuccessResponse(device))
}

// Heartbeat handles POST /devices/heartbeat.
func Heartbeat(c *gin.Context, registry *service.Registry) {
	var snapshot models.DeviceSnapshot
	if err := c.ShouldBindJSON(&snapshot); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse("invalid body: "+err.Error()))
		return
	}
	if err := registry.Heartbeat(c.Request.Context(), snapshot); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.MessageResponse("ok"))
}

// GetDevices handles GET /devices: every device with derived liveness.
func GetDevices(c *gin.Context, gateway *service.Gateway) {
	devices, err := gateway.Devices(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(devices))
}

// GetDevice handles GET /devices/:id.
func GetDevice(c *gin.Context, registry *service.Registry) {
	device, err := registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(device))
}

// GetDeviceOverview handles GET /devices/:id/overview.
func GetDeviceOverview(c *gin.Context, gateway *service.Gateway) {
	overview, err := gateway.DeviceOverview(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(overview))
}

// RetireDevice handles DELETE /devices/:id (soft flag only).
func RetireDevice(c *gin.Context, registry *service.Registry) {
	if err := registry.Retire(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.MessageResponse("device retired"))
}

// CreateCommand handles POST /commands: create then dispatch in the
// same request path. A delivery failure is recorded on the command,
// not surfaced as a request error, so the administrator always gets
// the command record back.
func CreateCommand(c *gin.Context, engine *service.CommandEngine) {
	var req models.CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse("invalid body: "+err.Error()))
		return
	}

	ctx := c.Request.Context()
	cmd, err := engine.Create(ctx, req.DeviceID, req.Type, req.Params)
	if err != nil {
		respondError(c, err)
		return
	}

	if err := engine.Dispatch(ctx, cmd.ID); err != nil {
		log.Printf("Dispatch of command %s failed: %v", cmd.ID, err)
	}

	cmd, err = engine.Get(ctx, cmd.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.SuccessResponse(cmd))
}

// GetCommandHistory handles GET /commands/:device_id.
func GetCommandHistory(c *gin.Context, gateway *service.Gateway) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	history, err := gateway.CommandHistory(c.Request.Context(), c.Param("device_id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if history == nil {
		history = []models.Command{}
	}
	c.JSON(http.StatusOK, models.SuccessResponse(history))
}

// ReportCommandResult handles POST /commands/:command_id/result,
// called by the device after local execution. Duplicate reports are
// accepted and ignored.
func ReportCommandResult(c *gin.Context, engine *service.CommandEngine) {
	var report models.ResultReport
	if err := c.ShouldBindJSON(&report); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse("invalid body: "+err.Error()))
		return
	}
	err := engine.ReportResult(c.Request.Context(), c.Param("command_id"), report.Outcome, report.Response)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.MessageResponse("ok"))
}

// AppendLogs handles POST /logs/:category/:device_id, the agent's
// batch upload path.
func AppendLogs(c *gin.Context, telemetry *service.TelemetryStore) {
	var batch models.TelemetryBatch
	if err := c.ShouldBindJSON(&batch); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse("invalid body: "+err.Error()))
		return
	}
	err := telemetry.Append(c.Request.Context(), c.Param("device_id"), c.Param("category"), batch.Events)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.MessageResponse("ok"))
}

// QueryLogs handles GET /logs/:category/:device_id?time_range=&limit=.
func QueryLogs(c *gin.Context, telemetry *service.TelemetryStore) {
	from, to, err := service.ParseTimeRange(c.Query("time_range"), time.Now())
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse(err.Error()))
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	events, err := telemetry.Query(c.Request.Context(), c.Param("device_id"), c.Param("category"), from, to, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if events == nil {
		events = []models.TelemetryEvent{}
	}
	c.JSON(http.StatusOK, models.SuccessResponse(events))
}
