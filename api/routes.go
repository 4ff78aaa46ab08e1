package api

import (
	"github.com/gin-gonic/gin"

	"fleetcontrol/service"
)

func SetupRoutes(router *gin.Engine, registry *service.Registry, telemetry *service.TelemetryStore,
	engine *service.CommandEngine, gateway *service.Gateway, hub *PushHub) {
	// Enable CORS
	router.Use(CORSMiddleware())

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Device registry: registration and heartbeat are the device-facing
	// calls, the rest serve the administrator console.
	devices := router.Group("/devices")
	{
		devices.POST("/register", func(c *gin.Context) {
			RegisterDevice(c, registry)
		})
		devices.POST("/heartbeat", func(c *gin.Context) {
			Heartbeat(c, registry)
		})
		devices.GET("", func(c *gin.Context) {
			GetDevices(c, gateway)
		})
		devices.GET("/:id", func(c *gin.Context) {
			GetDevice(c, registry)
		})
		devices.GET("/:id/overview", func(c *gin.Context) {
			GetDeviceOverview(c, gateway)
		})
		devices.DELETE("/:id", func(c *gin.Context) {
			RetireDevice(c, registry)
		})
	}

	// Command lifecycle
	commands := router.Group("/commands")
	{
		commands.POST("", func(c *gin.Context) {
			CreateCommand(c, engine)
		})
		commands.GET("/:device_id", func(c *gin.Context) {
			GetCommandHistory(c, gateway)
		})
		commands.POST("/:command_id/result", func(c *gin.Context) {
			ReportCommandResult(c, engine)
		})
	}

	// Telemetry
	logs := router.Group("/logs")
	{
		logs.POST("/:category/:device_id", func(c *gin.Context) {
			AppendLogs(c, telemetry)
		})
		logs.GET("/:category/:device_id", func(c *gin.Context) {
			QueryLogs(c, telemetry)
		})
	}

	// Device push channel
	router.GET("/push", func(c *gin.Context) {
		HandlePush(hub, c)
	})
}

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
