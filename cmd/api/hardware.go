package main

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"gatekeeper/internal/attendance"
	"gatekeeper/internal/device"
)

// registerHardwareRoutes mounts the scanner-facing surface. Devices
// authenticate with their chip id and shared secret on every call; there
// is no session state on either side.
func registerHardwareRoutes(r *gin.Engine, svc services) {
	hw := r.Group("/v1/hw")

	hw.POST("/register", func(c *gin.Context) {
		var req struct {
			ChipID          string  `json:"chipId" binding:"required"`
			FirmwareVersion *string `json:"firmwareVersion"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := svc.devices.Register(c.Request.Context(), req.ChipID, req.FirmwareVersion)
		if err != nil {
			if errors.Is(err, device.ErrRateLimited) {
				c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many registration attempts"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "registration failed"})
			return
		}
		status := http.StatusCreated
		if res.Status == "already_registered" {
			status = http.StatusOK
		}
		c.JSON(status, res)
	})

	hw.POST("/heartbeat", func(c *gin.Context) {
		var req struct {
			ChipID          string  `json:"chipId" binding:"required"`
			Token           string  `json:"token" binding:"required"`
			FirmwareVersion *string `json:"firmwareVersion"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := svc.devices.Heartbeat(c.Request.Context(), req.ChipID, req.Token, req.FirmwareVersion)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    res.Device.Status,
			"activated": res.Activated,
			"roomName":  res.RoomName,
		})
	})

	hw.GET("/whitelist", func(c *gin.Context) {
		d, ok := authenticateAssignedDevice(c, svc, c.Query("chipId"), c.Query("token"))
		if !ok {
			return
		}
		entries, err := svc.devices.Whitelist(c.Request.Context(), d)
		if err != nil {
			if errors.Is(err, device.ErrUnauthorized) {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "whitelist failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"whitelist": entries})
	})

	hw.POST("/logs", func(c *gin.Context) {
		var req struct {
			ChipID string `json:"chipId" binding:"required"`
			Token  string `json:"token" binding:"required"`
			Logs   []struct {
				UserID        string               `json:"userId"`
				Method        string               `json:"method"`
				Action        string               `json:"action"`
				Result        string               `json:"result"`
				Timestamp     int64                `json:"timestamp"`
				TimestampType string               `json:"timestampType"`
				Telemetry     attendance.Telemetry `json:"telemetry"`
			} `json:"logs" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		d, ok := authenticateAssignedDevice(c, svc, req.ChipID, req.Token)
		if !ok {
			return
		}

		// The device never claims its room; its binding decides.
		events := make([]attendance.AccessEvent, 0, len(req.Logs))
		for _, l := range req.Logs {
			events = append(events, attendance.AccessEvent{
				UserID:        l.UserID,
				RoomID:        *d.RoomID,
				Method:        l.Method,
				Action:        l.Action,
				Result:        l.Result,
				Timestamp:     l.Timestamp,
				TimestampType: l.TimestampType,
				Telemetry:     l.Telemetry,
			})
		}
		accepted := svc.attendance.ReconcileBatch(c.Request.Context(), events)
		c.JSON(http.StatusOK, gin.H{"acceptedCount": accepted})
	})
}

// authenticateAssignedDevice checks credentials and room assignment in one
// go. Every rejection is the same 401 body, so callers cannot map chip ids
// to provisioning state.
func authenticateAssignedDevice(c *gin.Context, svc services, chipID, token string) (*device.Device, bool) {
	d, err := svc.devices.AuthenticateAssigned(c.Request.Context(), chipID, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return nil, false
	}
	return d, true
}
