package main

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"gatekeeper/internal/attendance"
	"gatekeeper/internal/auth"
)

// registerAttendanceRoutes mounts the interactive path and the read
// surface for rosters and history. All routes require a JWT principal.
func registerAttendanceRoutes(g *gin.RouterGroup, svc services) {
	g.POST("/attendance/record", func(c *gin.Context) {
		var req struct {
			RoomID    string               `json:"roomId" binding:"required"`
			Timestamp int64                `json:"timestamp" binding:"required"`
			Method    string               `json:"method" binding:"required"`
			Telemetry attendance.Telemetry `json:"telemetry"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		p := auth.FromContext(c)
		outcome, err := svc.attendance.RecordInteractive(c.Request.Context(), p, attendance.InteractiveScan{
			RoomID:    req.RoomID,
			Timestamp: req.Timestamp,
			Method:    req.Method,
			Telemetry: req.Telemetry,
		})
		if err != nil {
			switch {
			case errors.Is(err, attendance.ErrOutOfRange):
				c.JSON(http.StatusForbidden, gin.H{"error": err.Error(), "flags": outcome.Flags})
			case errors.Is(err, attendance.ErrNoSession), errors.Is(err, attendance.ErrNotEnrolled):
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			case errors.Is(err, attendance.ErrNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			case errors.Is(err, attendance.ErrValidation):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": "attendance failed"})
			}
			return
		}
		c.JSON(http.StatusOK, outcome)
	})

	g.POST("/attendance/override", func(c *gin.Context) {
		var req struct {
			AttendanceID string  `json:"attendanceId" binding:"required"`
			Status       string  `json:"status" binding:"required"`
			Note         *string `json:"note"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		p := auth.FromContext(c)
		if err := svc.attendance.Override(c.Request.Context(), p, req.AttendanceID, req.Status, req.Note); err != nil {
			switch {
			case errors.Is(err, attendance.ErrForbidden):
				c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			case errors.Is(err, attendance.ErrNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			case errors.Is(err, attendance.ErrValidation):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": "override failed"})
			}
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "updated"})
	})

	g.GET("/sessions/:id/attendance", func(c *gin.Context) {
		p := auth.FromContext(c)
		records, err := svc.attendance.SessionRoster(c.Request.Context(), p, c.Param("id"))
		if err != nil {
			if errors.Is(err, attendance.ErrForbidden) {
				c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "roster failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	})

	g.GET("/students/:id/attendance", func(c *gin.Context) {
		limit := 100
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				limit = parsed
			}
		}
		p := auth.FromContext(c)
		records, err := svc.attendance.StudentHistory(c.Request.Context(), p, c.Param("id"), limit)
		if err != nil {
			if errors.Is(err, attendance.ErrForbidden) {
				c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "history failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	})
}
