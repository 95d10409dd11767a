package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"gatekeeper/internal/auth"
	"gatekeeper/internal/device"
	"gatekeeper/internal/schedule"
)

// registerAdminRoutes mounts the administrative surface: calendar and
// schedule management, manual materialization, device fleet control, and
// the alert inbox. Role checks live in the services; the route group only
// requires a valid principal.
func registerAdminRoutes(g *gin.RouterGroup, svc services) {
	admin := g.Group("/admin")

	admin.POST("/slots", func(c *gin.Context) {
		var req struct {
			HomeroomID string `json:"homeroomId" binding:"required"`
			SubjectID  string `json:"subjectId" binding:"required"`
			TeacherID  string `json:"teacherId" binding:"required"`
			DayOfWeek  *int   `json:"dayOfWeek" binding:"required"`
			StartTime  string `json:"startTime" binding:"required"`
			EndTime    string `json:"endTime" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		slot, err := svc.schedule.AddSlot(c.Request.Context(), auth.FromContext(c), schedule.SlotInput{
			HomeroomID: req.HomeroomID,
			SubjectID:  req.SubjectID,
			TeacherID:  req.TeacherID,
			DayOfWeek:  *req.DayOfWeek,
			StartTime:  req.StartTime,
			EndTime:    req.EndTime,
		})
		if err != nil {
			scheduleError(c, err)
			return
		}
		c.JSON(http.StatusCreated, slot)
	})

	admin.PATCH("/slots/:id", func(c *gin.Context) {
		var req struct {
			SubjectID *string `json:"subjectId"`
			TeacherID *string `json:"teacherId"`
			DayOfWeek *int    `json:"dayOfWeek"`
			StartTime *string `json:"startTime"`
			EndTime   *string `json:"endTime"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		slot, err := svc.schedule.UpdateSlot(c.Request.Context(), auth.FromContext(c), c.Param("id"), schedule.SlotPatch{
			SubjectID: req.SubjectID,
			TeacherID: req.TeacherID,
			DayOfWeek: req.DayOfWeek,
			StartTime: req.StartTime,
			EndTime:   req.EndTime,
		})
		if err != nil {
			scheduleError(c, err)
			return
		}
		c.JSON(http.StatusOK, slot)
	})

	admin.DELETE("/slots/:id", func(c *gin.Context) {
		cancelled, err := svc.schedule.DeleteSlot(c.Request.Context(), auth.FromContext(c), c.Param("id"))
		if err != nil {
			scheduleError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"cancelledSessions": cancelled})
	})

	admin.POST("/holidays", func(c *gin.Context) {
		var req struct {
			Date string `json:"date" binding:"required"`
			Name string `json:"name" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id, err := svc.schedule.MarkHoliday(c.Request.Context(), auth.FromContext(c), req.Date, req.Name)
		if err != nil {
			scheduleError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"schoolDayId": id})
	})

	admin.POST("/school-days/generate", func(c *gin.Context) {
		semester, err := svc.schedule.ActiveSemester(c.Request.Context())
		if err != nil {
			scheduleError(c, err)
			return
		}
		created, err := svc.schedule.GenerateSchoolDays(c.Request.Context(), auth.FromContext(c), *semester)
		if err != nil {
			scheduleError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"created": created})
	})

	admin.POST("/homerooms", func(c *gin.Context) {
		var req struct {
			RoomID     string  `json:"roomId" binding:"required"`
			SemesterID string  `json:"semesterId" binding:"required"`
			Name       string  `json:"name" binding:"required"`
			GradeLevel *string `json:"gradeLevel"`
			Section    *string `json:"section"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id, err := svc.schedule.CreateHomeroom(c.Request.Context(), auth.FromContext(c), schedule.Homeroom{
			RoomID:     req.RoomID,
			SemesterID: req.SemesterID,
			Name:       req.Name,
			GradeLevel: req.GradeLevel,
			Section:    req.Section,
		})
		if err != nil {
			scheduleError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"homeroomId": id})
	})

	admin.POST("/enrollments", func(c *gin.Context) {
		var req struct {
			HomeroomID string `json:"homeroomId" binding:"required"`
			StudentID  string `json:"studentId" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id, err := svc.schedule.EnrollStudent(c.Request.Context(), auth.FromContext(c), req.HomeroomID, req.StudentID)
		if err != nil {
			scheduleError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"enrollmentId": id})
	})

	admin.POST("/sessions/materialize", func(c *gin.Context) {
		if auth.FromContext(c).Role != auth.RoleAdmin {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		var req struct {
			SchoolDayID string `json:"schoolDayId" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		created, err := svc.sessions.Materialize(c.Request.Context(), req.SchoolDayID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "materialization failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessionsCreated": created})
	})

	admin.POST("/tokens", func(c *gin.Context) {
		if auth.FromContext(c).Role != auth.RoleAdmin {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		var req struct {
			UserID string `json:"userId" binding:"required"`
			Role   string `json:"role" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		switch req.Role {
		case auth.RoleStudent, auth.RoleTeacher, auth.RoleStaff, auth.RoleAdmin:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
			return
		}
		token, exp, err := auth.Issue(req.UserID, req.Role, svc.cfg.JWTIssuer, svc.cfg.JWTSigningKey, svc.cfg.AccessTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"token": token, "expiresAt": exp.Unix()})
	})

	admin.GET("/devices", func(c *gin.Context) {
		devices, err := svc.devices.List(c.Request.Context(), auth.FromContext(c))
		if err != nil {
			deviceError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"devices": devices})
	})

	admin.POST("/devices/:id/assign", func(c *gin.Context) {
		var req struct {
			RoomID string `json:"roomId" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := svc.devices.AssignToRoom(c.Request.Context(), auth.FromContext(c), c.Param("id"), req.RoomID); err != nil {
			deviceError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "assigned"})
	})

	admin.POST("/devices/:id/reset-token", func(c *gin.Context) {
		token, err := svc.devices.ResetToken(c.Request.Context(), auth.FromContext(c), c.Param("id"))
		if err != nil {
			deviceError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token})
	})

	admin.POST("/devices/:id/disable", func(c *gin.Context) {
		if err := svc.devices.Disable(c.Request.Context(), auth.FromContext(c), c.Param("id")); err != nil {
			deviceError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "disabled"})
	})

	alertRoutes := admin.Group("", auth.RequireRole(auth.RoleTeacher, auth.RoleStaff, auth.RoleAdmin))

	alertRoutes.GET("/alerts", func(c *gin.Context) {
		limit := 100
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				limit = parsed
			}
		}
		list, err := svc.alertRepo.ListActive(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "alerts failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"alerts": list})
	})

	alertRoutes.POST("/alerts/:id/resolve", func(c *gin.Context) {
		p := auth.FromContext(c)
		if err := svc.alertRepo.Resolve(c.Request.Context(), c.Param("id"), p.UserID, time.Now().UnixMilli()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "resolve failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "resolved"})
	})
}

func scheduleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, schedule.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, schedule.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, schedule.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func deviceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, device.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, device.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, device.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
