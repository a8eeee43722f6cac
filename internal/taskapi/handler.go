// Package taskapi mounts the task, reminder, and recurrence endpoints of the
// task service. Handlers delegate to the service layer, hand post-commit
// snapshots to the lifecycle publisher, and report failures through the
// shared error-rendering middleware.
package taskapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/taskloop/taskloop/internal/errors"
	"github.com/taskloop/taskloop/internal/interfaces"
	"github.com/taskloop/taskloop/internal/middleware"
	"github.com/taskloop/taskloop/internal/tasks"
)

// Handler serves the /api task surface.
type Handler struct {
	tasks     interfaces.TaskServiceInterface
	scheduler interfaces.SchedulerServiceInterface
	publisher interfaces.LifecyclePublisherInterface
}

func NewHandler(taskSvc interfaces.TaskServiceInterface, schedulerSvc interfaces.SchedulerServiceInterface, pub interfaces.LifecyclePublisherInterface) *Handler {
	return &Handler{tasks: taskSvc, scheduler: schedulerSvc, publisher: pub}
}

// RegisterRoutes mounts the task endpoints under /api. Every route requires
// the caller identity header.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	api := r.Group("/api", middleware.Identity())
	api.POST("/tasks", h.createTask)
	api.GET("/tasks/:id", h.getTask)
	api.PUT("/tasks/:id", h.updateTask)
	api.PATCH("/tasks/:id/complete", h.completeTask)
	api.DELETE("/tasks/:id", h.deleteTask)
	api.POST("/tasks/:id/reminder", h.scheduleReminder)
	api.GET("/tasks/:id/reminders", h.listReminders)
	api.DELETE("/tasks/reminders/:id", h.cancelReminder)
	api.POST("/tasks/:id/recurring", h.createRecurrence)
	api.GET("/tasks/:id/recurring", h.getRecurrence)
}

type createTaskRequest struct {
	Title       string     `json:"title" binding:"required,max=200"`
	Description *string    `json:"description" binding:"omitempty,max=2000"`
	Priority    string     `json:"priority" binding:"omitempty,oneof=low medium high urgent"`
	DueDate     *time.Time `json:"due_date"`
	CategoryID  *string    `json:"category_id" binding:"omitempty,uuid"`
}

type updateTaskRequest struct {
	Title       *string    `json:"title" binding:"omitempty,max=200"`
	Description *string    `json:"description" binding:"omitempty,max=2000"`
	Priority    *string    `json:"priority" binding:"omitempty,oneof=low medium high urgent"`
	DueDate     *time.Time `json:"due_date"`
	CategoryID  *string    `json:"category_id" binding:"omitempty,uuid"`
}

type scheduleReminderRequest struct {
	RemindAt         time.Time `json:"remind_at" binding:"required"`
	NotificationType string    `json:"notification_type" binding:"required,oneof=email push in_app"`
}

type recurrenceRequest struct {
	Frequency      string `json:"frequency" binding:"required,oneof=daily weekly monthly custom"`
	Interval       int    `json:"interval" binding:"omitempty,min=1"`
	CronExpression string `json:"cron_expression" binding:"omitempty,max=100"`
}

func (h *Handler) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewValidationError("body", err.Error()))
		return
	}

	task, err := h.tasks.CreateTask(c.Request.Context(), middleware.UserID(c), tasks.CreateTaskInput{
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
		DueDate:     req.DueDate,
		CategoryID:  req.CategoryID,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	h.publisher.EnqueueCreated(task.Snapshot())
	c.JSON(http.StatusCreated, task)
}

func (h *Handler) getTask(c *gin.Context) {
	task, err := h.tasks.GetTask(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handler) updateTask(c *gin.Context) {
	var req updateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewValidationError("body", err.Error()))
		return
	}

	task, err := h.tasks.UpdateTask(c.Request.Context(), middleware.UserID(c), c.Param("id"), tasks.UpdateTaskInput{
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
		DueDate:     req.DueDate,
		CategoryID:  req.CategoryID,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	h.publisher.EnqueueUpdated(task.Snapshot())
	c.JSON(http.StatusOK, task)
}

// completeTask is idempotent: completing an already-complete task returns the
// stored row without emitting another lifecycle event.
func (h *Handler) completeTask(c *gin.Context) {
	task, changed, err := h.tasks.CompleteTask(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	if changed {
		h.publisher.EnqueueCompleted(task.Snapshot())
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handler) deleteTask(c *gin.Context) {
	task, err := h.tasks.DeleteTask(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	h.publisher.EnqueueDeleted(task.Snapshot())
	c.Status(http.StatusNoContent)
}

func (h *Handler) scheduleReminder(c *gin.Context) {
	var req scheduleReminderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewValidationError("body", err.Error()))
		return
	}

	reminder, err := h.scheduler.Schedule(c.Request.Context(), middleware.UserID(c), c.Param("id"), req.RemindAt, req.NotificationType)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, reminder)
}

func (h *Handler) listReminders(c *gin.Context) {
	reminders, err := h.scheduler.ListForTask(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, reminders)
}

func (h *Handler) cancelReminder(c *gin.Context) {
	if err := h.scheduler.Cancel(c.Request.Context(), middleware.UserID(c), c.Param("id")); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) createRecurrence(c *gin.Context) {
	var req recurrenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewValidationError("body", err.Error()))
		return
	}

	rule, err := h.tasks.CreateRecurrenceRule(c.Request.Context(), middleware.UserID(c), c.Param("id"), tasks.RecurrenceInput{
		Frequency:      req.Frequency,
		Interval:       req.Interval,
		CronExpression: req.CronExpression,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (h *Handler) getRecurrence(c *gin.Context) {
	rule, err := h.tasks.GetRecurrenceRule(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, rule)
}
