package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// StartScheduler starts the periodic tasks
func (h *Handlers) StartScheduler(c *gin.Context) {
	if err := h.scheduler.Start(); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "scheduler_error",
			Message: "Failed to start scheduler: " + err.Error(),
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Scheduler started successfully",
		"status":  "running",
	})
}

// StopScheduler stops the periodic tasks
func (h *Handlers) StopScheduler(c *gin.Context) {
	if err := h.scheduler.Stop(); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "scheduler_error",
			Message: "Failed to stop scheduler",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Scheduler stopped successfully",
		"status":  "stopped",
	})
}

// RunOnce runs one task synchronously. ?task= defaults to the pipeline.
func (h *Handlers) RunOnce(c *gin.Context) {
	task := c.DefaultQuery("task", "pipeline")
	if err := h.scheduler.RunOnce(task); err != nil {
		respondError(c, err, "Failed to run "+task)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Task " + task + " completed successfully",
	})
}

// GetSchedulerStatus returns the current scheduler status
func (h *Handlers) GetSchedulerStatus(c *gin.Context) {
	status := "stopped"
	if h.scheduler.IsRunning() {
		status = "running"
	}

	c.JSON(http.StatusOK, SchedulerStatusResponse{
		Status: status,
		Tasks:  h.scheduler.Statuses(),
	})
}
