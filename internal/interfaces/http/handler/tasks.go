package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/erp/exchange/internal/infrastructure/scheduler"
	"github.com/erp/exchange/internal/interfaces/http/dto"
)

// TaskRunner reports and triggers periodic tasks.
type TaskRunner interface {
	Status() []scheduler.TaskStatus
	Trigger(ctx context.Context, name string) error
}

// TaskHandler exposes the periodic runner.
type TaskHandler struct {
	BaseHandler
	runner TaskRunner
}

// NewTaskHandler creates the handler.
func NewTaskHandler(runner TaskRunner) *TaskHandler {
	return &TaskHandler{runner: runner}
}

// List returns every task's run history.
func (h *TaskHandler) List(c *gin.Context) {
	status := h.runner.Status()
	out := make([]dto.TaskStatusResponse, 0, len(status))
	for _, s := range status {
		out = append(out, dto.ToTaskStatusResponse(s))
	}
	h.Success(c, out)
}

// Run triggers a task now and waits for it.
func (h *TaskHandler) Run(c *gin.Context) {
	name := c.Param("name")
	if err := h.runner.Trigger(c.Request.Context(), name); err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, gin.H{"task": name, "status": "completed"})
}
