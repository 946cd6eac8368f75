package registry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agenthive/agenthive/internal/events"
	"github.com/agenthive/agenthive/internal/events/bus"
)

// publish sends a registry event. Publishing is best-effort: a failed or
// absent bus never aborts the registry operation that triggered it.
func (r *Registry) publish(ctx context.Context, subject, eventType string, data map[string]interface{}) {
	if r.eventBus == nil {
		return
	}
	data["timestamp"] = time.Now().UTC()
	event := bus.NewEvent(eventType, "task-registry", data)
	if err := r.eventBus.Publish(ctx, subject, event); err != nil {
		r.logger.Error("failed to publish event",
			zap.String("subject", subject),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

func (r *Registry) publishActivity(ctx context.Context, taskID, agentID, toolName, summary string, files []string) {
	r.publish(ctx, events.TaskActivityUpdated, events.TaskActivityUpdated, map[string]interface{}{
		"task_id":  taskID,
		"agent_id": agentID,
		"tool":     toolName,
		"activity": summary,
		"files":    files,
	})
}
