package recall

import (
	"context"
	"time"

	"routa/internal/bus"
	"routa/internal/domain"
	"routa/internal/logging"
	"routa/internal/store"
)

const recordTimeout = 30 * time.Second

// Recorder watches the event bus and indexes every agent completion
// report as it lands.
type Recorder struct {
	index  *Index
	stores store.Stores
	sub    *bus.Subscription
	logger logging.Logger
	done   chan struct{}
}

// NewRecorder subscribes to all workspaces and starts indexing in the
// background. Call Close to stop.
func NewRecorder(index *Index, stores store.Stores, eventBus *bus.Bus, logger logging.Logger) *Recorder {
	r := &Recorder{
		index:  index,
		stores: stores,
		sub:    eventBus.Subscribe(""),
		logger: logging.OrNop(logger),
		done:   make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *Recorder) loop() {
	defer close(r.done)
	for event := range r.sub.Events() {
		if event.Kind != domain.EventAgentCompleted {
			continue
		}
		r.record(event)
	}
}

func (r *Recorder) record(event domain.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	entry := Entry{
		ID:          event.AgentID,
		WorkspaceID: event.WorkspaceID,
		AgentID:     event.AgentID,
		Summary:     event.Summary,
		Success:     event.Success,
		Time:        event.Time,
	}
	if agent, err := r.stores.Agents.Get(ctx, event.AgentID); err == nil {
		entry.Role = string(agent.Role)
	}
	if task := r.assignedTask(ctx, event.WorkspaceID, event.AgentID); task != nil {
		entry.TaskID = task.ID
		entry.Title = task.Title
	}

	if err := r.index.Record(ctx, entry); err != nil {
		r.logger.Warn("recall: index report from %s: %v", event.AgentID, err)
	}
}

func (r *Recorder) assignedTask(ctx context.Context, workspaceID, agentID string) *domain.Task {
	tasks, err := r.stores.Tasks.ListByWorkspace(ctx, workspaceID)
	if err != nil {
		return nil
	}
	for _, task := range tasks {
		if task.AssignedTo == agentID {
			return task
		}
	}
	return nil
}

// Close unsubscribes and waits for in-flight indexing to finish.
func (r *Recorder) Close() {
	r.sub.Close()
	<-r.done
}
