package filestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"routa/internal/domain"
	"routa/internal/store"
)

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	fs, err := New(dir)
	require.NoError(t, err)
	stores := fs.Stores()

	agent := &domain.Agent{ID: "agent-1", WorkspaceID: "ws-1", Name: "router", Role: domain.RoleRouta, Status: domain.AgentActive}
	require.NoError(t, stores.Agents.Save(ctx, agent))

	task := &domain.Task{ID: "task-1", WorkspaceID: "ws-1", Title: "build", Status: domain.TaskPending}
	require.NoError(t, stores.Tasks.Save(ctx, task))

	_, err = stores.Conversations.Append(ctx, &domain.Message{AgentID: "agent-1", Role: domain.MessageRoleUser, Content: "hello"})
	require.NoError(t, err)

	// Reopen from disk.
	reopened, err := New(dir)
	require.NoError(t, err)
	stores = reopened.Stores()

	gotAgent, err := stores.Agents.Get(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, "router", gotAgent.Name)
	require.Equal(t, domain.AgentActive, gotAgent.Status)

	gotTask, err := stores.Tasks.Get(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, "build", gotTask.Title)

	conv, err := stores.Conversations.Conversation(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, conv, 1)
	require.Equal(t, 1, conv[0].Turn)
	require.Equal(t, "hello", conv[0].Content)

	// The document lands at <dir>/<workspace>.json.
	require.FileExists(t, filepath.Join(dir, "ws-1.json"))
}

func TestAppendRequiresKnownAgent(t *testing.T) {
	fs, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = fs.Stores().Conversations.Append(context.Background(), &domain.Message{AgentID: "agent-ghost", Content: "boo"})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestTaskUpdatePersists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	fs, err := New(dir)
	require.NoError(t, err)
	stores := fs.Stores()

	require.NoError(t, stores.Agents.Save(ctx, &domain.Agent{ID: "agent-1", WorkspaceID: "ws-1"}))
	require.NoError(t, stores.Tasks.Save(ctx, &domain.Task{ID: "task-1", WorkspaceID: "ws-1", Status: domain.TaskPending}))

	require.NoError(t, stores.Tasks.Update(ctx, "task-1", func(task *domain.Task) error {
		task.Status = domain.TaskInProgress
		task.AssignedTo = "agent-1"
		return nil
	}))

	reopened, err := New(dir)
	require.NoError(t, err)
	got, err := reopened.Stores().Tasks.Get(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, domain.TaskInProgress, got.Status)
	require.Equal(t, "agent-1", got.AssignedTo)
}

func TestCorruptDocumentIsSkipped(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ws-bad.json"), []byte("{not json"), 0644))

	fs, err := New(dir)
	require.NoError(t, err)

	_, err = fs.Stores().Agents.Get(context.Background(), "agent-1")
	require.True(t, errors.Is(err, store.ErrNotFound))
}
