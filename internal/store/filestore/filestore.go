// Package filestore persists workspaces as JSON documents on disk, one file
// per workspace. It backs the serve mode so agents, tasks and conversations
// survive restarts. Writes are last-writer-wins per workspace.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"routa/internal/domain"
	"routa/internal/logging"
	"routa/internal/store"
	"routa/internal/utils/id"
)

type workspaceDoc struct {
	WorkspaceID   string                       `json:"workspace_id"`
	Agents        []*domain.Agent              `json:"agents"`
	Tasks         []*domain.Task               `json:"tasks"`
	Conversations map[string][]*domain.Message `json:"conversations,omitempty"`
	UpdatedAt     time.Time                    `json:"updated_at"`
}

// Store holds every loaded workspace document and flushes the owning
// document after each mutation.
type Store struct {
	baseDir string
	logger  logging.Logger

	mu      sync.Mutex
	docs    map[string]*workspaceDoc
	agentWS map[string]string // agent ID -> workspace ID
	taskWS  map[string]string // task ID -> workspace ID
}

// New opens the store rooted at baseDir, creating it when missing and
// loading any existing workspace documents.
func New(baseDir string) (*Store, error) {
	if strings.HasPrefix(baseDir, "~/") {
		home, _ := os.UserHomeDir()
		baseDir = filepath.Join(home, baseDir[2:])
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	s := &Store{
		baseDir: baseDir,
		logger:  logging.NewComponentLogger("FileStore"),
		docs:    make(map[string]*workspaceDoc),
		agentWS: make(map[string]string),
		taskWS:  make(map[string]string),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Stores returns the three persistence ports backed by this store.
func (s *Store) Stores() store.Stores {
	return store.Stores{
		Agents:        (*agentStore)(s),
		Tasks:         (*taskStore)(s),
		Conversations: (*conversationStore)(s),
	}
}

func (s *Store) load() error {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.baseDir, entry.Name())
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			s.logger.Error("Failed to read workspace file %s: %v", entry.Name(), readErr)
			continue
		}
		var doc workspaceDoc
		if jsonErr := json.Unmarshal(data, &doc); jsonErr != nil {
			s.logger.Error("Skipping corrupt workspace file %s: %v", entry.Name(), jsonErr)
			continue
		}
		if doc.WorkspaceID == "" {
			doc.WorkspaceID = strings.TrimSuffix(entry.Name(), ".json")
		}
		s.docs[doc.WorkspaceID] = &doc
		for _, agent := range doc.Agents {
			s.agentWS[agent.ID] = doc.WorkspaceID
		}
		for _, task := range doc.Tasks {
			s.taskWS[task.ID] = doc.WorkspaceID
		}
	}

	if len(s.docs) > 0 {
		s.logger.Info("Loaded %d workspace(s) from %s", len(s.docs), s.baseDir)
	}
	return nil
}

// doc returns the document for a workspace, creating it when absent.
// Caller must hold s.mu.
func (s *Store) doc(workspaceID string) *workspaceDoc {
	doc, ok := s.docs[workspaceID]
	if !ok {
		doc = &workspaceDoc{WorkspaceID: workspaceID}
		s.docs[workspaceID] = doc
	}
	return doc
}

// flush persists one workspace document. Caller must hold s.mu.
func (s *Store) flush(doc *workspaceDoc) error {
	doc.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.baseDir, fmt.Sprintf("%s.json", doc.WorkspaceID))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write workspace %s: %w", doc.WorkspaceID, err)
	}
	return nil
}

type agentStore Store

func (s *agentStore) Save(ctx context.Context, agent *domain.Agent) error {
	if agent == nil || agent.ID == "" {
		return fmt.Errorf("agent must have an ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc := (*Store)(s).doc(agent.WorkspaceID)
	clone := *agent
	replaced := false
	for i, existing := range doc.Agents {
		if existing.ID == agent.ID {
			doc.Agents[i] = &clone
			replaced = true
			break
		}
	}
	if !replaced {
		doc.Agents = append(doc.Agents, &clone)
	}
	s.agentWS[agent.ID] = agent.WorkspaceID
	return (*Store)(s).flush(doc)
}

func (s *agentStore) Get(ctx context.Context, agentID string) (*domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent := (*Store)(s).findAgent(agentID)
	if agent == nil {
		return nil, fmt.Errorf("agent %s: %w", agentID, store.ErrNotFound)
	}
	clone := *agent
	return &clone, nil
}

func (s *agentStore) ListByWorkspace(ctx context.Context, workspaceID string) ([]*domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[workspaceID]
	if !ok {
		return nil, nil
	}
	result := make([]*domain.Agent, len(doc.Agents))
	for i, agent := range doc.Agents {
		clone := *agent
		result[i] = &clone
	}
	return result, nil
}

func (s *agentStore) UpdateStatus(ctx context.Context, agentID string, status domain.AgentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent := (*Store)(s).findAgent(agentID)
	if agent == nil {
		return fmt.Errorf("agent %s: %w", agentID, store.ErrNotFound)
	}
	agent.Status = status
	agent.UpdatedAt = time.Now()
	return (*Store)(s).flush((*Store)(s).doc(agent.WorkspaceID))
}

// findAgent returns the live record. Caller must hold s.mu.
func (s *Store) findAgent(agentID string) *domain.Agent {
	workspaceID, ok := s.agentWS[agentID]
	if !ok {
		return nil
	}
	doc, ok := s.docs[workspaceID]
	if !ok {
		return nil
	}
	for _, agent := range doc.Agents {
		if agent.ID == agentID {
			return agent
		}
	}
	return nil
}

type taskStore Store

func (s *taskStore) Save(ctx context.Context, task *domain.Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task must have an ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc := (*Store)(s).doc(task.WorkspaceID)
	clone := task.Clone()
	replaced := false
	for i, existing := range doc.Tasks {
		if existing.ID == task.ID {
			doc.Tasks[i] = clone
			replaced = true
			break
		}
	}
	if !replaced {
		doc.Tasks = append(doc.Tasks, clone)
	}
	s.taskWS[task.ID] = task.WorkspaceID
	return (*Store)(s).flush(doc)
}

func (s *taskStore) Get(ctx context.Context, taskID string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task := (*Store)(s).findTask(taskID)
	if task == nil {
		return nil, fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
	}
	return task.Clone(), nil
}

func (s *taskStore) ListByWorkspace(ctx context.Context, workspaceID string) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[workspaceID]
	if !ok {
		return nil, nil
	}
	result := make([]*domain.Task, len(doc.Tasks))
	for i, task := range doc.Tasks {
		result[i] = task.Clone()
	}
	return result, nil
}

func (s *taskStore) ListByStatus(ctx context.Context, workspaceID string, status domain.TaskStatus) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[workspaceID]
	if !ok {
		return nil, nil
	}
	var result []*domain.Task
	for _, task := range doc.Tasks {
		if task.Status == status {
			result = append(result, task.Clone())
		}
	}
	return result, nil
}

func (s *taskStore) UpdateStatus(ctx context.Context, taskID string, status domain.TaskStatus) error {
	return s.Update(ctx, taskID, func(task *domain.Task) error {
		task.Status = status
		return nil
	})
}

func (s *taskStore) Update(ctx context.Context, taskID string, mutate func(*domain.Task) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task := (*Store)(s).findTask(taskID)
	if task == nil {
		return fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
	}
	if err := mutate(task); err != nil {
		return err
	}
	task.UpdatedAt = time.Now()
	return (*Store)(s).flush((*Store)(s).doc(task.WorkspaceID))
}

// findTask returns the live record. Caller must hold s.mu.
func (s *Store) findTask(taskID string) *domain.Task {
	workspaceID, ok := s.taskWS[taskID]
	if !ok {
		return nil
	}
	doc, ok := s.docs[workspaceID]
	if !ok {
		return nil
	}
	for _, task := range doc.Tasks {
		if task.ID == taskID {
			return task
		}
	}
	return nil
}

type conversationStore Store

func (s *conversationStore) Append(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	if msg == nil || msg.AgentID == "" {
		return nil, fmt.Errorf("message must have an agent ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	workspaceID, ok := s.agentWS[msg.AgentID]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", msg.AgentID, store.ErrNotFound)
	}
	doc := (*Store)(s).doc(workspaceID)
	if doc.Conversations == nil {
		doc.Conversations = make(map[string][]*domain.Message)
	}

	stored := *msg
	if stored.ID == "" {
		stored.ID = id.NewMessageID()
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now()
	}
	stored.Turn = len(doc.Conversations[msg.AgentID]) + 1
	doc.Conversations[msg.AgentID] = append(doc.Conversations[msg.AgentID], &stored)

	if err := (*Store)(s).flush(doc); err != nil {
		return nil, err
	}
	clone := stored
	return &clone, nil
}

func (s *conversationStore) Conversation(ctx context.Context, agentID string) ([]*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMessages(s.messages(agentID)), nil
}

func (s *conversationStore) LastN(ctx context.Context, agentID string, n int) ([]*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.messages(agentID)
	if n <= 0 || n >= len(conv) {
		return cloneMessages(conv), nil
	}
	return cloneMessages(conv[len(conv)-n:]), nil
}

func (s *conversationStore) ByTurnRange(ctx context.Context, agentID string, startTurn, endTurn int) ([]*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.messages(agentID)
	if startTurn <= 0 {
		startTurn = 1
	}
	if endTurn <= 0 || endTurn > len(conv) {
		endTurn = len(conv)
	}
	if startTurn > endTurn {
		return nil, nil
	}
	return cloneMessages(conv[startTurn-1 : endTurn]), nil
}

// messages returns the live slice. Caller must hold s.mu.
func (s *conversationStore) messages(agentID string) []*domain.Message {
	workspaceID, ok := s.agentWS[agentID]
	if !ok {
		return nil
	}
	doc, ok := s.docs[workspaceID]
	if !ok || doc.Conversations == nil {
		return nil
	}
	return doc.Conversations[agentID]
}

func cloneMessages(msgs []*domain.Message) []*domain.Message {
	if len(msgs) == 0 {
		return nil
	}
	result := make([]*domain.Message, len(msgs))
	for i, msg := range msgs {
		clone := *msg
		result[i] = &clone
	}
	return result
}
