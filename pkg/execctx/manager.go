package execctx

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"stepflow/pkg/models"
	"stepflow/pkg/storage"
	"stepflow/pkg/storage/object"
)

// Manager persists execution contexts in the object store. The context blob
// is the single source of step outputs: the worker saves it after every step
// so a redelivered execution resumes with the outputs of the steps that
// already ran.
type Manager struct {
	store storage.ObjectStore
}

func NewManager(store storage.ObjectStore) *Manager {
	return &Manager{store: store}
}

// Initialize writes a fresh context for a new execution, seeded with the
// resolved variables and any webhook data. Returns the object key.
func (m *Manager) Initialize(ctx context.Context, jobID, execID uuid.UUID, variables map[string]any, webhook *models.WebhookData) (*models.ExecContext, string, error) {
	ec := models.NewExecContext(jobID, execID)
	if variables != nil {
		ec.Variables = variables
	}
	ec.Webhook = webhook

	key := object.ContextKey(jobID, execID)
	if err := m.save(ctx, key, ec); err != nil {
		return nil, "", err
	}
	return ec, key, nil
}

// Load fetches and decodes an execution context by its object key.
func (m *Manager) Load(ctx context.Context, key string) (*models.ExecContext, error) {
	data, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load execution context %s: %w", key, err)
	}
	var ec models.ExecContext
	if err := json.Unmarshal(data, &ec); err != nil {
		return nil, fmt.Errorf("corrupt execution context %s: %w", key, err)
	}
	if ec.Steps == nil {
		ec.Steps = make(map[string]models.StepOutput)
	}
	if ec.Variables == nil {
		ec.Variables = make(map[string]any)
	}
	return &ec, nil
}

// Save overwrites the stored context.
func (m *Manager) Save(ctx context.Context, ec *models.ExecContext) error {
	return m.save(ctx, object.ContextKey(ec.JobID, ec.ExecutionID), ec)
}

func (m *Manager) save(ctx context.Context, key string, ec *models.ExecContext) error {
	data, err := json.Marshal(ec)
	if err != nil {
		return fmt.Errorf("failed to encode execution context: %w", err)
	}
	if err := m.store.Put(ctx, key, data, "application/json"); err != nil {
		return fmt.Errorf("failed to save execution context %s: %w", key, err)
	}
	return nil
}
