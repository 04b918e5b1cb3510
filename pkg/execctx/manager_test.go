package execctx

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stepflow/pkg/models"
	"stepflow/pkg/storage/object"
)

type memObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemObjectStore() *memObjectStore {
	return &memObjectStore{objects: make(map[string][]byte)}
}

func (m *memObjectStore) Put(_ context.Context, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *memObjectStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, assert.AnError
	}
	return data, nil
}

func (m *memObjectStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func TestInitializeWritesContextAtCanonicalKey(t *testing.T) {
	store := newMemObjectStore()
	mgr := NewManager(store)
	jobID, execID := uuid.New(), uuid.New()

	ec, key, err := mgr.Initialize(context.Background(), jobID, execID,
		map[string]any{"region": "eu-west-1"},
		&models.WebhookData{Payload: map[string]any{"id": "w-1"}},
	)
	require.NoError(t, err)
	assert.Equal(t, object.ContextKey(jobID, execID), key)
	assert.Equal(t, "eu-west-1", ec.Variables["region"])

	loaded, err := mgr.Load(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, jobID, loaded.JobID)
	assert.Equal(t, "w-1", loaded.Webhook.Payload["id"])
}

func TestSaveThenLoadRoundTripsStepOutputs(t *testing.T) {
	store := newMemObjectStore()
	mgr := NewManager(store)
	jobID, execID := uuid.New(), uuid.New()

	ec, key, err := mgr.Initialize(context.Background(), jobID, execID, nil, nil)
	require.NoError(t, err)

	ec.Steps["fetch"] = models.StepOutput{
		StepID:   "fetch",
		Status:   models.StepSuccess,
		Output:   map[string]any{"status_code": float64(200)},
		Attempts: 2,
	}
	require.NoError(t, mgr.Save(context.Background(), ec))

	loaded, err := mgr.Load(context.Background(), key)
	require.NoError(t, err)
	require.Contains(t, loaded.Steps, "fetch")
	assert.Equal(t, 2, loaded.Steps["fetch"].Attempts)
	assert.Equal(t, float64(200), loaded.Steps["fetch"].Output["status_code"])
}

func TestLoadMissingContext(t *testing.T) {
	mgr := NewManager(newMemObjectStore())

	_, err := mgr.Load(context.Background(), "jobs/none/executions/none/context.json")
	assert.Error(t, err)
}
