package executor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stepflow/pkg/storage"
)

type memObjectStore struct {
	mu    sync.Mutex
	data  map[string][]byte
	types map[string]string
}

func newMemObjectStore() *memObjectStore {
	return &memObjectStore{data: make(map[string][]byte), types: make(map[string]string)}
}

func (m *memObjectStore) Put(_ context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), data...)
	m.types[key] = contentType
	return nil
}

func (m *memObjectStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), d...), nil
}

func (m *memObjectStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func TestFileExecuteCSVToJSON(t *testing.T) {
	objects := newMemObjectStore()
	require.NoError(t, objects.Put(context.Background(), "in.csv",
		[]byte("id,name\n1,alpha\n2,beta\n"), "text/csv"))

	e := NewFileExecutor(objects)
	out, err := e.Execute(context.Background(), map[string]any{
		"operation":  "csv_to_json",
		"source_key": "in.csv",
		"target_key": "out.json",
	})
	require.NoError(t, err)
	assert.Equal(t, "out.json", out["key"])
	assert.Equal(t, "application/json", out["content_type"])

	blob, err := objects.Get(context.Background(), "out.json")
	require.NoError(t, err)
	var rows []map[string]string
	require.NoError(t, json.Unmarshal(blob, &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "alpha", rows[0]["name"])
	assert.Equal(t, "2", rows[1]["id"])
}

func TestFileExecuteJSONToCSVSortsColumns(t *testing.T) {
	objects := newMemObjectStore()
	require.NoError(t, objects.Put(context.Background(), "in.json",
		[]byte(`[{"name":"alpha","id":1},{"id":2,"extra":"x"}]`), "application/json"))

	e := NewFileExecutor(objects)
	_, err := e.Execute(context.Background(), map[string]any{
		"operation":  "json_to_csv",
		"source_key": "in.json",
		"target_key": "out.csv",
	})
	require.NoError(t, err)

	blob, err := objects.Get(context.Background(), "out.csv")
	require.NoError(t, err)
	assert.Equal(t, "extra,id,name\n,1,alpha\nx,2,\n", string(blob))
}

func TestFileExecuteCopy(t *testing.T) {
	objects := newMemObjectStore()
	require.NoError(t, objects.Put(context.Background(), "src", []byte{0x1, 0x2}, ""))

	e := NewFileExecutor(objects)
	out, err := e.Execute(context.Background(), map[string]any{
		"operation":  "copy",
		"source_key": "src",
		"target_key": "dst",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, out["size"])

	blob, err := objects.Get(context.Background(), "dst")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x1, 0x2}, blob)
}

func TestFileExecuteMalformedSourceIsPermanent(t *testing.T) {
	objects := newMemObjectStore()
	require.NoError(t, objects.Put(context.Background(), "in.json", []byte("not json"), ""))

	e := NewFileExecutor(objects)
	_, err := e.Execute(context.Background(), map[string]any{
		"operation":  "json_to_csv",
		"source_key": "in.json",
		"target_key": "out.csv",
	})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestFileExecuteMissingSourceIsRetryable(t *testing.T) {
	e := NewFileExecutor(newMemObjectStore())
	_, err := e.Execute(context.Background(), map[string]any{
		"operation":  "copy",
		"source_key": "gone",
		"target_key": "dst",
	})
	require.Error(t, err)
	// Object store reads can fail transiently; let the attempt loop decide.
	assert.False(t, IsPermanent(err))
}

func TestFileExecuteUnknownOperationIsPermanent(t *testing.T) {
	objects := newMemObjectStore()
	require.NoError(t, objects.Put(context.Background(), "src", []byte("x"), ""))

	e := NewFileExecutor(objects)
	_, err := e.Execute(context.Background(), map[string]any{
		"operation":  "rot13",
		"source_key": "src",
		"target_key": "dst",
	})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestRegistryRejectsUnknownStepType(t *testing.T) {
	r := NewRegistry(NewFileExecutor(newMemObjectStore()))
	_, err := r.Get("shell")
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}
