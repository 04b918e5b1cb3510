package executor

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"stepflow/pkg/logger"
	"stepflow/pkg/models"
	"stepflow/pkg/storage"
)

// FileExecutor runs file_transform steps: it reads a source object, applies
// a transformation and writes the result back to the object store.
type FileExecutor struct {
	objects storage.ObjectStore
	log     *zap.Logger
}

func NewFileExecutor(objects storage.ObjectStore) *FileExecutor {
	return &FileExecutor{
		objects: objects,
		log:     logger.Get().With(zap.String("executor", "file_transform")),
	}
}

func (e *FileExecutor) Type() models.StepType { return models.StepTypeFileTransform }

// Execute input:
//
//	operation   csv_to_json, json_to_csv or copy
//	source_key  (required) object key to read
//	target_key  (required) object key to write
//
// Output: {key, size, content_type}, which the worker records as a produced
// file on the execution context.
func (e *FileExecutor) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	operation, err := requireString(input, "operation")
	if err != nil {
		return nil, err
	}
	sourceKey, err := requireString(input, "source_key")
	if err != nil {
		return nil, err
	}
	targetKey, err := requireString(input, "target_key")
	if err != nil {
		return nil, err
	}

	source, err := e.objects.Get(ctx, sourceKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read source %s: %w", sourceKey, err)
	}

	var (
		result      []byte
		contentType string
	)
	switch operation {
	case "csv_to_json":
		result, err = csvToJSON(source)
		contentType = "application/json"
	case "json_to_csv":
		result, err = jsonToCSV(source)
		contentType = "text/csv"
	case "copy":
		result, contentType = source, "application/octet-stream"
	default:
		return nil, Permanent(fmt.Errorf("unknown file operation %q", operation))
	}
	if err != nil {
		// Malformed source data will not fix itself on retry.
		return nil, Permanent(fmt.Errorf("file operation %s on %s: %w", operation, sourceKey, err))
	}

	if err := e.objects.Put(ctx, targetKey, result, contentType); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", targetKey, err)
	}

	return map[string]any{
		"key":          targetKey,
		"size":         len(result),
		"content_type": contentType,
	}, nil
}

// csvToJSON converts a CSV document with a header row into an array of
// objects keyed by column name.
func csvToJSON(data []byte) ([]byte, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return json.Marshal([]any{})
	}

	header := records[0]
	rows := make([]map[string]string, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return json.Marshal(rows)
}

// jsonToCSV converts an array of flat objects into CSV. Columns are the
// sorted union of keys so output is deterministic.
func jsonToCSV(data []byte) ([]byte, error) {
	var rows []map[string]any
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, err
	}

	columnSet := make(map[string]struct{})
	for _, row := range rows {
		for k := range row {
			columnSet[k] = struct{}{}
		}
	}
	columns := make([]string, 0, len(columnSet))
	for k := range columnSet {
		columns = append(columns, k)
	}
	sort.Strings(columns)

	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.Write(columns); err != nil {
		return nil, err
	}
	for _, row := range rows {
		record := make([]string, len(columns))
		for i, col := range columns {
			if v, ok := row[col]; ok && v != nil {
				record[i] = fmt.Sprintf("%v", v)
			}
		}
		if err := writer.Write(record); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
