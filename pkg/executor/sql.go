package executor

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"stepflow/pkg/logger"
	"stepflow/pkg/models"
	"stepflow/pkg/resilience"
)

// SQLExecutor runs SQL steps against the platform database. Queries run with
// the step's context so step timeouts cancel the statement.
type SQLExecutor struct {
	db       *gorm.DB
	breakers *resilience.Registry
	log      *zap.Logger
}

func NewSQLExecutor(db *gorm.DB, breakers *resilience.Registry) *SQLExecutor {
	return &SQLExecutor{
		db:       db,
		breakers: breakers,
		log:      logger.Get().With(zap.String("executor", "sql")),
	}
}

func (e *SQLExecutor) Type() models.StepType { return models.StepTypeSQL }

// Execute input:
//
//	query (required)
//	args  positional bind parameters
//
// SELECT-style queries return {rows, row_count}; everything else returns
// {rows_affected}.
func (e *SQLExecutor) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	query, err := requireString(input, "query")
	if err != nil {
		return nil, err
	}

	var args []any
	if raw, ok := input["args"].([]any); ok {
		args = raw
	}

	var output map[string]any
	breaker := e.breakers.Get("database")
	err = breaker.Execute(ctx, func() error {
		if isQuery(query) {
			var rows []map[string]any
			if err := e.db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
				return err
			}
			output = map[string]any{
				"rows":      rows,
				"row_count": len(rows),
			}
			return nil
		}

		result := e.db.WithContext(ctx).Exec(query, args...)
		if result.Error != nil {
			return result.Error
		}
		output = map[string]any{
			"rows_affected": result.RowsAffected,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sql step: %w", err)
	}
	return output, nil
}

func isQuery(query string) bool {
	head := strings.ToUpper(strings.TrimSpace(query))
	return strings.HasPrefix(head, "SELECT") || strings.HasPrefix(head, "WITH") ||
		strings.HasPrefix(head, "SHOW")
}
