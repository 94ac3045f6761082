package services

import (
	"context"
	"fmt"

	"github.com/litminer/backend/internal/domain"
	"github.com/litminer/backend/internal/infrastructure/logger"
	"github.com/litminer/backend/internal/worker"
)

// RowSource produces one dataset row conforming to the schema. The real
// retrieval/extraction pipeline plugs in here; it is outside the task
// execution core.
type RowSource interface {
	NextRow(ctx context.Context, schema *domain.RowSchema, query string, index int) (map[string]interface{}, error)
}

// DatasetGenerator is the unit of work behind the dataset.generate task:
// resolve the dynamic row schema, produce rows through the source, validate
// each against the schema, and report stage progress along the way.
type DatasetGenerator struct {
	source RowSource
	log    *logger.Logger
}

func NewDatasetGenerator(source RowSource, log *logger.Logger) *DatasetGenerator {
	if source == nil {
		source = placeholderSource{}
	}
	return &DatasetGenerator{source: source, log: log}
}

// Handler adapts the generator to the worker pool.
func (g *DatasetGenerator) Handler() worker.Handler {
	return worker.HandlerFunc(g.execute)
}

func (g *DatasetGenerator) execute(ctx context.Context, payload domain.JSONB, progress worker.Progress) (domain.JSONB, error) {
	query, _ := payload["user_query"].(string)
	modelName, _ := payload["model_name"].(string)
	definitions, _ := payload["field_definitions"].(string)
	rows := intFromPayload(payload["rows"])
	if rows <= 0 {
		return nil, fmt.Errorf("rows must be positive")
	}

	progress(ctx, "schema_preparation", "Creating dataset schema")
	schema, err := domain.ResolveRowSchema(modelName, definitions)
	if err != nil {
		return nil, fmt.Errorf("invalid schema definition: %w", err)
	}

	progress(ctx, "generation", fmt.Sprintf("Generating %d rows", rows))
	generated := make([]interface{}, 0, rows)
	for i := 0; i < rows; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		row, err := g.source.NextRow(ctx, schema, query, i)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		if err := schema.Validate(row); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		generated = append(generated, row)

		// One progress update per quarter keeps the stream readable on large
		// datasets.
		if rows >= 4 && (i+1)%(rows/4) == 0 && i+1 < rows {
			progress(ctx, "generation", fmt.Sprintf("Generated %d/%d rows", i+1, rows))
		}
	}

	progress(ctx, "finalization", "Finalizing dataset")
	g.log.Infow("dataset_generated", "model", schema.Name, "rows", len(generated))

	return domain.JSONB{
		"success": true,
		"model":   schema.Name,
		"rows":    len(generated),
		"data":    generated,
	}, nil
}

func intFromPayload(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		// JSON numbers decode as float64.
		return int(n)
	}
	return 0
}

// placeholderSource synthesizes schema-conformant rows. It stands in for the
// retrieval pipeline in deployments without one configured.
type placeholderSource struct{}

func (placeholderSource) NextRow(_ context.Context, schema *domain.RowSchema, _ string, index int) (map[string]interface{}, error) {
	row := make(map[string]interface{}, len(schema.Fields))
	for _, f := range schema.Fields {
		switch f.Type {
		case domain.FieldTypeString:
			row[f.Name] = fmt.Sprintf("%s-%d", f.Name, index)
		case domain.FieldTypeInt:
			row[f.Name] = index
		case domain.FieldTypeFloat:
			row[f.Name] = float64(index)
		case domain.FieldTypeBool:
			row[f.Name] = index%2 == 0
		case domain.FieldTypeList:
			row[f.Name] = []interface{}{}
		case domain.FieldTypeDict:
			row[f.Name] = map[string]interface{}{}
		}
	}
	return row, nil
}
