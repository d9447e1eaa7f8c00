package worker

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gofrs/uuid"

	"github.com/instill-ai/extraction-backend/pkg/types"
)

// unitNamespace seeds the name-based unit IDs.
var unitNamespace = uuid.Must(uuid.FromString("6f1c2a4e-8d0b-5e3f-9a71-4c2d8b0e5f13"))

// UnitID returns the ID of the index unit of an item. It only depends on
// the item position, so indexing a task twice overwrites the same units.
func UnitID(taskID, category string, index int) string {
	return uuid.NewV5(unitNamespace, fmt.Sprintf("%s/%s/%d", taskID, category, index)).String()
}

// BuildIndexUnits derives one index unit per structured item of a task
// result. Units have no vector yet. Invalid items are embedded from their
// field values.
func BuildIndexUnits(task *types.Task) []types.IndexUnit {
	if task.Result == nil {
		return nil
	}
	result := task.Result

	categories := make([]string, 0, len(result.Items))
	for category := range result.Items {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	var units []types.IndexUnit
	for _, category := range categories {
		for i, item := range result.Items[category] {
			units = append(units, types.IndexUnit{
				UnitID:        UnitID(task.TaskID, category, i),
				EmbeddingText: embeddingText(item, result.EmbeddingField),
				Payload: map[string]any{
					"fields":     item.Fields,
					"task_id":    task.TaskID,
					"tenant_id":  task.TenantID,
					"source_ref": task.SourceRef,
					"category":   category,
					"item_index": i,
					"invalid":    item.Invalid,
				},
			})
		}
	}
	return units
}

func embeddingText(item types.StructuredItem, field string) string {
	if !item.Invalid {
		if s := strings.TrimSpace(fieldString(item.Fields[field])); s != "" {
			return s
		}
	}

	keys := make([]string, 0, len(item.Fields))
	for k := range item.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		v := strings.TrimSpace(fieldString(item.Fields[k]))
		if v == "" {
			continue
		}
		lines = append(lines, k+": "+v)
	}
	return strings.Join(lines, "\n")
}

func fieldString(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, e := range v {
			if s := fieldString(e); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(v)
	}
}
