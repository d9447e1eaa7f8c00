package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/milvus-io/milvus/client/v2/column"
	"github.com/milvus-io/milvus/client/v2/entity"
	"github.com/milvus-io/milvus/client/v2/index"
	"github.com/milvus-io/milvus/client/v2/milvusclient"
	"go.uber.org/zap"

	"github.com/instill-ai/extraction-backend/pkg/logger"
	"github.com/instill-ai/extraction-backend/pkg/types"
)

// VectorDatabase implements the necessary use cases to interact with a vector
// database (e.g., Milvus).
type VectorDatabase interface {
	// CreateCollection creates a collection if it doesn't exist yet.
	CreateCollection(_ context.Context, id string, dimensionality int32) error
	// UpsertUnits writes the index units to the collection, replacing any
	// unit with the same ID.
	UpsertUnits(_ context.Context, collectionID string, units []types.IndexUnit) error
	Close(context.Context) error
}

// Milvus implementation constants
const (
	metricType = entity.COSINE

	unitCollectionFieldUnitID    = "unit_id"
	unitCollectionFieldEmbedding = "embedding"
	unitCollectionFieldTaskID    = "task_id"
	unitCollectionFieldTenantID  = "tenant_id"
	unitCollectionFieldCategory  = "category"
	unitCollectionFieldInvalid   = "invalid"
	unitCollectionFieldText      = "text"
	unitCollectionFieldPayload   = "payload"

	idMaxLength   = 255
	textMaxLength = 65535
)

// CollectionName returns the collection that holds the index units of a
// tenant. Characters that aren't valid in a collection name are replaced by
// underscores.
func CollectionName(prefix, tenantID string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(prefix + tenantID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	name := b.String()
	if name == "" || (name[0] >= '0' && name[0] <= '9') {
		name = "_" + name
	}
	if len(name) > idMaxLength {
		name = name[:idMaxLength]
	}
	return name
}

type milvusClient struct {
	c *milvusclient.Client
}

// NewVectorDatabase returns a VectorDatabase implementation (milvus).
func NewVectorDatabase(ctx context.Context, host, port string) (VectorDatabase, error) {
	c, err := milvusclient.New(ctx, &milvusclient.ClientConfig{
		Address: host + ":" + port,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to milvus: %w", err)
	}

	return &milvusClient{c: c}, nil
}

func (m *milvusClient) CreateCollection(ctx context.Context, collectionName string, dimensionality int32) error {
	logger, _ := logger.GetZapLogger(ctx)
	logger = logger.With(zap.String("collection_name", collectionName), zap.Int32("dimensionality", dimensionality))

	// 1. Check if the collection already exists
	has, err := m.c.HasCollection(ctx, milvusclient.NewHasCollectionOption(collectionName))
	if err != nil {
		return fmt.Errorf("checking collection existence: %w", err)
	}
	if has {
		return nil
	}

	// 2. Create the collection with its vector index
	opt := milvusclient.NewCreateCollectionOption(collectionName, unitSchema(collectionName, dimensionality)).
		WithIndexOptions(milvusclient.NewCreateIndexOption(collectionName, unitCollectionFieldEmbedding, index.NewAutoIndex(metricType)))
	if err := m.c.CreateCollection(ctx, opt); err != nil {
		// Another worker may have created it in the meantime.
		if has, herr := m.c.HasCollection(ctx, milvusclient.NewHasCollectionOption(collectionName)); herr == nil && has {
			return nil
		}
		return fmt.Errorf("creating collection: %w", err)
	}

	logger.Info("Collection created successfully.")
	return nil
}

func unitSchema(collectionName string, dimensionality int32) *entity.Schema {
	varchar := func(name string, maxLength int64) *entity.Field {
		return entity.NewField().WithName(name).WithDataType(entity.FieldTypeVarChar).WithMaxLength(maxLength)
	}

	return entity.NewSchema().
		WithName(collectionName).
		WithField(varchar(unitCollectionFieldUnitID, idMaxLength).WithIsPrimaryKey(true)).
		WithField(entity.NewField().WithName(unitCollectionFieldEmbedding).WithDataType(entity.FieldTypeFloatVector).WithDim(int64(dimensionality))).
		WithField(varchar(unitCollectionFieldTaskID, idMaxLength)).
		WithField(varchar(unitCollectionFieldTenantID, idMaxLength)).
		WithField(varchar(unitCollectionFieldCategory, idMaxLength)).
		WithField(entity.NewField().WithName(unitCollectionFieldInvalid).WithDataType(entity.FieldTypeBool)).
		WithField(varchar(unitCollectionFieldText, textMaxLength)).
		WithField(entity.NewField().WithName(unitCollectionFieldPayload).WithDataType(entity.FieldTypeJSON))
}

// unitColumns holds the column-based representation of a batch of units.
type unitColumns struct {
	unitIDs    []string
	vectors    [][]float32
	taskIDs    []string
	tenantIDs  []string
	categories []string
	invalid    []bool
	texts      []string
	payloads   [][]byte
	dim        int
}

func buildUnitColumns(units []types.IndexUnit) (*unitColumns, error) {
	cols := &unitColumns{
		unitIDs:    make([]string, len(units)),
		vectors:    make([][]float32, len(units)),
		taskIDs:    make([]string, len(units)),
		tenantIDs:  make([]string, len(units)),
		categories: make([]string, len(units)),
		invalid:    make([]bool, len(units)),
		texts:      make([]string, len(units)),
		payloads:   make([][]byte, len(units)),
	}

	for i, u := range units {
		if len(u.Vector) == 0 {
			return nil, fmt.Errorf("unit %s has no vector", u.UnitID)
		}
		if cols.dim == 0 {
			cols.dim = len(u.Vector)
		}
		if len(u.Vector) != cols.dim {
			return nil, fmt.Errorf("unit %s has dimension %d, expected %d", u.UnitID, len(u.Vector), cols.dim)
		}

		payload, err := json.Marshal(u.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshalling payload of unit %s: %w", u.UnitID, err)
		}

		cols.unitIDs[i] = u.UnitID
		cols.vectors[i] = u.Vector
		cols.taskIDs[i] = payloadString(u.Payload, "task_id")
		cols.tenantIDs[i] = payloadString(u.Payload, "tenant_id")
		cols.categories[i] = payloadString(u.Payload, "category")
		cols.invalid[i], _ = u.Payload["invalid"].(bool)
		cols.texts[i] = truncateUTF8(u.EmbeddingText, textMaxLength)
		cols.payloads[i] = payload
	}
	return cols, nil
}

func (m *milvusClient) UpsertUnits(ctx context.Context, collectionName string, units []types.IndexUnit) error {
	if len(units) == 0 {
		return nil
	}

	cols, err := buildUnitColumns(units)
	if err != nil {
		return err
	}

	opt := milvusclient.NewColumnBasedInsertOption(collectionName).
		WithVarcharColumn(unitCollectionFieldUnitID, cols.unitIDs).
		WithFloatVectorColumn(unitCollectionFieldEmbedding, cols.dim, cols.vectors).
		WithVarcharColumn(unitCollectionFieldTaskID, cols.taskIDs).
		WithVarcharColumn(unitCollectionFieldTenantID, cols.tenantIDs).
		WithVarcharColumn(unitCollectionFieldCategory, cols.categories).
		WithColumns(
			column.NewColumnBool(unitCollectionFieldInvalid, cols.invalid),
			column.NewColumnVarChar(unitCollectionFieldText, cols.texts),
			column.NewColumnJSONBytes(unitCollectionFieldPayload, cols.payloads),
		)

	if _, err := m.c.Upsert(ctx, opt); err != nil {
		return fmt.Errorf("upserting units: %w", err)
	}
	return nil
}

func (m *milvusClient) Close(ctx context.Context) error {
	return m.c.Close(ctx)
}

func payloadString(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
