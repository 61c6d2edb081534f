// Package stream turns DynamoDB Streams events into store change
// notifications, so writes made outside a Store reach the same sinks.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jacentio/canopy/adapter"
	"github.com/jacentio/canopy/schema"
	"github.com/jacentio/canopy/store"
)

// Config holds configuration for a Handler.
type Config struct {
	// TTLAttribute is the epoch-seconds attribute whose first appearance marks
	// a soft delete.
	// Default: "ttl"
	TTLAttribute string

	// TenantAttribute names a string attribute carrying the tenant. When empty
	// or absent from an item, changes are attributed to store.DefaultTenant.
	TenantAttribute string

	// Logger for per-record diagnostics.
	// Default: slog.Default()
	Logger *slog.Logger
}

func (c *Config) validate() {
	if c.TTLAttribute == "" {
		c.TTLAttribute = "ttl"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Handler processes DynamoDB stream events for a set of schemas.
type Handler struct {
	sink    store.ChangeSink
	schemas map[string]*schema.Schema
	config  Config
	logger  *slog.Logger
}

// NewHandler creates a Handler that sends changes to sink. Events are matched
// to schemas by the table name in their event source ARN.
func NewHandler(sink store.ChangeSink, config Config, schemas ...*schema.Schema) *Handler {
	config.validate()
	h := &Handler{
		sink:    sink,
		schemas: make(map[string]*schema.Schema, len(schemas)),
		config:  config,
		logger:  config.Logger,
	}
	for _, s := range schemas {
		h.schemas[s.Table()] = s
	}
	return h
}

// HandleEvent processes every record in order and stops at the first failure,
// so Lambda retries the whole batch.
func (h *Handler) HandleEvent(ctx context.Context, event events.DynamoDBEvent) error {
	for _, record := range event.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.Error("failed to process record",
				"eventID", record.EventID,
				"error", err,
			)
			return err
		}
	}
	return nil
}

// HandleBatch processes every record and reports failed ones by sequence
// number, for event source mappings with partial batch responses enabled.
func (h *Handler) HandleBatch(ctx context.Context, event events.DynamoDBEvent) (events.DynamoDBEventResponse, error) {
	var resp events.DynamoDBEventResponse
	for _, record := range event.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.Error("failed to process record",
				"eventID", record.EventID,
				"sequenceNumber", record.Change.SequenceNumber,
				"error", err,
			)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.DynamoDBBatchItemFailure{
				ItemIdentifier: record.Change.SequenceNumber,
			})
		}
	}
	return resp, nil
}

func (h *Handler) processRecord(ctx context.Context, record events.DynamoDBEventRecord) error {
	table := TableFromARN(record.EventSourceArn)
	s, ok := h.schemas[table]
	if !ok {
		h.logger.Debug("skipping record for unknown table", "table", table, "eventID", record.EventID)
		return nil
	}

	change := store.Change{Schema: s.Name()}
	image := record.Change.NewImage
	switch record.EventName {
	case string(events.DynamoDBOperationTypeInsert):
		change.Type = store.ChangeCreate
	case string(events.DynamoDBOperationTypeModify):
		oldTTL := getNumberAttr(record.Change.OldImage, h.config.TTLAttribute)
		newTTL := getNumberAttr(record.Change.NewImage, h.config.TTLAttribute)
		change.Type = store.ChangeUpdate
		if oldTTL == 0 && newTTL != 0 {
			change.Type = store.ChangeRemove
			change.SoftDelete = true
		}
	case string(events.DynamoDBOperationTypeRemove):
		if isTTLExpiry(record) {
			// already announced when the TTL was set
			h.logger.Debug("skipping TTL expiry", "table", table, "eventID", record.EventID)
			return nil
		}
		change.Type = store.ChangeRemove
		image = record.Change.OldImage
	default:
		return fmt.Errorf("unknown event name %q", record.EventName)
	}

	if image == nil {
		image = record.Change.Keys
	}
	change.Tenant = store.DefaultTenant
	if h.config.TenantAttribute != "" {
		if tenant := getStringAttr(image, h.config.TenantAttribute); tenant != "" {
			change.Tenant = tenant
		}
	}

	entities, err := store.ColumnTransformer{Schema: s}.Transform(ctx, nil, []adapter.Record{ConvertImage(image)}, store.Params{})
	if err != nil {
		return fmt.Errorf("transform %s: %w", table, err)
	}
	change.Data = entities[0]

	h.logger.Info("forwarding change",
		"schema", change.Schema,
		"type", change.Type,
		"tenant", change.Tenant,
		"softDelete", change.SoftDelete,
	)
	if err := h.sink.Notify(ctx, change); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

// isTTLExpiry reports whether DynamoDB removed the item because its TTL passed.
func isTTLExpiry(record events.DynamoDBEventRecord) bool {
	id := record.UserIdentity
	return id != nil && id.Type == "Service" && id.PrincipalID == "dynamodb.amazonaws.com"
}

// TableFromARN extracts the table name from a table or stream ARN such as
// arn:aws:dynamodb:eu-west-1:123456789012:table/people/stream/2024-01-01T00:00:00.000.
func TableFromARN(arn string) string {
	_, rest, ok := strings.Cut(arn, ":table/")
	if !ok {
		return ""
	}
	table, _, _ := strings.Cut(rest, "/")
	return table
}

// ConvertImage converts a stream image to a record. Numbers become float64,
// matching items read through the dynamo adapter.
func ConvertImage(image map[string]events.DynamoDBAttributeValue) adapter.Record {
	rec := make(adapter.Record, len(image))
	for k, v := range image {
		rec[k] = convertValue(v)
	}
	return rec
}

func convertValue(v events.DynamoDBAttributeValue) any {
	switch v.DataType() {
	case events.DataTypeString:
		return v.String()
	case events.DataTypeNumber:
		return parseNumber(v.Number())
	case events.DataTypeBoolean:
		return v.Boolean()
	case events.DataTypeBinary:
		return v.Binary()
	case events.DataTypeMap:
		return map[string]any(ConvertImage(v.Map()))
	case events.DataTypeList:
		list := make([]any, len(v.List()))
		for i, item := range v.List() {
			list[i] = convertValue(item)
		}
		return list
	case events.DataTypeStringSet:
		return v.StringSet()
	case events.DataTypeNumberSet:
		set := make([]any, len(v.NumberSet()))
		for i, n := range v.NumberSet() {
			set[i] = parseNumber(n)
		}
		return set
	case events.DataTypeBinarySet:
		return v.BinarySet()
	}
	return nil
}

func parseNumber(s string) any {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return s
	}
	return f
}

// getStringAttr extracts a string attribute from a DynamoDB stream image.
func getStringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	if v, ok := image[key]; ok && v.DataType() == events.DataTypeString {
		return v.String()
	}
	return ""
}

// getNumberAttr extracts a number attribute from a DynamoDB stream image.
func getNumberAttr(image map[string]events.DynamoDBAttributeValue, key string) int64 {
	if v, ok := image[key]; ok {
		if v.DataType() == events.DataTypeNumber {
			n, _ := strconv.ParseInt(v.Number(), 10, 64)
			return n
		}
	}
	return 0
}
