package projector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"github.com/starford/dyad/internal/storage"
)

// StreamHandler projects DynamoDB Streams records of the document tables.
// The stream must carry new images.
type StreamHandler struct {
	projector *Projector
	dynamo    *storage.Dynamo
}

// NewStreamHandler creates a handler for tables owned by dynamo.
func NewStreamHandler(p *Projector, dynamo *storage.Dynamo) *StreamHandler {
	return &StreamHandler{projector: p, dynamo: dynamo}
}

// Handle processes one batch. It is designed to be used as an AWS Lambda
// handler; returning an error makes Lambda retry the batch.
func (h *StreamHandler) Handle(ctx context.Context, event events.DynamoDBEvent) error {
	for _, record := range event.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.projector.logger.Error("stream: failed to process record",
				slog.String("event_id", record.EventID),
				slog.String("error", err.Error()))
			return err
		}
	}
	return nil
}

func (h *StreamHandler) processRecord(ctx context.Context, record events.DynamoDBEventRecord) error {
	ns, ok := h.dynamo.Namespace(tableFromARN(record.EventSourceArn))
	if !ok {
		return nil
	}
	key := stringAttr(record.Change.Keys, "pk")
	def, id, ok := h.projector.resolve(ns, key)
	if !ok {
		return nil
	}

	switch record.EventName {
	case string(events.DynamoDBOperationTypeInsert), string(events.DynamoDBOperationTypeModify):
		raw := stringAttr(record.Change.NewImage, "value")
		if raw == "" {
			return fmt.Errorf("stream: %s has no new image", key)
		}
		data, err := storage.Decode([]byte(raw))
		if err != nil {
			return fmt.Errorf("stream: decode %s: %w", key, err)
		}
		return h.projector.Project(ctx, def, data)
	case string(events.DynamoDBOperationTypeRemove):
		return h.projector.Remove(ctx, def, id)
	}
	return nil
}

// tableFromARN extracts the table name from a stream ARN
// ("arn:aws:dynamodb:region:account:table/NAME/stream/LABEL").
func tableFromARN(arn string) string {
	_, rest, ok := strings.Cut(arn, ":table/")
	if !ok {
		return ""
	}
	name, _, _ := strings.Cut(rest, "/")
	return name
}

func stringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	if v, ok := image[key]; ok && v.DataType() == events.DataTypeString {
		return v.String()
	}
	return ""
}
