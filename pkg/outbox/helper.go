package outbox

import (
	"context"
	"encoding/json"
	"fmt"
)

// InsertEventInTx 序列化 payload 并写入 outbox（辅助函数）
func InsertEventInTx(
	ctx context.Context,
	q Querier,
	repo *Repository,
	aggregateType string,
	aggregateID *int64,
	routingKey string,
	payload any,
) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", routingKey, err)
	}

	return repo.InsertEvent(ctx, q, &Event{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		RoutingKey:    routingKey,
		Payload:       payloadJSON,
		Status:        StatusPending,
	})
}
