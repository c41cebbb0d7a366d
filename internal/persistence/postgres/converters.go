package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tradewind/tradewind/internal/domain"
)

// triggerConfig is the JSON shape of the trigger_config column.
type triggerConfig struct {
	Expression string `json:"expression,omitempty"`
	IntervalMS int64  `json:"interval_ms,omitempty"`
	EventType  string `json:"event_type,omitempty"`
}

func marshalTriggerConfig(t domain.Trigger) ([]byte, error) {
	config := triggerConfig{
		Expression: t.Expression,
		IntervalMS: t.Interval.Milliseconds(),
		EventType:  t.EventType,
	}
	data, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal trigger config: %w", err)
	}
	return data, nil
}

func unmarshalTriggerConfig(triggerType string, data []byte) (domain.Trigger, error) {
	var config triggerConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return domain.Trigger{}, fmt.Errorf("failed to unmarshal trigger config: %w", err)
	}
	return domain.Trigger{
		Type:       domain.TriggerType(triggerType),
		Expression: config.Expression,
		Interval:   time.Duration(config.IntervalMS) * time.Millisecond,
		EventType:  config.EventType,
	}, nil
}

// rawOrNil maps empty JSON payloads to SQL NULL.
func rawOrNil(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
