package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tradewind/tradewind/internal/domain"
)

// timeFormat is the canonical column text format. Fixed-width fractional
// seconds keep lexicographic order equal to chronological order, so
// ORDER BY works on the raw text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// triggerConfig is the JSON shape of the trigger_config column.
type triggerConfig struct {
	Expression string `json:"expression,omitempty"`
	IntervalMS int64  `json:"interval_ms,omitempty"`
	EventType  string `json:"event_type,omitempty"`
}

func marshalTriggerConfig(t domain.Trigger) (string, error) {
	data, err := json.Marshal(triggerConfig{
		Expression: t.Expression,
		IntervalMS: t.Interval.Milliseconds(),
		EventType:  t.EventType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal trigger config: %w", err)
	}
	return string(data), nil
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

func marshalTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("failed to marshal tags: %w", err)
	}
	return string(data), nil
}

func unmarshalTags(text string) ([]string, error) {
	var tags []string
	if err := json.Unmarshal([]byte(text), &tags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
	}
	return tags, nil
}

func timeToText(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func textToTime(text string) (time.Time, error) {
	t, err := time.Parse(timeFormat, text)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", text, err)
	}
	return t, nil
}

func timePtrToNull(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: timeToText(*t), Valid: true}
}

func nullToTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := textToTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func strToNull(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullToStr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func rawToNull(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func nullToRaw(s sql.NullString) json.RawMessage {
	if !s.Valid {
		return nil
	}
	return json.RawMessage(s.String)
}
