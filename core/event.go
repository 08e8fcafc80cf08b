package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Source describes where an event came from.
type Source struct {
	Type     string `json:"type" validate:"required"`
	Subtype  string `json:"subtype,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
}

// Location carries the spatial context of an event. Coordinates are optional.
type Location struct {
	AreaID    string   `json:"area_id,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// Event represents a single detection produced by a sensor pipeline.
// Events are immutable once ingested; they are referenced by at most one
// alarm and retained for audit only.
type Event struct {
	ID           string                 `json:"id"`
	Tenant       string                 `json:"tenant" validate:"required"`
	Site         string                 `json:"site" validate:"required"`
	Source       Source                 `json:"source"`
	ObservedAt   time.Time              `json:"observed_at" validate:"required"`
	IngestedAt   time.Time              `json:"ingested_at"`
	Location     Location               `json:"location"`
	Attributes   map[string]interface{} `json:"attributes,omitempty"`
	Severity     Severity               `json:"severity"`
	SourceFormat string                 `json:"source_format,omitempty"`
}

// NewEvent creates an Event with a generated UUID and empty attributes.
func NewEvent() *Event {
	return &Event{
		ID:         uuid.New().String(),
		Attributes: make(map[string]interface{}),
	}
}

// GroupKey derives the correlation identity tenant:site:area:type.
// The event subtype is preferred over the type so that, for example, two
// "detection" sources with subtypes "person" and "vehicle" correlate into
// distinct alarms.
func (e *Event) GroupKey() string {
	area := e.Location.AreaID
	if area == "" {
		area = "unknown"
	}
	eventType := e.Source.Subtype
	if eventType == "" {
		eventType = e.Source.Type
	}
	if eventType == "" {
		eventType = "unknown"
	}
	return strings.Join([]string{e.Tenant, e.Site, area, eventType}, ":")
}

// Confidence returns the producer-supplied confidence attribute, or the
// fallback when absent or not numeric.
func (e *Event) Confidence(fallback float64) float64 {
	v, ok := e.Attributes["confidence"]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return fallback
	}
}

// String implements fmt.Stringer for log lines.
func (e *Event) String() string {
	return fmt.Sprintf("event %s (%s)", e.ID, e.GroupKey())
}
