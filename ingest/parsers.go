package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"overwatch/core"
)

// ParseJSON decodes one event from a JSON payload.
func ParseJSON(data []byte) (*core.Event, error) {
	event := core.NewEvent()
	if err := json.Unmarshal(data, event); err != nil {
		return nil, fmt.Errorf("%w: malformed JSON event: %v", core.ErrValidation, err)
	}
	event.SourceFormat = "json"
	return event, nil
}

// ParseJSONBatch decodes a JSON array of events.
func ParseJSONBatch(data []byte) ([]*core.Event, error) {
	var events []*core.Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("%w: malformed JSON event batch: %v", core.ErrValidation, err)
	}
	for _, event := range events {
		if event != nil {
			event.SourceFormat = "json"
		}
	}
	return events, nil
}

// ParseMsgpack decodes one event from a MessagePack payload, the compact
// format used by high-rate producers.
func ParseMsgpack(data []byte) (*core.Event, error) {
	event := core.NewEvent()
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	// Field naming on the wire matches the JSON representation.
	dec.SetCustomStructTag("json")
	if err := dec.Decode(event); err != nil {
		return nil, fmt.Errorf("%w: malformed msgpack event: %v", core.ErrValidation, err)
	}
	event.SourceFormat = "msgpack"
	return event, nil
}
