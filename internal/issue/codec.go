package issue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrMalformedEvent reports bytes that do not decode to a known event.
var ErrMalformedEvent = errors.New("malformed event")

// Marshal encodes e as canonical JSON of the form {"<Kind>":{...}}: object
// keys sorted at every level, no insignificant whitespace, the timestamp in
// UTC. Equal events always encode to equal bytes.
func Marshal(e Event) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("marshal event: nil")
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", e.Kind(), err)
	}
	var fields map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("marshal %s: %w", e.Kind(), err)
	}
	if ts, ok := fields["timestamp"].(string); ok {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: timestamp: %w", e.Kind(), err)
		}
		fields["timestamp"] = t.UTC().Format(time.RFC3339Nano)
	}
	return canonicalEncode(map[string]interface{}{e.Kind(): fields})
}

func canonicalEncode(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			keyBytes, _ := json.Marshal(k)
			buf = append(buf, keyBytes...)
			buf = append(buf, ':')
			valBytes, err := canonicalEncode(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, valBytes...)
		}
		return append(buf, '}'), nil

	case []interface{}:
		buf := []byte{'['}
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			itemBytes, err := canonicalEncode(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, itemBytes...)
		}
		return append(buf, ']'), nil

	default:
		return json.Marshal(v)
	}
}

func decodeAs[T Event](raw json.RawMessage) (Event, error) {
	var e T
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	return e, nil
}

var decoders = map[string]func(json.RawMessage) (Event, error){
	KindCreated:            decodeAs[Created],
	KindStatusChanged:      decodeAs[StatusChanged],
	KindCommentAdded:       decodeAs[CommentAdded],
	KindLabelAdded:         decodeAs[LabelAdded],
	KindLabelRemoved:       decodeAs[LabelRemoved],
	KindTitleChanged:       decodeAs[TitleChanged],
	KindAssigneeChanged:    decodeAs[AssigneeChanged],
	KindDescriptionChanged: decodeAs[DescriptionChanged],
	KindPriorityChanged:    decodeAs[PriorityChanged],
}

// Unmarshal decodes a single-key envelope produced by Marshal. Errors wrap
// ErrMalformedEvent.
func Unmarshal(data []byte) (Event, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if len(envelope) != 1 {
		return nil, fmt.Errorf("%w: envelope has %d keys, want 1", ErrMalformedEvent, len(envelope))
	}
	var (
		kind string
		raw  json.RawMessage
	)
	for k, v := range envelope {
		kind, raw = k, v
	}
	decode, ok := decoders[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedEvent, kind)
	}
	if len(raw) == 0 || raw[0] != '{' {
		return nil, fmt.Errorf("%w: %s payload is not an object", ErrMalformedEvent, kind)
	}
	e, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, kind, err)
	}
	if e.EventTime().IsZero() {
		return nil, fmt.Errorf("%w: %s without timestamp", ErrMalformedEvent, kind)
	}
	return e, nil
}
