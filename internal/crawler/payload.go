package crawler

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Shaper converts a raw response body into a payload addressed by id.
type Shaper func(idKey string, id Identifier, body []byte) (Payload, error)

// ShapePayload is the default Shaper. Objects get idKey set; arrays and
// scalars are wrapped as {idKey: id, "results": body}. Empty bodies ({},
// [], null, "", 0, false) yield ErrEmptyPayload. Unparsable bodies are
// transient.
func ShapePayload(idKey string, id Identifier, body []byte) (Payload, error) {
	trimmed := bytes.TrimSpace(body)
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("%w: response body is not valid JSON", ErrTransientFetch)
	}
	idRaw, err := json.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("encode identifier: %w", err)
	}
	switch trimmed[0] {
	case '{':
		var obj Payload
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, fmt.Errorf("%w: decode object: %v", ErrTransientFetch, err)
		}
		if len(obj) == 0 {
			return nil, ErrEmptyPayload
		}
		obj[idKey] = idRaw
		return obj, nil
	case '[':
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return nil, fmt.Errorf("%w: decode array: %v", ErrTransientFetch, err)
		}
		if len(arr) == 0 {
			return nil, ErrEmptyPayload
		}
	default:
		if isFalsyScalar(trimmed) {
			return nil, ErrEmptyPayload
		}
	}
	return Payload{
		idKey:     idRaw,
		"results": json.RawMessage(trimmed),
	}, nil
}

func isFalsyScalar(raw []byte) bool {
	switch string(raw) {
	case "null", "false", `""`:
		return true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		f, err := n.Float64()
		return err == nil && f == 0
	}
	return false
}
