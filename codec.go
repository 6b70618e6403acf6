package audit

import "encoding/json"

// Codec converts events to and from transport payloads.
type Codec interface {
	Encode(e AuditEvent) ([]byte, error)
	Decode(b []byte) (AuditEvent, error)
}

// JSONCodec encodes events as flat, type-discriminated JSON.
type JSONCodec struct{}

// Encode implements Codec.
func (JSONCodec) Encode(e AuditEvent) ([]byte, error) {
	return json.Marshal(e)
}

// Decode implements Codec.
func (JSONCodec) Decode(b []byte) (AuditEvent, error) {
	var e AuditEvent
	if err := json.Unmarshal(b, &e); err != nil {
		return AuditEvent{}, err
	}
	return e, nil
}
