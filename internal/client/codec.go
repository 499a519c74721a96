package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/gorilla/websocket"
)

// ErrUnsupportedPayload is returned by the raw codec for payloads that are
// neither strings nor byte slices.
var ErrUnsupportedPayload = errors.New("unsupported payload type")

// Codec converts between application payloads and transport frames
type Codec interface {
	Encode(payload any) (Frame, error)
	// Decode never fails; undecodable data is returned raw.
	Decode(messageType int, data []byte) any
}

// JSONCodec encodes structured payloads as JSON text frames. Strings and
// json.RawMessage go out unchanged and byte slices as binary frames. Inbound
// text that is not valid JSON decodes to its raw string; binary frames are
// never parsed.
type JSONCodec struct{}

// Encode implements Codec
func (JSONCodec) Encode(payload any) (Frame, error) {
	switch p := payload.(type) {
	case string:
		return Frame{Type: websocket.TextMessage, Data: []byte(p)}, nil
	case json.RawMessage:
		return Frame{Type: websocket.TextMessage, Data: p}, nil
	case []byte:
		return Frame{Type: websocket.BinaryMessage, Data: p}, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to encode payload: %w", err)
	}
	return Frame{Type: websocket.TextMessage, Data: data}, nil
}

// Decode implements Codec
func (JSONCodec) Decode(messageType int, data []byte) any {
	if messageType == websocket.BinaryMessage {
		return data
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	return v
}

// RawCodec passes strings as text frames and byte slices as binary frames.
type RawCodec struct{}

// Encode implements Codec
func (RawCodec) Encode(payload any) (Frame, error) {
	switch p := payload.(type) {
	case string:
		return Frame{Type: websocket.TextMessage, Data: []byte(p)}, nil
	case []byte:
		return Frame{Type: websocket.BinaryMessage, Data: p}, nil
	case json.RawMessage:
		return Frame{Type: websocket.TextMessage, Data: p}, nil
	default:
		return Frame{}, fmt.Errorf("%w: %T", ErrUnsupportedPayload, payload)
	}
}

// Decode implements Codec
func (RawCodec) Decode(messageType int, data []byte) any {
	if messageType == websocket.BinaryMessage {
		return data
	}
	return string(data)
}

// ReplyMatcher reports whether an inbound decoded payload is a heartbeat reply
type ReplyMatcher func(payload any) bool

// MatchValue matches payloads equal to want, either deeply or by their JSON
// encoding, so a decoded {"type":"pong"} matches map[string]string{"type": "pong"}.
func MatchValue(want any) ReplyMatcher {
	wantJSON, wantErr := json.Marshal(want)
	return func(got any) bool {
		if reflect.DeepEqual(got, want) {
			return true
		}
		if wantErr != nil {
			return false
		}
		gotJSON, err := json.Marshal(got)
		return err == nil && bytes.Equal(gotJSON, wantJSON)
	}
}

// MatchFunc wraps a predicate. A predicate that panics counts as no match.
func MatchFunc(fn func(payload any) bool) ReplyMatcher {
	return func(got any) (ok bool) {
		defer func() {
			if recover() != nil {
				ok = false
			}
		}()
		return fn(got)
	}
}
