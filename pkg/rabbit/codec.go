package rabbit

import (
	"fmt"
	"reflect"

	"github.com/goccy/go-json"
	"google.golang.org/protobuf/proto"
)

const (
	ContentTypeJSON  = "application/json"
	ContentTypeProto = "application/x-protobuf"
)

// Codec turns message bodies into values and back.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec is the default envelope: a UTF-8 JSON object.
type JSONCodec struct{}

func (JSONCodec) ContentType() string { return ContentTypeJSON }

func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// ProtoCodec encodes proto.Message values. Unmarshal accepts either a
// message pointer or a pointer to one, which it allocates when nil.
type ProtoCodec struct{}

func (ProtoCodec) ContentType() string { return ContentTypeProto }

func (ProtoCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("proto codec: %T is not a proto.Message", v)
	}
	return proto.Marshal(m)
}

func (ProtoCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(proto.Message)
	if !ok {
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Pointer || rv.Elem().Kind() != reflect.Pointer {
			return fmt.Errorf("proto codec: %T is not a proto.Message", v)
		}
		if rv.Elem().IsNil() {
			rv.Elem().Set(reflect.New(rv.Elem().Type().Elem()))
		}
		if m, ok = rv.Elem().Interface().(proto.Message); !ok {
			return fmt.Errorf("proto codec: %T is not a proto.Message", v)
		}
	}
	return proto.Unmarshal(data, m)
}

// decode checks the content type of body against codec and unmarshals it
// into a new T. Every failure wraps ErrDecode.
func decode[T any](codec Codec, contentType string, body []byte) (T, error) {
	var msg T
	if contentType != "" && contentType != codec.ContentType() {
		return msg, fmt.Errorf("%w: content type %q, want %q", ErrDecode, contentType, codec.ContentType())
	}
	if err := codec.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return msg, nil
}
