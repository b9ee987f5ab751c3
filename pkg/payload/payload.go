// Package payload coerces host values into message payloads and headers.
//
// A value is a scalar (string, []byte, bool, integer, float) or a record
// (map[string]any) with a required "payload" field and an optional "headers"
// record. Scalars other than strings and bytes are encoded in their text form.
package payload

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/lightforgemedia/go-nuts/pkg/broker"
)

const (
	FieldPayload = "payload"
	FieldHeaders = "headers"
)

// EncodingError reports a value that cannot be coerced into bytes.
// Index is the position in the input list, or -1 for a single value.
type EncodingError struct {
	Index int
	Field string
	Value any
}

func (e *EncodingError) Error() string {
	var b strings.Builder
	b.WriteString("cannot encode ")
	b.WriteString(kindOf(e.Value))
	if e.Field != "" {
		fmt.Fprintf(&b, " in field %q", e.Field)
	}
	if e.Index >= 0 {
		fmt.Fprintf(&b, " of input item %d", e.Index)
	}
	b.WriteString(" as bytes")
	return b.String()
}

// ProtocolError reports a structured input missing a required field.
type ProtocolError struct {
	Index  int
	Field  string
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("input item %d: %s: %s", e.Index, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Outgoing is a coerced message body.
type Outgoing struct {
	Payload []byte
	Header  broker.Header
}

// Message coerces one publish input. index locates it in a list, -1 otherwise.
func Message(index int, v any) (Outgoing, error) {
	rec, ok := asRecord(v)
	if !ok {
		b, err := bytesOf(index, "", v)
		if err != nil {
			return Outgoing{}, err
		}
		return Outgoing{Payload: b}, nil
	}

	raw, ok := rec[FieldPayload]
	if !ok {
		return Outgoing{}, &ProtocolError{Index: index, Field: FieldPayload, Reason: "input record must contain a payload field"}
	}
	b, err := bytesOf(index, FieldPayload, raw)
	if err != nil {
		return Outgoing{}, err
	}

	out := Outgoing{Payload: b}
	if hv, ok := rec[FieldHeaders]; ok && hv != nil {
		h, err := headerOf(index, hv)
		if err != nil {
			return Outgoing{}, err
		}
		out.Header = h
	}
	return out, nil
}

// Bytes coerces a scalar value. index locates it in a list, -1 otherwise.
func Bytes(index int, v any) ([]byte, error) {
	return bytesOf(index, "", v)
}

// Record returns v as a record of fields.
func Record(v any) (map[string]any, bool) {
	return asRecord(v)
}

// Text decodes b as UTF-8, replacing invalid sequences.
func Text(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "�")
}

func headerOf(index int, v any) (broker.Header, error) {
	rec, ok := asRecord(v)
	if !ok {
		return nil, &EncodingError{Index: index, Field: FieldHeaders, Value: v}
	}
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := make(broker.Header, len(rec))
	for _, k := range keys {
		field := FieldHeaders + "." + k
		switch vals := rec[k].(type) {
		case []any:
			for _, item := range vals {
				s, err := textOf(index, field, item)
				if err != nil {
					return nil, err
				}
				h[k] = append(h[k], s)
			}
		case []string:
			h[k] = append(h[k], vals...)
		default:
			s, err := textOf(index, field, vals)
			if err != nil {
				return nil, err
			}
			h[k] = []string{s}
		}
	}
	return h, nil
}

func bytesOf(index int, field string, v any) ([]byte, error) {
	switch x := v.(type) {
	case []byte:
		return x, nil
	case string:
		return []byte(x), nil
	}
	s, err := textOf(index, field, v)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

func textOf(index int, field string, v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.FormatInt(int64(x), 10), nil
	case int8:
		return strconv.FormatInt(int64(x), 10), nil
	case int16:
		return strconv.FormatInt(int64(x), 10), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case json.Number:
		return x.String(), nil
	case time.Time:
		return x.Format(time.RFC3339Nano), nil
	default:
		return "", &EncodingError{Index: index, Field: field, Value: v}
	}
}

func asRecord(v any) (map[string]any, bool) {
	switch x := v.(type) {
	case map[string]any:
		return x, true
	case map[string]string:
		rec := make(map[string]any, len(x))
		for k, s := range x {
			rec[k] = s
		}
		return rec, true
	default:
		return nil, false
	}
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "nothing"
	case []any:
		return "list"
	case map[string]any, map[string]string:
		return "record"
	default:
		return fmt.Sprintf("%T", v)
	}
}
