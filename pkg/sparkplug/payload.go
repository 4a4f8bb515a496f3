// Package sparkplug decodes Sparkplug B payloads and builds the topic
// namespace the payloads travel on. The wire format is the tahu
// Payload protobuf; decoding walks the raw wire format directly so the
// rest of the pipeline never touches protobuf types.
package sparkplug

import (
	"errors"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformedPayload is wrapped by all decode failures.
var ErrMalformedPayload = errors.New("malformed sparkplug payload")

// DataType is the Sparkplug B metric datatype code.
type DataType uint32

const (
	TypeUnknown  DataType = 0
	TypeInt8     DataType = 1
	TypeInt16    DataType = 2
	TypeInt32    DataType = 3
	TypeInt64    DataType = 4
	TypeUInt8    DataType = 5
	TypeUInt16   DataType = 6
	TypeUInt32   DataType = 7
	TypeUInt64   DataType = 8
	TypeFloat    DataType = 9
	TypeDouble   DataType = 10
	TypeBoolean  DataType = 11
	TypeString   DataType = 12
	TypeDateTime DataType = 13
	TypeText     DataType = 14
)

func (t DataType) String() string {
	switch t {
	case TypeInt8:
		return "Int8"
	case TypeInt16:
		return "Int16"
	case TypeInt32:
		return "Int32"
	case TypeInt64:
		return "Int64"
	case TypeUInt8:
		return "UInt8"
	case TypeUInt16:
		return "UInt16"
	case TypeUInt32:
		return "UInt32"
	case TypeUInt64:
		return "UInt64"
	case TypeFloat:
		return "Float"
	case TypeDouble:
		return "Double"
	case TypeBoolean:
		return "Boolean"
	case TypeString:
		return "String"
	case TypeDateTime:
		return "DateTime"
	case TypeText:
		return "Text"
	default:
		return fmt.Sprintf("DataType(%d)", uint32(t))
	}
}

// Envelope is one decoded Sparkplug B payload.
type Envelope struct {
	Timestamp time.Time
	Seq       uint64
	Metrics   []Metric
}

// Metric is one named, typed value inside an envelope.
type Metric struct {
	Name      string
	Alias     uint64
	Timestamp time.Time
	Type      DataType
	IsNull    bool
	Value     interface{}
}

// Float64 returns the numeric view of the metric value. Booleans map
// to 0/1 so command signals carried as either type compare uniformly.
func (m *Metric) Float64() (float64, bool) {
	if m.IsNull {
		return 0, false
	}
	switch v := m.Value.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// tahu Payload field numbers.
const (
	fieldPayloadTimestamp = 1
	fieldPayloadMetrics   = 2
	fieldPayloadSeq       = 3

	fieldMetricName      = 1
	fieldMetricAlias     = 2
	fieldMetricTimestamp = 3
	fieldMetricDatatype  = 4
	fieldMetricIsNull    = 7
	fieldMetricInt       = 10
	fieldMetricLong      = 11
	fieldMetricFloat     = 12
	fieldMetricDouble    = 13
	fieldMetricBoolean   = 14
	fieldMetricString    = 15
	fieldMetricBytes     = 16
)

// Decode parses a Sparkplug B envelope. It tolerates unknown fields
// and fails only on wire-level corruption.
func Decode(payload []byte) (Envelope, error) {
	var env Envelope

	b := payload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return env, fmt.Errorf("%w: bad tag at offset %d", ErrMalformedPayload, len(payload)-len(b))
		}
		b = b[n:]

		switch {
		case num == fieldPayloadTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return env, fmt.Errorf("%w: truncated timestamp", ErrMalformedPayload)
			}
			env.Timestamp = time.UnixMilli(int64(v)).UTC()
			b = b[n:]
		case num == fieldPayloadSeq && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return env, fmt.Errorf("%w: truncated seq", ErrMalformedPayload)
			}
			env.Seq = v
			b = b[n:]
		case num == fieldPayloadMetrics && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return env, fmt.Errorf("%w: truncated metric", ErrMalformedPayload)
			}
			m, err := decodeMetric(raw)
			if err != nil {
				return env, err
			}
			env.Metrics = append(env.Metrics, m)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return env, fmt.Errorf("%w: bad field %d", ErrMalformedPayload, num)
			}
			b = b[n:]
		}
	}

	return env, nil
}

func decodeMetric(raw []byte) (Metric, error) {
	var m Metric

	b := raw
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, fmt.Errorf("%w: bad metric tag", ErrMalformedPayload)
		}
		b = b[n:]

		var adv int
		switch {
		case num == fieldMetricName && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return m, fmt.Errorf("%w: truncated metric name", ErrMalformedPayload)
			}
			m.Name = string(v)
			adv = n
		case num == fieldMetricAlias && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("%w: truncated alias", ErrMalformedPayload)
			}
			m.Alias = v
			adv = n
		case num == fieldMetricTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("%w: truncated metric timestamp", ErrMalformedPayload)
			}
			m.Timestamp = time.UnixMilli(int64(v)).UTC()
			adv = n
		case num == fieldMetricDatatype && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("%w: truncated datatype", ErrMalformedPayload)
			}
			m.Type = DataType(v)
			adv = n
		case num == fieldMetricIsNull && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("%w: truncated is_null", ErrMalformedPayload)
			}
			m.IsNull = v != 0
			adv = n
		case num == fieldMetricInt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("%w: truncated int value", ErrMalformedPayload)
			}
			// negative Int8/16/32 values arrive as the two's
			// complement bits of a uint32
			m.Value = int64(int32(uint32(v)))
			adv = n
		case num == fieldMetricLong && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("%w: truncated long value", ErrMalformedPayload)
			}
			if m.Type == TypeInt64 {
				m.Value = int64(v)
			} else {
				m.Value = v
			}
			adv = n
		case num == fieldMetricFloat && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return m, fmt.Errorf("%w: truncated float value", ErrMalformedPayload)
			}
			m.Value = float64(math.Float32frombits(v))
			adv = n
		case num == fieldMetricDouble && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return m, fmt.Errorf("%w: truncated double value", ErrMalformedPayload)
			}
			m.Value = math.Float64frombits(v)
			adv = n
		case num == fieldMetricBoolean && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("%w: truncated boolean value", ErrMalformedPayload)
			}
			m.Value = v != 0
			adv = n
		case num == fieldMetricString && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return m, fmt.Errorf("%w: truncated string value", ErrMalformedPayload)
			}
			m.Value = string(v)
			adv = n
		case num == fieldMetricBytes && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return m, fmt.Errorf("%w: truncated bytes value", ErrMalformedPayload)
			}
			m.Value = append([]byte(nil), v...)
			adv = n
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return m, fmt.Errorf("%w: bad metric field %d", ErrMalformedPayload, num)
			}
			adv = n
		}
		b = b[adv:]
	}

	return m, nil
}
