package codec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// SparkplugB wire field numbers (Eclipse Tahu Payload/Metric messages).
// Only the fields this system relies on are read/written (spec §6).
const (
	fieldPayloadTimestamp = 1
	fieldPayloadMetrics   = 2
	fieldPayloadSeq       = 3

	fieldMetricName     = 1
	fieldMetricTimestamp = 3
	fieldMetricDatatype = 4

	fieldValueInt     = 10
	fieldValueLong    = 11
	fieldValueFloat   = 12
	fieldValueDouble  = 13
	fieldValueBoolean = 14
	fieldValueString  = 15
)

// Sparkplug-B datatype codes (subset actually exercised by this gateway).
const (
	DataTypeInt32   uint64 = 3
	DataTypeInt64   uint64 = 4
	DataTypeUInt32  uint64 = 7
	DataTypeUInt64  uint64 = 8
	DataTypeFloat   uint64 = 9
	DataTypeDouble  uint64 = 10
	DataTypeBoolean uint64 = 11
	DataTypeString  uint64 = 12
)

// Metric is one flattened Sparkplug-B metric (spec §4.A: "flat list of
// {name, value, type} metrics plus seq and timestamp").
type Metric struct {
	Name     string
	Type     uint64
	Value    interface{}
	RawTS    uint64
	HasRawTS bool
}

// SparkplugData is the structured decode of a Sparkplug-B Payload message.
type SparkplugData struct {
	Timestamp uint64
	Seq       uint64
	HasSeq    bool
	Metrics   []Metric
	// SeqWarning is left empty by DecodeSparkplugB: the decoder is
	// stateless and does not compare seq across messages. A message is
	// never rejected for its seq value.
	SeqWarning string
}

// DecodeSparkplugB parses the Sparkplug-B protobuf wire format using the
// low-level protowire reader (no generated code), extracting only
// timestamp, seq, and metrics[].{name,value,type}.
func DecodeSparkplugB(raw []byte) (*SparkplugData, error) {
	data := &SparkplugData{}
	b := raw
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch num {
		case fieldPayloadTimestamp:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data.Timestamp = v
			b = b[n:]
		case fieldPayloadSeq:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data.Seq = v
			data.HasSeq = true
			b = b[n:]
		case fieldPayloadMetrics:
			body, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m, err := decodeMetric(body)
			if err != nil {
				return nil, err
			}
			data.Metrics = append(data.Metrics, m)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return data, nil
}

func decodeMetric(raw []byte) (Metric, error) {
	m := Metric{}
	b := raw
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, protowire.ParseError(n)
		}
		b = b[n:]

		switch num {
		case fieldMetricName:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			m.Name = s
			b = b[n:]
		case fieldMetricTimestamp:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			m.RawTS = v
			m.HasRawTS = true
			b = b[n:]
		case fieldMetricDatatype:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			m.Type = v
			b = b[n:]
		case fieldValueInt, fieldValueBoolean:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			if num == fieldValueBoolean {
				m.Value = v != 0
			} else {
				m.Value = v
			}
			b = b[n:]
		case fieldValueLong:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			m.Value = v
			b = b[n:]
		case fieldValueFloat:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			m.Value = float32frombits(v)
			b = b[n:]
		case fieldValueDouble:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			m.Value = float64frombits(v)
			b = b[n:]
		case fieldValueString:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			m.Value = s
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return m, nil
}

// EncodeSparkplugB serializes a SparkplugData back into the Sparkplug-B
// wire format. Used by the mapper when a rule returns a mutated msg decoded
// as Sparkplug-B (spec §8 round-trip property: "decode→encode→decode yields
// an equivalent metric list").
func EncodeSparkplugB(data *SparkplugData) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldPayloadTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, data.Timestamp)
	if data.HasSeq {
		b = protowire.AppendTag(b, fieldPayloadSeq, protowire.VarintType)
		b = protowire.AppendVarint(b, data.Seq)
	}
	for _, m := range data.Metrics {
		metricBytes, err := encodeMetric(m)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldPayloadMetrics, protowire.BytesType)
		b = protowire.AppendBytes(b, metricBytes)
	}
	return b, nil
}

func encodeMetric(m Metric) ([]byte, error) {
	var b []byte
	if m.Name != "" {
		b = protowire.AppendTag(b, fieldMetricName, protowire.BytesType)
		b = protowire.AppendString(b, m.Name)
	}
	if m.HasRawTS {
		b = protowire.AppendTag(b, fieldMetricTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, m.RawTS)
	}
	if m.Type != 0 {
		b = protowire.AppendTag(b, fieldMetricDatatype, protowire.VarintType)
		b = protowire.AppendVarint(b, m.Type)
	}
	switch v := m.Value.(type) {
	case uint64:
		switch m.Type {
		case DataTypeInt64, DataTypeUInt64:
			b = protowire.AppendTag(b, fieldValueLong, protowire.VarintType)
		default:
			b = protowire.AppendTag(b, fieldValueInt, protowire.VarintType)
		}
		b = protowire.AppendVarint(b, v)
	case bool:
		b = protowire.AppendTag(b, fieldValueBoolean, protowire.VarintType)
		if v {
			b = protowire.AppendVarint(b, 1)
		} else {
			b = protowire.AppendVarint(b, 0)
		}
	case float32:
		b = protowire.AppendTag(b, fieldValueFloat, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, float32bits(v))
	case float64:
		b = protowire.AppendTag(b, fieldValueDouble, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, float64bits(v))
	case string:
		b = protowire.AppendTag(b, fieldValueString, protowire.BytesType)
		b = protowire.AppendString(b, v)
	case nil:
		// no value set
	default:
		return nil, fmt.Errorf("codec: unsupported sparkplug value type %T", v)
	}
	return b, nil
}
