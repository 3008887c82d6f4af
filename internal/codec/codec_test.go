package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeJSON(t *testing.T) {
	p := Decode("plant/a/temp", []byte(`{"value":22.5}`))
	require.Equal(t, KindJSON, p.Kind)
	m, ok := p.JSON.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, 22.5, m["value"])
}

func TestDecodeRawFallback(t *testing.T) {
	p := Decode("plant/a/raw", []byte("not json {{{"))
	require.Equal(t, KindRaw, p.Kind)
	require.Equal(t, []byte("not json {{{"), p.Raw)
}

func TestJSONRoundTripPreservesSemanticEquality(t *testing.T) {
	original := []byte(`{"value":22.5,"unit":"C"}`)
	p := Decode("plant/a/temp", original)
	out, err := Encode(p)
	require.NoError(t, err)

	p2 := Decode("plant/a/temp", out)
	require.Equal(t, p.JSON, p2.JSON)
}

func TestSparkplugBRoundTrip(t *testing.T) {
	data := &SparkplugData{
		Timestamp: 1690000000000,
		Seq:       7,
		HasSeq:    true,
		Metrics: []Metric{
			{Name: "Temperature", Type: DataTypeDouble, Value: 71.4},
			{Name: "Online", Type: DataTypeBoolean, Value: true},
			{Name: "Counter", Type: DataTypeInt64, Value: uint64(42)},
		},
	}
	encoded, err := EncodeSparkplugB(data)
	require.NoError(t, err)

	decoded, err := DecodeSparkplugB(encoded)
	require.NoError(t, err)
	require.Equal(t, data.Timestamp, decoded.Timestamp)
	require.Equal(t, data.Seq, decoded.Seq)
	require.Len(t, decoded.Metrics, 3)
	for i, m := range data.Metrics {
		require.Equal(t, m.Name, decoded.Metrics[i].Name)
		require.Equal(t, m.Type, decoded.Metrics[i].Type)
		require.Equal(t, m.Value, decoded.Metrics[i].Value)
	}
}

func TestDecodeSparkplugBTopicSelection(t *testing.T) {
	data := &SparkplugData{Timestamp: 1, Metrics: []Metric{{Name: "x", Type: DataTypeInt32, Value: uint64(1)}}}
	encoded, err := EncodeSparkplugB(data)
	require.NoError(t, err)

	p := Decode("spBv1.0/group1/DDATA/node1", encoded)
	require.Equal(t, KindSparkplugB, p.Kind)
	require.NotNil(t, p.Sparkplug)
	require.Equal(t, "x", p.Sparkplug.Metrics[0].Name)
}

func TestDecodeSparkplugBFallsBackToRawOnGarbage(t *testing.T) {
	p := Decode("spBv1.0/group1/DDATA/node1", []byte{0xff, 0xff, 0xff})
	require.Equal(t, KindRaw, p.Kind)
}
