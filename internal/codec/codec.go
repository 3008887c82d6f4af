// Package codec implements the gateway's decode/encode boundary (spec
// §4.A "Codec registry"). It is the only place that constructs the
// structured payload variants; everything downstream carries the tagged
// union it returns.
package codec

import (
	"encoding/json"

	"unsgateway/internal/topicmatch"
)

// Kind identifies which variant of Payload is populated.
type Kind string

// Payload kinds.
const (
	KindRaw        Kind = "raw"
	KindJSON       Kind = "json"
	KindSparkplugB Kind = "sparkplug_b"
)

// Payload is the decoded, tagged-union form of an inbound message body
// (spec §9 "Dynamic payloads" redesign note). Hop is envelope metadata
// the mapper carries between Decode and Encode to enforce the
// mapper_hop ceiling (spec §4.E, §9); Encode never serializes it, so it
// never mutates the body a sandboxed script sees or returns.
type Payload struct {
	Kind      Kind
	Raw       []byte
	JSON      interface{}
	Sparkplug *SparkplugData
	Hop       int
}

// Decode selects a decoding strategy from the topic and payload bytes.
// Sparkplug-B topics decode as Sparkplug-B; everything else attempts JSON
// and falls back to raw. No decode failure propagates as an error — a
// failed decode degrades to KindRaw (spec §4.A).
func Decode(topic string, raw []byte) Payload {
	if topicmatch.IsSparkplugB(topic) {
		if sp, err := DecodeSparkplugB(raw); err == nil {
			return Payload{Kind: KindSparkplugB, Raw: raw, Sparkplug: sp}
		}
		return Payload{Kind: KindRaw, Raw: raw}
	}

	var v interface{}
	if err := json.Unmarshal(raw, &v); err == nil {
		return Payload{Kind: KindJSON, Raw: raw, JSON: v}
	}
	return Payload{Kind: KindRaw, Raw: raw}
}

// Encode serializes a (possibly mutated) Payload back to wire bytes,
// matching the variant it was decoded as (spec §4.E step 2.c: "JSON if
// decoded structured, raw otherwise").
func Encode(p Payload) ([]byte, error) {
	switch p.Kind {
	case KindJSON:
		return json.Marshal(p.JSON)
	case KindSparkplugB:
		if p.Sparkplug == nil {
			return p.Raw, nil
		}
		return EncodeSparkplugB(p.Sparkplug)
	default:
		return p.Raw, nil
	}
}
