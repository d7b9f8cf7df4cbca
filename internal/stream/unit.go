// Package stream normalizes incremental model output into canonical text tokens
// and frames them for line-oriented transport.
//
// The pipeline is pull-based: each stage asks its upstream for the next item
// only when its own consumer asks for one, so a slow consumer holds a fast
// producer back without any intermediate queue.
//
//	Source -> Normalize -> WithCallbacks -> NewFrameReader / WriteFrames
package stream

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// ModelStreamEvent is the event name whose payload carries a message delta.
const ModelStreamEvent = "on_chat_model_stream"

// PartTypeText marks a content part that carries text.
const PartTypeText = "text"

// ErrMalformedUnit is returned for upstream items that are neither text,
// a message delta, nor an event envelope.
var ErrMalformedUnit = errors.New("malformed upstream unit")

// Kind discriminates the shapes an upstream unit can take.
type Kind int

const (
	KindText Kind = iota + 1
	KindDelta
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindDelta:
		return "delta"
	case KindEvent:
		return "event"
	default:
		return "unknown"
	}
}

// ContentPart is one typed element of a structured message content.
type ContentPart struct {
	Type string
	Text string
	// Raw holds the original JSON of the part, if it was decoded from JSON.
	Raw json.RawMessage
}

// MessageDelta is an incremental message record. Exactly one of Content or
// Parts is meaningful: Content when the content is a plain string.
type MessageDelta struct {
	Content *string
	Parts   []ContentPart
}

// StringDelta returns a delta whose content is a single string.
func StringDelta(s string) MessageDelta {
	return MessageDelta{Content: &s}
}

// PartsDelta returns a delta whose content is a list of typed parts.
func PartsDelta(parts ...ContentPart) MessageDelta {
	if parts == nil {
		parts = []ContentPart{}
	}
	return MessageDelta{Parts: parts}
}

// TextPart returns a textual content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartTypeText, Text: text}
}

// Unit is one item read from an upstream source.
type Unit struct {
	Kind Kind

	// Text is set for KindText.
	Text string

	// Delta is set for KindDelta.
	Delta *MessageDelta

	// Event and Payload are set for KindEvent. Payload is the nested
	// message delta, if the envelope carried one.
	Event   string
	Payload *MessageDelta
}

// TextUnit wraps a plain text fragment.
func TextUnit(s string) Unit {
	return Unit{Kind: KindText, Text: s}
}

// DeltaUnit wraps a message delta.
func DeltaUnit(d MessageDelta) Unit {
	return Unit{Kind: KindDelta, Delta: &d}
}

// EventUnit wraps a tagged event envelope.
func EventUnit(name string, payload *MessageDelta) Unit {
	return Unit{Kind: KindEvent, Event: name, Payload: payload}
}

// DecodeUnit classifies one JSON-encoded upstream item:
//
//   - a JSON string is plain text
//   - an object with an "event" member is an event envelope; its delta is read
//     from data.chunk
//   - an object with a "content" member (string or array of parts) is a message delta
//
// Anything else is ErrMalformedUnit.
func DecodeUnit(raw []byte) (Unit, error) {
	if !gjson.ValidBytes(raw) {
		return Unit{}, fmt.Errorf("%w: invalid JSON", ErrMalformedUnit)
	}
	res := gjson.ParseBytes(raw)

	if res.Type == gjson.String {
		return TextUnit(res.String()), nil
	}
	if !res.IsObject() {
		return Unit{}, fmt.Errorf("%w: expected string or object, got %s", ErrMalformedUnit, res.Type)
	}

	if ev := res.Get("event"); ev.Exists() {
		if ev.Type != gjson.String {
			return Unit{}, fmt.Errorf("%w: event tag must be a string", ErrMalformedUnit)
		}
		var payload *MessageDelta
		if chunk := res.Get("data.chunk"); chunk.IsObject() {
			if d, ok := decodeDelta(chunk); ok {
				payload = &d
			}
		}
		return EventUnit(ev.String(), payload), nil
	}

	if res.Get("content").Exists() {
		d, ok := decodeDelta(res)
		if !ok {
			return Unit{}, fmt.Errorf("%w: content must be a string or an array", ErrMalformedUnit)
		}
		return DeltaUnit(d), nil
	}

	return Unit{}, fmt.Errorf("%w: object has neither event nor content", ErrMalformedUnit)
}

func decodeDelta(obj gjson.Result) (MessageDelta, bool) {
	content := obj.Get("content")
	switch {
	case content.Type == gjson.String:
		return StringDelta(content.String()), true
	case content.IsArray():
		items := content.Array()
		parts := make([]ContentPart, 0, len(items))
		for _, item := range items {
			parts = append(parts, ContentPart{
				Type: item.Get("type").String(),
				Text: item.Get("text").String(),
				Raw:  json.RawMessage(item.Raw),
			})
		}
		return PartsDelta(parts...), true
	default:
		return MessageDelta{}, false
	}
}
