package position

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// ErrMalformedMessage indicates an inbound frame that does not decode into a
// valid Position. The caller logs and drops the frame; it never affects
// connection state.
var ErrMalformedMessage = errors.New("malformed sync message")

// wireMessage is the JSON frame exchanged between peers. Extra fields from
// future peers are ignored on decode; all five fields are required.
type wireMessage struct {
	File      string `json:"file"`
	Line      int    `json:"line"`
	Character int    `json:"character"`
	Source    string `json:"source"`
	Timestamp int64  `json:"timestamp"`
}

// requiredFields lists the wire fields that must be present, with the gjson
// types they must carry.
var requiredFields = []struct {
	name   string
	kind   gjson.Type
	number bool
}{
	{name: "file", kind: gjson.String},
	{name: "line", number: true},
	{name: "character", number: true},
	{name: "source", kind: gjson.String},
	{name: "timestamp", number: true},
}

// Encode serializes p into a single wire frame.
func Encode(p Position) ([]byte, error) {
	data, err := json.Marshal(wireMessage{
		File:      p.File,
		Line:      p.Line,
		Character: p.Character,
		Source:    p.Source,
		Timestamp: p.Timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("encode position: %w", err)
	}
	return data, nil
}

// Decode parses a wire frame into a Position. Unknown extra fields are
// ignored. A frame that is not a JSON object, or that is missing a required
// field or carries it with the wrong type, fails with ErrMalformedMessage.
func Decode(data []byte) (Position, error) {
	if !gjson.ValidBytes(data) {
		return Position{}, fmt.Errorf("%w: not valid JSON", ErrMalformedMessage)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return Position{}, fmt.Errorf("%w: frame is not an object", ErrMalformedMessage)
	}

	for _, f := range requiredFields {
		v := root.Get(f.name)
		if !v.Exists() {
			return Position{}, fmt.Errorf("%w: missing field %q", ErrMalformedMessage, f.name)
		}
		if f.number {
			if v.Type != gjson.Number {
				return Position{}, fmt.Errorf("%w: field %q is not a number", ErrMalformedMessage, f.name)
			}
		} else if v.Type != f.kind {
			return Position{}, fmt.Errorf("%w: field %q has wrong type", ErrMalformedMessage, f.name)
		}
	}

	p := Position{
		File:      root.Get("file").String(),
		Line:      int(root.Get("line").Int()),
		Character: int(root.Get("character").Int()),
		Source:    root.Get("source").String(),
		Timestamp: root.Get("timestamp").Int(),
	}
	if p.File == "" {
		return Position{}, fmt.Errorf("%w: empty file", ErrMalformedMessage)
	}
	if p.Line < 0 || p.Character < 0 {
		return Position{}, fmt.Errorf("%w: negative coordinates", ErrMalformedMessage)
	}
	return p, nil
}
