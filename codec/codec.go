// Package codec turns raw inbound WebSocket frames into host-facing payloads
package codec

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/c360/wsfeed/errors"
	"github.com/gabriel-vasile/mimetype"
)

// DecodeMode selects how inbound frame bytes are interpreted
type DecodeMode string

// Supported decode modes
const (
	ModeText       DecodeMode = "text"
	ModeStructured DecodeMode = "structured"
	ModeBinary     DecodeMode = "binary"
)

// ParseMode accepts the canonical names plus the legacy aliases "string" and "json".
// An empty value selects text.
func ParseMode(s string) (DecodeMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text", "string":
		return ModeText, nil
	case "structured", "json":
		return ModeStructured, nil
	case "binary":
		return ModeBinary, nil
	default:
		return "", errors.WrapInvalid(
			fmt.Errorf("%w: unknown decode mode %q", errors.ErrInvalidConfig, s),
			"codec", "ParseMode", "parse decode mode")
	}
}

// String returns the canonical mode name
func (m DecodeMode) String() string {
	if m == "" {
		return string(ModeText)
	}
	return string(m)
}

// Valid reports whether m is one of the supported modes (empty counts as text)
func (m DecodeMode) Valid() bool {
	switch m {
	case "", ModeText, ModeStructured, ModeBinary:
		return true
	}
	return false
}

// Payload is the decoded form of one frame. Exactly one of Text, Value or Binary is
// meaningful, according to Mode.
type Payload struct {
	Mode   DecodeMode
	Text   string
	Value  any
	Binary *Binary
}

// MarshalJSON renders the payload as its natural JSON form: a string, the parsed
// document, or the binary record.
func (p Payload) MarshalJSON() ([]byte, error) {
	switch p.Mode {
	case ModeStructured:
		return json.Marshal(p.Value)
	case ModeBinary:
		return json.Marshal(p.Binary)
	default:
		return json.Marshal(p.Text)
	}
}

// String renders the payload for logs
func (p Payload) String() string {
	switch p.Mode {
	case ModeStructured:
		b, err := json.Marshal(p.Value)
		if err != nil {
			return fmt.Sprintf("%v", p.Value)
		}
		return string(b)
	case ModeBinary:
		if p.Binary == nil {
			return "<binary 0 bytes>"
		}
		return fmt.Sprintf("<binary %s %d bytes>", p.Binary.MimeType, p.Binary.FileSize)
	default:
		return p.Text
	}
}

// Binary wraps an opaque frame for host consumption
type Binary struct {
	Data          []byte `json:"data"`
	MimeType      string `json:"mimeType"`
	FileExtension string `json:"fileExtension,omitempty"`
	FileSize      int    `json:"fileSize"`
}

// DecodeError reports a frame that could not be decoded in the configured mode.
// It is local to one message and never affects the connection.
type DecodeError struct {
	Mode  DecodeMode
	Frame []byte
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s frame (%d bytes): %v", e.Mode, len(e.Frame), e.Err)
}

// Unwrap exposes both the taxonomy sentinel and the parser error
func (e *DecodeError) Unwrap() []error {
	return []error{errors.ErrDecode, e.Err}
}

// Decode interprets frame according to mode. It is pure and safe for concurrent use.
// Only structured mode can fail; on failure the returned payload still carries the raw
// text so the caller can surface it alongside the error.
func Decode(mode DecodeMode, frame []byte) (Payload, error) {
	switch mode {
	case "", ModeText:
		return Payload{Mode: ModeText, Text: toText(frame)}, nil

	case ModeStructured:
		var v any
		if err := json.Unmarshal(frame, &v); err != nil {
			return Payload{Mode: ModeText, Text: toText(frame)}, &DecodeError{Mode: mode, Frame: frame, Err: err}
		}
		return Payload{Mode: ModeStructured, Value: v}, nil

	case ModeBinary:
		return Payload{Mode: ModeBinary, Binary: wrapBinary(frame)}, nil

	default:
		return Payload{}, &DecodeError{Mode: mode, Frame: frame, Err: fmt.Errorf("unknown decode mode %q", mode)}
	}
}

func toText(frame []byte) string {
	return strings.ToValidUTF8(string(frame), "�")
}

func wrapBinary(frame []byte) *Binary {
	data := make([]byte, len(frame))
	copy(data, frame)

	mt := mimetype.Detect(data)
	return &Binary{
		Data:          data,
		MimeType:      mt.String(),
		FileExtension: strings.TrimPrefix(mt.Extension(), "."),
		FileSize:      len(data),
	}
}
