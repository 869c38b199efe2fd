package wire

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// delimiter separates routing-identity buffers from the message body.
var delimiter = []byte("<IDS|MSG>")

// FramingError reports a malformed inbound frame. Transports drop the
// frame and keep the channel alive.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return "wire: framing error: " + e.Reason
}

// Signer computes and checks HMAC-SHA256 frame signatures with a shared
// session key.
type Signer struct {
	key []byte
}

// NewSigner creates a Signer for the given signing key. An empty key
// disables signing (the signature buffer is empty both ways), matching the
// protocol's unauthenticated mode.
func NewSigner(key string) *Signer {
	return &Signer{key: []byte(key)}
}

// Sign returns the lowercase hex HMAC-SHA256 over the concatenation of the
// given buffers.
func (s *Signer) Sign(parts ...[]byte) []byte {
	if len(s.key) == 0 {
		return []byte{}
	}
	mac := hmac.New(sha256.New, s.key)
	for _, p := range parts {
		mac.Write(p)
	}
	return []byte(hex.EncodeToString(mac.Sum(nil)))
}

// Verify checks a received signature against the message buffers.
func (s *Signer) Verify(signature []byte, parts ...[]byte) bool {
	if len(s.key) == 0 {
		return true
	}
	return hmac.Equal(signature, s.Sign(parts...))
}

// Serialize encodes a message into its frame buffers: delimiter,
// signature, the four JSON parts, then any binary buffers.
func Serialize(msg *Message, signer *Signer) ([][]byte, error) {
	header, err := json.Marshal(msg.Header)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	parent, err := json.Marshal(msg.ParentHeader)
	if err != nil {
		return nil, fmt.Errorf("encode parent header: %w", err)
	}
	metadata := msg.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage("{}")
	}
	content := msg.Content
	if len(content) == 0 {
		content = json.RawMessage("{}")
	}

	frames := make([][]byte, 0, 6+len(msg.Buffers))
	frames = append(frames,
		delimiter,
		signer.Sign(header, parent, metadata, content),
		header,
		parent,
		metadata,
		content,
	)
	frames = append(frames, msg.Buffers...)
	return frames, nil
}

// Deserialize decodes frame buffers into a message. Buffers before the
// delimiter are routing identities and are discarded. A frame without the
// delimiter, with fewer than the four required JSON parts, or with a bad
// signature is a *FramingError.
func Deserialize(frames [][]byte, signer *Signer) (*Message, error) {
	start := -1
	for i, f := range frames {
		if bytes.Equal(f, delimiter) {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, &FramingError{Reason: "missing delimiter"}
	}
	rest := frames[start+1:]
	if len(rest) < 5 {
		return nil, &FramingError{Reason: fmt.Sprintf("want signature and 4 parts after delimiter, got %d buffers", len(rest))}
	}

	signature := rest[0]
	header, parent, metadata, content := rest[1], rest[2], rest[3], rest[4]
	if !signer.Verify(signature, header, parent, metadata, content) {
		return nil, &FramingError{Reason: "signature mismatch"}
	}

	msg := &Message{
		Metadata: json.RawMessage(metadata),
		Content:  json.RawMessage(content),
	}
	if err := json.Unmarshal(header, &msg.Header); err != nil {
		return nil, &FramingError{Reason: "bad header: " + err.Error()}
	}
	if err := json.Unmarshal(parent, &msg.ParentHeader); err != nil {
		return nil, &FramingError{Reason: "bad parent header: " + err.Error()}
	}
	if len(rest) > 5 {
		msg.Buffers = rest[5:]
	}
	return msg, nil
}
