// Package wire implements the signed multipart message protocol spoken
// with the interpreter process: message and header model, channel routing,
// and the frame codec with HMAC-SHA256 signing.
package wire

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// protocolVersion is the wire protocol version advertised in headers.
const protocolVersion = "5.3"

// Message types sent to the kernel.
const (
	MsgTypeExecuteRequest    = "execute_request"
	MsgTypeKernelInfoRequest = "kernel_info_request"
	MsgTypeInterruptRequest  = "interrupt_request"
	MsgTypeShutdownRequest   = "shutdown_request"
	MsgTypeInputReply        = "input_reply"
)

// Message types received from the kernel.
const (
	MsgTypeExecuteReply    = "execute_reply"
	MsgTypeKernelInfoReply = "kernel_info_reply"
	MsgTypeInterruptReply  = "interrupt_reply"
	MsgTypeShutdownReply   = "shutdown_reply"
	MsgTypeStream          = "stream"
	MsgTypeDisplayData     = "display_data"
	MsgTypeExecuteResult   = "execute_result"
	MsgTypeExecuteInput    = "execute_input"
	MsgTypeError           = "error"
	MsgTypeStatus          = "status"
	MsgTypeInputRequest    = "input_request"
)

// Header identifies one message and the session it belongs to.
type Header struct {
	MsgID    string `json:"msg_id"`
	Session  string `json:"session"`
	Username string `json:"username"`
	Date     string `json:"date"`
	MsgType  string `json:"msg_type"`
	Version  string `json:"version"`
}

// Message is one protocol message: four JSON parts plus optional raw
// binary buffers. ParentHeader carries the header of the request that
// caused this message, which is how replies and broadcasts are correlated.
type Message struct {
	Header       Header          `json:"header"`
	ParentHeader Header          `json:"parent_header"`
	Metadata     json.RawMessage `json:"metadata"`
	Content      json.RawMessage `json:"content"`
	Buffers      [][]byte        `json:"-"`
}

// NewMessage creates an outbound message of the given type with a fresh
// message id, encoding content as JSON. Panics only if content is not
// JSON-encodable, which is a programming error.
func NewMessage(sessionID, msgType string, content any) *Message {
	raw, err := json.Marshal(content)
	if err != nil {
		panic("wire: unencodable message content: " + err.Error())
	}
	return &Message{
		Header: Header{
			MsgID:    uuid.NewString(),
			Session:  sessionID,
			Username: "kernelbridge",
			Date:     time.Now().UTC().Format(time.RFC3339),
			MsgType:  msgType,
			Version:  protocolVersion,
		},
		Metadata: json.RawMessage("{}"),
		Content:  raw,
	}
}

// ParentID returns the parent message id, or "" for unparented messages.
func (m *Message) ParentID() string {
	return m.ParentHeader.MsgID
}

// Type returns the message type from the header.
func (m *Message) Type() string {
	return m.Header.MsgType
}

// DecodeContent unmarshals the content part into v.
func (m *Message) DecodeContent(v any) error {
	return json.Unmarshal(m.Content, v)
}

// ExecuteRequestContent is the content of an execute_request.
type ExecuteRequestContent struct {
	Code            string         `json:"code"`
	Silent          bool           `json:"silent"`
	StoreHistory    bool           `json:"store_history"`
	UserExpressions map[string]any `json:"user_expressions"`
	AllowStdin      bool           `json:"allow_stdin"`
	StopOnError     bool           `json:"stop_on_error"`
}

// ExecuteReplyContent is the content of an execute_reply (and, with only
// the status field, of interrupt and shutdown replies).
type ExecuteReplyContent struct {
	Status         string   `json:"status"`
	ExecutionCount int      `json:"execution_count"`
	EName          string   `json:"ename,omitempty"`
	EValue         string   `json:"evalue,omitempty"`
	Traceback      []string `json:"traceback,omitempty"`
}

// StreamContent is the content of a stream message. Name is "stdout" or
// "stderr".
type StreamContent struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// DisplayDataContent is the content of display_data and execute_result
// messages. Data maps mime types to representations; execute_result also
// carries the execution counter.
type DisplayDataContent struct {
	Data           map[string]any `json:"data"`
	Metadata       map[string]any `json:"metadata"`
	ExecutionCount int            `json:"execution_count,omitempty"`
}

// ErrorContent is the content of an error broadcast.
type ErrorContent struct {
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

// StatusContent is the content of a status broadcast on the iopub channel.
// ExecutionState is "starting", "busy", or "idle".
type StatusContent struct {
	ExecutionState string `json:"execution_state"`
}

// KernelInfoReplyContent is the content of a kernel_info_reply.
type KernelInfoReplyContent struct {
	Status                string       `json:"status"`
	ProtocolVersion       string       `json:"protocol_version"`
	Implementation        string       `json:"implementation"`
	ImplementationVersion string       `json:"implementation_version"`
	Banner                string       `json:"banner"`
	LanguageInfo          LanguageInfo `json:"language_info"`
}

// LanguageInfo describes the interpreter language in a kernel_info_reply.
type LanguageInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ShutdownRequestContent is the content of a shutdown_request.
type ShutdownRequestContent struct {
	Restart bool `json:"restart"`
}

// InputReplyContent is the content of an input_reply on the stdin channel.
type InputReplyContent struct {
	Value string `json:"value"`
}
