package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/sevir/kernelbridge/internal/wire"
	"github.com/sevir/kernelbridge/pkg/models"
)

// Execution correlates the asynchronous replies and broadcasts for one
// execute request with the request that caused them, via the generated
// message id. It accumulates streamed output into an ExecutionResult and
// resolves exactly once when the terminal reply arrives, whatever its
// status. Only a transport-level failure rejects it.
type Execution struct {
	msgID string
	code  string

	mu          sync.Mutex
	result      models.ExecutionResult
	err         error
	done        chan struct{}
	resolved    bool
	subscribers map[int]chan models.ExecutionResult // sent to and closed only while mu is held
	nextSubID   int
}

func newExecution(msgID, code string) *Execution {
	return &Execution{
		msgID:       msgID,
		code:        code,
		done:        make(chan struct{}),
		subscribers: make(map[int]chan models.ExecutionResult),
	}
}

// MessageID returns the request's generated message id.
func (e *Execution) MessageID() string { return e.msgID }

// Code returns the submitted code.
func (e *Execution) Code() string { return e.code }

// Done is closed when the execution resolves (terminal reply or transport
// failure). Callers that shut a session down while requests are pending
// must race this against the session's Disposed signal.
func (e *Execution) Done() <-chan struct{} { return e.done }

// Subscribe registers a streaming observer. Every matching broadcast
// delivers the current accumulated result snapshot, not a delta, so a late
// subscriber always sees a consistent full view; the current snapshot is
// delivered immediately on subscribe. The returned func unsubscribes and
// is safe to call more than once.
func (e *Execution) Subscribe() (<-chan models.ExecutionResult, func()) {
	ch := make(chan models.ExecutionResult, 16)

	e.mu.Lock()
	id := e.nextSubID
	e.nextSubID++
	ch <- e.result.Clone()
	if e.resolved {
		close(ch)
	} else {
		e.subscribers[id] = ch
	}
	e.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			e.mu.Lock()
			if c, ok := e.subscribers[id]; ok {
				delete(e.subscribers, id)
				close(c)
			}
			e.mu.Unlock()
		})
	}
	return ch, cancel
}

// Wait blocks until the execution resolves or ctx is cancelled, returning
// the final result by value.
func (e *Execution) Wait(ctx context.Context) (models.ExecutionResult, error) {
	select {
	case <-ctx.Done():
		e.mu.Lock()
		snapshot := e.result.Clone()
		e.mu.Unlock()
		return snapshot, ctx.Err()
	case <-e.done:
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.result.Clone(), e.err
	}
}

// Result returns the current accumulated result snapshot.
func (e *Execution) Result() models.ExecutionResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result.Clone()
}

// handleBroadcast applies one iopub message whose parent id matches this
// request. Terminal state is never altered by late broadcasts.
func (e *Execution) handleBroadcast(msg *wire.Message) {
	e.mu.Lock()
	if e.resolved {
		e.mu.Unlock()
		return
	}

	changed := false
	switch msg.Type() {
	case wire.MsgTypeStream:
		var c wire.StreamContent
		if msg.DecodeContent(&c) == nil && c.Text != "" {
			if c.Name == "stderr" {
				e.result.ErrorOutput += c.Text
			} else {
				e.result.Output += c.Text
			}
			changed = true
		}

	case wire.MsgTypeDisplayData, wire.MsgTypeExecuteResult:
		var c wire.DisplayDataContent
		if msg.DecodeContent(&c) == nil && len(c.Data) > 0 {
			e.mergeRichData(c.Data)
			changed = true
		}

	case wire.MsgTypeError:
		var c wire.ErrorContent
		if msg.DecodeContent(&c) == nil {
			e.result.ErrorOutput += formatError(c)
			changed = true
		}
	}

	if changed {
		snapshot := e.result.Clone()
		for _, ch := range e.subscribers {
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
	e.mu.Unlock()
}

// mergeRichData folds a rich payload into the structured output map. The
// text/plain entry is appended to Output only when the payload carries no
// richer representation (image or HTML), so a placeholder string is never
// shown alongside an image. Caller holds e.mu.
func (e *Execution) mergeRichData(data map[string]any) {
	if e.result.Data == nil {
		e.result.Data = make(map[string]string, len(data))
	}
	rich := false
	for mime := range data {
		if strings.HasPrefix(mime, "image/") || mime == "text/html" {
			rich = true
			break
		}
	}
	for mime, v := range data {
		text := mimeValueString(v)
		e.result.Data[mime] = text
		if mime == "text/plain" && !rich {
			e.result.Output += text
		}
	}
}

// resolve records the terminal reply. Accumulated output is not altered;
// only the counter and terminal status are set.
func (e *Execution) resolve(reply wire.ExecuteReplyContent) {
	e.mu.Lock()
	if e.resolved {
		e.mu.Unlock()
		return
	}
	switch reply.Status {
	case "error":
		e.result.Status = models.ExecutionStatusError
		if e.result.ErrorOutput == "" && reply.EName != "" {
			e.result.ErrorOutput = formatError(wire.ErrorContent{
				EName: reply.EName, EValue: reply.EValue, Traceback: reply.Traceback,
			})
		}
	case "aborted", "abort":
		e.result.Status = models.ExecutionStatusAborted
	default:
		e.result.Status = models.ExecutionStatusOK
	}
	if reply.ExecutionCount > 0 {
		e.result.ExecutionCount = reply.ExecutionCount
	}
	e.finishLocked()
}

// fail rejects the completion handle after a transport failure. Terminal
// interpreter statuses never come through here.
func (e *Execution) fail(err error) {
	e.mu.Lock()
	if e.resolved {
		e.mu.Unlock()
		return
	}
	e.err = err
	e.finishLocked()
}

// finishLocked pushes the final snapshot to every subscriber, then closes
// the subscriber channels and the done channel. The terminal snapshot must
// reach every subscriber: a full buffer has its oldest entry dropped to
// make room. Caller holds e.mu; the lock is released here.
func (e *Execution) finishLocked() {
	e.resolved = true
	snapshot := e.result.Clone()
	for _, ch := range e.subscribers {
		select {
		case ch <- snapshot:
		default:
			// Full buffer. No sends can race this while e.mu is held.
			select {
			case <-ch:
			default:
			}
			ch <- snapshot
		}
		close(ch)
	}
	e.subscribers = make(map[int]chan models.ExecutionResult)
	close(e.done)
	e.mu.Unlock()
}

func formatError(c wire.ErrorContent) string {
	if len(c.Traceback) > 0 {
		return strings.Join(c.Traceback, "\n") + "\n"
	}
	if c.EName == "" && c.EValue == "" {
		return ""
	}
	return fmt.Sprintf("%s: %s\n", c.EName, c.EValue)
}

// mimeValueString renders one mime payload entry. The protocol allows a
// string, a list of lines, or arbitrary JSON (application/json payloads).
func mimeValueString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []any:
		var b strings.Builder
		for _, item := range val {
			if s, ok := item.(string); ok {
				b.WriteString(s)
			}
		}
		return b.String()
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(raw)
	}
}
