package models

// ExecutionStatus is the terminal status reported by the interpreter for
// one execution. All three values complete the request normally; only
// transport failures surface as errors.
type ExecutionStatus string

const (
	ExecutionStatusOK      ExecutionStatus = "ok"
	ExecutionStatusError   ExecutionStatus = "error"
	ExecutionStatusAborted ExecutionStatus = "aborted"
)

// ExecutionResult accumulates the outcome of one execution request. It is
// mutated incrementally as streamed frames arrive and becomes immutable
// once the terminal reply is observed. Observers always receive snapshots
// (see Clone), never the live value.
type ExecutionResult struct {
	// Output is the accumulated stdout text, plus the text/plain entry of
	// rich payloads that carried no richer representation.
	Output string `json:"output"`
	// ErrorOutput is the accumulated stderr text and formatted tracebacks,
	// kept separate from Output.
	ErrorOutput string `json:"error_output,omitempty"`
	// Data maps mime types to rendered payloads from display_data and
	// execute_result messages.
	Data map[string]string `json:"data,omitempty"`
	// ExecutionCount is the interpreter's counter for this request, if the
	// terminal reply carried one.
	ExecutionCount int `json:"execution_count,omitempty"`
	// Status is empty until the terminal reply is observed.
	Status ExecutionStatus `json:"status,omitempty"`
}

// Done returns true once the terminal reply has been recorded.
func (r *ExecutionResult) Done() bool {
	return r.Status != ""
}

// Clone returns a deep copy safe to hand to observers.
func (r *ExecutionResult) Clone() ExecutionResult {
	out := *r
	if r.Data != nil {
		out.Data = make(map[string]string, len(r.Data))
		for k, v := range r.Data {
			out.Data[k] = v
		}
	}
	return out
}
