package tools

// ToolResult is the outcome of one tool execution. Output is meaningful when
// Success is true, Error otherwise.
type ToolResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

func Success(output string) *ToolResult {
	return &ToolResult{Success: true, Output: output}
}

func Failure(msg string) *ToolResult {
	return &ToolResult{Success: false, Error: msg}
}

// Content renders the result as tool message content.
func (r *ToolResult) Content() string {
	if r.Success {
		return r.Output
	}
	return "Error: " + r.Error
}
