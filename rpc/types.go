package rpc

type CommandRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// CommandResponse carries the captured streams and exit code of a command.
// ReturnCode is -1 when the command never ran.
type CommandResponse struct {
	Output     string `json:"output"`
	Error      string `json:"error"`
	ReturnCode int32  `json:"return_code"`
}
