package types

import "fmt"

// ToolStatus is the outcome of a tool invocation
type ToolStatus string

const (
	ToolStatusOK    ToolStatus = "ok"
	ToolStatusError ToolStatus = "error"
)

// IsValid checks if the tool status is valid
func (s ToolStatus) IsValid() bool {
	return s == ToolStatusOK || s == ToolStatusError
}

// String returns the string representation of the tool status
func (s ToolStatus) String() string {
	return string(s)
}

// ParseToolStatus parses a string into a ToolStatus
func ParseToolStatus(s string) (ToolStatus, error) {
	status := ToolStatus(s)
	if !status.IsValid() {
		return "", fmt.Errorf("invalid tool status: %s", s)
	}
	return status, nil
}
