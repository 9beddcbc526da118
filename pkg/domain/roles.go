package domain

// Role defines the kind of a stored message.
type Role string

const (
	// RoleUser indicates a message typed by a user.
	RoleUser Role = "user"
	// RoleAssistant indicates a model response.
	RoleAssistant Role = "assistant"
	// RoleToolCall indicates a tool invocation requested by the model.
	RoleToolCall Role = "tool-call"
	// RoleToolResult indicates the outcome of a tool invocation.
	RoleToolResult Role = "tool-result"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleToolCall, RoleToolResult:
		return true
	}
	return false
}

// Branch and model defaults.
const (
	MainBranchID        = "main"
	DefaultInstructions = "You are a helpful assistant."
	DefaultModel        = "gemini-2.5-flash"
)
