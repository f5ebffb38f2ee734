package agent

import "errors"

var (
	ErrNoInspectors    = errors.New("agent: at least one inspector is required")
	ErrUnknownTerminal = errors.New("agent: unknown terminal")
	ErrAlreadyRunning  = errors.New("agent: already running")
)
