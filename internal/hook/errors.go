package hook

import "errors"

var (
	ErrNotConnected     = errors.New("hook not connected")
	ErrInjectionFailed  = errors.New("hook injection failed")
	ErrHandshake        = errors.New("hook handshake timed out")
	ErrCancelled        = errors.New("hook command cancelled")
	ErrConnectionLost   = errors.New("hook connection lost")
	ErrAutomationDenied = errors.New("ui automation permission denied")
	ErrPortInUse        = errors.New("hook port already in use")
	ErrCommandInFlight  = errors.New("hook command already in flight")
)
