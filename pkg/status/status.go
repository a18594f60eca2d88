// Package status defines the tagged (code, message) result carried in
// every FlameStore RPC reply.
package status

import "fmt"

// Code identifies the outcome class of an operation.
type Code int32

const (
	OK         Code = 0
	EExists    Code = 1 // name already registered
	ENoExists  Code = 2 // no such name
	ESignature Code = 3 // signature mismatch
	EMkdir     Code = 4 // directory setup failed on worker
	EIO        Code = 5 // transport or region error
	EBackend   Code = 6 // no backend configured
	EStorage   Code = 7 // remote region operation failed
	ENoImpl    Code = 8 // operation not implemented
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case EExists:
		return "EEXISTS"
	case ENoExists:
		return "ENOEXISTS"
	case ESignature:
		return "ESIGNATURE"
	case EMkdir:
		return "EMKDIR"
	case EIO:
		return "EIO"
	case EBackend:
		return "EBACKEND"
	case EStorage:
		return "ESTORAGE"
	case ENoImpl:
		return "ENOIMPL"
	}
	return fmt.Sprintf("Code(%d)", int32(c))
}

// Status is the wire-serialized reply of every FlameStore RPC.
// The message is free-form and user-visible only, except for
// reload_model where an OK status carries the model config.
type Status struct {
	Code    Code
	Message string
}

// Ok returns the canonical success status.
func Ok() Status {
	return Status{Code: OK, Message: "OK"}
}

// OkMsg returns a success status carrying a payload message.
func OkMsg(msg string) Status {
	return Status{Code: OK, Message: msg}
}

// Errf builds a non-OK status with a formatted message.
func Errf(code Code, format string, args ...interface{}) Status {
	return Status{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsOK reports whether the status carries the OK code.
func (s Status) IsOK() bool {
	return s.Code == OK
}

func (s Status) String() string {
	if s.IsOK() {
		return s.Code.String()
	}
	return fmt.Sprintf("%s: %s", s.Code, s.Message)
}
