package executor

import "fmt"

// Kind is a stable failure identifier, surfaced as the last_error prefix on
// deployment records and in logs.
type Kind string

const (
	KindEngineUnavailable  Kind = "engine-unavailable"
	KindCloneFailed        Kind = "clone-failed"
	KindBuildFailed        Kind = "build-failed"
	KindNoFreePort         Kind = "no-free-port"
	KindRunFailed          Kind = "run-failed"
	KindReadinessTimeout   Kind = "readiness-timeout"
	KindTunnelFailed       Kind = "tunnel-failed"
	KindTunnelUnverified   Kind = "tunnel-unverified"
	KindCommentFailed      Kind = "comment-failed"
	KindDecryptError       Kind = "decrypt-error"
	KindInvalidContainerID Kind = "invalid-container-id"
	KindDestroyPartial     Kind = "destroy-partial"
	KindInternal           Kind = "internal"
)

// Error is a classified executor failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func failed(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func failedf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}
