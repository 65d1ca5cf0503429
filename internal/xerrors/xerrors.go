// Package xerrors defines the error taxonomy shared by the gateway's
// dispatch and fan-out components: every failure path terminates in one of
// these kinds rather than a bare error, so callers can branch with errors.Is
// instead of parsing messages.
package xerrors

import "errors"

// Kind identifies which taxonomy bucket an error belongs to.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindConfig
	KindAuth
	KindTransport
	KindProtocol
	KindInvalidArgument
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindAuth:
		return "auth"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// sentinels let callers match a kind with errors.Is without inspecting
// message text.
var (
	ErrConfig           = errors.New("config error")
	ErrAuth             = errors.New("auth error")
	ErrTransport        = errors.New("transport error")
	ErrProtocol         = errors.New("protocol error")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrCancelled        = errors.New("cancelled")
)

func sentinelFor(kind Kind) error {
	switch kind {
	case KindConfig:
		return ErrConfig
	case KindAuth:
		return ErrAuth
	case KindTransport:
		return ErrTransport
	case KindProtocol:
		return ErrProtocol
	case KindInvalidArgument:
		return ErrInvalidArgument
	case KindCancelled:
		return ErrCancelled
	default:
		return nil
	}
}

// taggedError wraps a message and an optional cause under a taxonomy kind.
// Unwrap exposes both the cause (if any) and the kind's sentinel so
// errors.Is(err, xerrors.ErrAuth) and errors.Is(err, cause) both work.
type taggedError struct {
	kind  Kind
	msg   string
	cause error
}

func (e *taggedError) Error() string {
	if e.cause == nil {
		return e.msg
	}
	return e.msg + ", err: " + e.cause.Error()
}

func (e *taggedError) Unwrap() []error {
	sentinel := sentinelFor(e.kind)
	if e.cause == nil {
		return []error{sentinel}
	}
	return []error{sentinel, e.cause}
}

// KindOf reports the taxonomy bucket of err, or KindUnknown if err was not
// produced by this package.
func KindOf(err error) Kind {
	var t *taggedError
	if errors.As(err, &t) {
		return t.kind
	}
	return KindUnknown
}

func New(kind Kind, msg string) error {
	return &taggedError{kind: kind, msg: msg}
}

func Wrap(kind Kind, cause error, msg string) error {
	if cause == nil {
		return New(kind, msg)
	}
	return &taggedError{kind: kind, msg: msg, cause: cause}
}

// Config, Auth, Transport, Protocol, InvalidArgument and Cancelled are
// convenience constructors for each taxonomy kind.
func Config(msg string) error             { return New(KindConfig, msg) }
func Auth(msg string) error               { return New(KindAuth, msg) }
func Transport(msg string) error          { return New(KindTransport, msg) }
func Protocol(msg string) error           { return New(KindProtocol, msg) }
func InvalidArgument(msg string) error    { return New(KindInvalidArgument, msg) }
func Cancelled(msg string) error          { return New(KindCancelled, msg) }

func ConfigWrap(cause error, msg string) error    { return Wrap(KindConfig, cause, msg) }
func AuthWrap(cause error, msg string) error      { return Wrap(KindAuth, cause, msg) }
func TransportWrap(cause error, msg string) error { return Wrap(KindTransport, cause, msg) }
func ProtocolWrap(cause error, msg string) error  { return Wrap(KindProtocol, cause, msg) }
