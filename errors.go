package deepstream

import "github.com/pkg/errors"

// ErrorKind identifies one of the error conditions a deepstream client can
// surface, matching the codes the protocol defines.
type ErrorKind string

// Error kinds surfaced to the application, per spec section 7.
const (
	ErrConnectionError                ErrorKind = "CONNECTION_ERROR"
	ErrConnectionAuthenticationTimeout ErrorKind = "CONNECTION_AUTHENTICATION_TIMEOUT"
	ErrTooManyAuthAttempts            ErrorKind = "TOO_MANY_AUTH_ATTEMPTS"
	ErrIsClosed                       ErrorKind = "IS_CLOSED"
	ErrAckTimeout                     ErrorKind = "ACK_TIMEOUT"
	ErrResponseTimeout                ErrorKind = "RESPONSE_TIMEOUT"
	ErrDeleteTimeout                  ErrorKind = "DELETE_TIMEOUT"
	ErrMessageDenied                  ErrorKind = "MESSAGE_DENIED"
	ErrMessageParseError              ErrorKind = "MESSAGE_PARSE_ERROR"
	ErrNotSubscribed                  ErrorKind = "NOT_SUBSCRIBED"
	ErrUnsolicitedMessage             ErrorKind = "UNSOLICITED_MESSAGE"
	ErrListenerExists                 ErrorKind = "LISTENER_EXISTS"
	ErrNotListening                   ErrorKind = "NOT_LISTENING"
	ErrVersionExists                  ErrorKind = "VERSION_EXISTS"
	ErrNoRPCProvider                  ErrorKind = "NO_RPC_PROVIDER"
)

// Error is the concrete error type raised on the client's error observer
// and on per-operation completions.
type Error struct {
	Kind    ErrorKind
	Topic   string
	Event   string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Topic != "" {
		msg += " (topic=" + e.Topic + ")"
	}
	return msg
}

// Unwrap exposes the wrapped cause, if any, to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Cause }

func newError(kind ErrorKind, topic, message string) *Error {
	return &Error{Kind: kind, Topic: topic, Message: message}
}

func wrapError(kind ErrorKind, topic string, cause error) *Error {
	return &Error{Kind: kind, Topic: topic, Message: cause.Error(), Cause: cause}
}

// wrap is a thin alias over pkg/errors.Wrap used at I/O and decode
// boundaries so stack context survives to the error observer.
func wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, message)
}
