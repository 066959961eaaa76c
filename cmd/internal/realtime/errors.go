package realtime

import (
	"context"
	"errors"

	"huddle/cmd/internal/chat"
)

// Protocol error codes. Domain failures use the chat kind names
// (invalid_argument, forbidden, not_found, conflict, invalid_operation, unauthorized, internal).
const (
	codeBadJSON      = "bad_json"
	codeBadEnvelope  = "bad_envelope"
	codeBadPayload   = "bad_payload"
	codeNotJoined    = "not_joined"
	codeRateLimited  = "rate_limited"
	codeTimeout      = "timeout"
	codeBackpressure = "backpressure"
	codeUnsupported  = "unsupported"

	codeInvalidOperation = "invalid_operation"
	codeInternal         = "internal"
)

type protocolError struct {
	code string
	msg  string
}

func (e *protocolError) Error() string { return e.code + ": " + e.msg }

func protoErr(code, msg string) error { return &protocolError{code: code, msg: msg} }

// errorCode maps err onto the wire code and a client-safe message.
func errorCode(err error) (string, string) {
	var pe *protocolError
	if errors.As(err, &pe) {
		return pe.code, pe.msg
	}

	kind := chat.KindOf(err)
	if kind == chat.ErrInternal && errors.Is(err, context.DeadlineExceeded) {
		return codeTimeout, "request timed out, retry"
	}
	return kind.Error(), chat.PublicMessage(err)
}
