package utils

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

type ErrorKind string

const (
	KindUnsupportedResource ErrorKind = "UnsupportedResource"
	KindInvalidArgument     ErrorKind = "InvalidArgument"
	KindUnexpectedStatus    ErrorKind = "UnexpectedStatus"
	KindIOFailure           ErrorKind = "IOFailure"
	KindStateCorruption     ErrorKind = "StateCorruption"
)

// Error is a tagged domain error. Sentinels below carry only a Kind and match any
// Error of the same kind through errors.Is.
type Error struct {
	Kind      ErrorKind
	Message   string
	Timestamp time.Time
	Err       error
}

var (
	ErrUnsupportedResource = &Error{Kind: KindUnsupportedResource}
	ErrInvalidArgument     = &Error{Kind: KindInvalidArgument}
	ErrUnexpectedStatus    = &Error{Kind: KindUnexpectedStatus}
	ErrIOFailure           = &Error{Kind: KindIOFailure}
	ErrStateCorruption     = &Error{Kind: KindStateCorruption}
)

func NewError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Timestamp: time.Now(),
		Err:       err,
	}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf returns the kind of the first domain error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// RecordError writes err to the log with its kind and timestamp. The log file
// configured by InitLogger is the durable error record.
func RecordError(log zerolog.Logger, err error) {
	var e *Error
	if errors.As(err, &e) {
		log.Error().Str("kind", string(e.Kind)).Time("timestamp", e.Timestamp).AnErr("cause", e.Err).Msg(e.Message)
		return
	}
	log.Error().Err(err).Time("timestamp", time.Now()).Msg("operation failed")
}
