package errors

import (
	"errors"
	"fmt"
)

// FMQError is the base of every error raised by the queue, the codec and the
// transport.
type FMQError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Op      string `json:"op,omitempty"`
	Cause   error  `json:"cause,omitempty"`

	// set for errors rebuilt from a server reply; Message is the server's
	// complete error text
	remote bool
}

func (e *FMQError) Error() string {
	if e.remote {
		return e.Message
	}
	var msg string
	if e.Op != "" {
		msg = fmt.Sprintf("FMQ Error %d in %s: %s", e.Code, e.Op, e.Message)
	} else {
		msg = fmt.Sprintf("FMQ Error %d: %s", e.Code, e.Message)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *FMQError) Unwrap() error {
	return e.Cause
}

func (e *FMQError) As(target interface{}) bool {
	if fmqErr, ok := target.(**FMQError); ok {
		*fmqErr = e
		return true
	}
	return false
}

// Error codes
const (
	OpenFailed      = 100
	QueueCorrupt    = 101
	QueueFull       = 200
	TransportFailed = 300
	ProtocolFailed  = 400
	ReplyStatus     = 401
	Decompression   = 500
	Timeout         = 600
	Closed          = 700
	InvalidArgument = 800
)

// Sentinels for conditions that carry no extra context.
var (
	ErrTimeout = &FMQError{Code: Timeout, Message: "timed out waiting for queue"}
	ErrClosed  = &FMQError{Code: Closed, Message: "queue handle is closed"}
)

// Open Errors

// OpenError is returned when a queue cannot be opened: it is missing on a
// non-blocking open, or its status file is corrupt.
type OpenError struct {
	FMQError
	URL string `json:"url"`
}

func NewOpenError(url, message string, cause error) *OpenError {
	return &OpenError{
		FMQError: FMQError{
			Code:    OpenFailed,
			Message: message,
			Op:      "open",
			Cause:   cause,
		},
		URL: url,
	}
}

func NewQueueNotFound(url string) *OpenError {
	return NewOpenError(url, fmt.Sprintf("queue '%s' does not exist", url), nil)
}

func NewQueueCorrupt(url, reason string) *OpenError {
	err := NewOpenError(url, fmt.Sprintf("queue '%s' is corrupt: %s", url, reason), nil)
	err.Code = QueueCorrupt
	return err
}

func (e *OpenError) As(target interface{}) bool {
	if fmqErr, ok := target.(**FMQError); ok {
		*fmqErr = &e.FMQError
		return true
	}
	return false
}

// Write Errors

// QueueFullError is returned when a write cannot be placed even after evicting
// every other message.
type QueueFullError struct {
	FMQError
	Size     int   `json:"size"`
	Capacity int64 `json:"capacity"`
}

func NewQueueFullError(size int, capacity int64) *QueueFullError {
	return &QueueFullError{
		FMQError: FMQError{
			Code:    QueueFull,
			Message: fmt.Sprintf("message of %d bytes does not fit in buffer of %d bytes", size, capacity),
			Op:      "write",
		},
		Size:     size,
		Capacity: capacity,
	}
}

func (e *QueueFullError) As(target interface{}) bool {
	if fmqErr, ok := target.(**FMQError); ok {
		*fmqErr = &e.FMQError
		return true
	}
	return false
}

// Transport Errors

// TransportError wraps a socket connect, send or receive failure.
type TransportError struct {
	FMQError
	Addr string `json:"addr"`
}

func NewTransportError(op, addr string, cause error) *TransportError {
	return &TransportError{
		FMQError: FMQError{
			Code:    TransportFailed,
			Message: fmt.Sprintf("transport failure talking to %s", addr),
			Op:      op,
			Cause:   cause,
		},
		Addr: addr,
	}
}

func (e *TransportError) As(target interface{}) bool {
	if fmqErr, ok := target.(**FMQError); ok {
		*fmqErr = &e.FMQError
		return true
	}
	return false
}

// Protocol Errors

// ProtocolError is returned when a frame or reply cannot be parsed, or when a
// well-formed reply carries the error status flag.
type ProtocolError struct {
	FMQError
	Opcode byte `json:"opcode,omitempty"`
}

func NewProtocolError(code int, message string, opcode byte) *ProtocolError {
	return &ProtocolError{
		FMQError: FMQError{
			Code:    code,
			Message: message,
		},
		Opcode: opcode,
	}
}

func NewMalformed(message string, opcode byte) *ProtocolError {
	return NewProtocolError(ProtocolFailed, fmt.Sprintf("malformed message: %s", message), opcode)
}

func NewReplyError(opcode byte, errStr string) *ProtocolError {
	return NewProtocolError(ReplyStatus, fmt.Sprintf("server reported error: %s", errStr), opcode)
}

func (e *ProtocolError) As(target interface{}) bool {
	if fmqErr, ok := target.(**FMQError); ok {
		*fmqErr = &e.FMQError
		return true
	}
	return false
}

// Decompression Errors

// DecompressionError is returned when a stored payload does not decompress to
// its declared length.
type DecompressionError struct {
	FMQError
	ID       int64 `json:"id"`
	Expected int   `json:"expected"`
	Actual   int   `json:"actual"`
}

func NewDecompressionError(id int64, expected, actual int, cause error) *DecompressionError {
	return &DecompressionError{
		FMQError: FMQError{
			Code:    Decompression,
			Message: fmt.Sprintf("message %d decompressed to %d bytes, expected %d", id, actual, expected),
			Op:      "read",
			Cause:   cause,
		},
		ID:       id,
		Expected: expected,
		Actual:   actual,
	}
}

func (e *DecompressionError) As(target interface{}) bool {
	if fmqErr, ok := target.(**FMQError); ok {
		*fmqErr = &e.FMQError
		return true
	}
	return false
}

// FromCode rebuilds the typed error for a code reported by a queue server,
// with text as its message. Codes without a dedicated type return nil.
func FromCode(code int, text string) error {
	base := FMQError{Code: code, Message: text, remote: true}
	switch code {
	case OpenFailed, QueueCorrupt:
		return &OpenError{FMQError: base}
	case QueueFull:
		return &QueueFullError{FMQError: base}
	case Decompression:
		return &DecompressionError{FMQError: base}
	}
	return nil
}

// NewInvalidArgument reports a caller mistake such as an unknown position.
func NewInvalidArgument(op, reason string) *FMQError {
	return &FMQError{Code: InvalidArgument, Message: reason, Op: op}
}

// Helper functions for common error checking

// IsOpenError checks if an error is an OpenError
func IsOpenError(err error) bool {
	var openErr *OpenError
	return errors.As(err, &openErr)
}

// IsQueueFull checks if an error is a QueueFullError
func IsQueueFull(err error) bool {
	var fullErr *QueueFullError
	return errors.As(err, &fullErr)
}

// IsTransportError checks if an error is a TransportError
func IsTransportError(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}

// IsProtocolError checks if an error is a ProtocolError
func IsProtocolError(err error) bool {
	var protoErr *ProtocolError
	return errors.As(err, &protoErr)
}

// IsDecompressionError checks if an error is a DecompressionError
func IsDecompressionError(err error) bool {
	var decErr *DecompressionError
	return errors.As(err, &decErr)
}

// IsTimeout checks if an error indicates a blocking wait timed out
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || GetErrorCode(err) == Timeout
}

// IsClosed checks if an error indicates use of a closed handle
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed) || GetErrorCode(err) == Closed
}

// GetErrorCode returns the FMQ error code if the error is an FMQError
func GetErrorCode(err error) int {
	var fmqErr *FMQError
	if errors.As(err, &fmqErr) {
		return fmqErr.Code
	}
	return 0
}
