package errors

import (
	"errors"
	"fmt"
	"time"
)

// SpawnError indicates the peer executable could not be started.
type SpawnError struct {
	Command string `json:"command"`
	Cause   error  `json:"cause,omitempty"`
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn peer process '%s': %v", e.Command, e.Cause)
}

func (e *SpawnError) Unwrap() error {
	return e.Cause
}

// WriteError indicates a frame could not be written to the peer's stdin,
// typically because the peer already exited and the pipe closed.
type WriteError struct {
	Cause error `json:"cause,omitempty"`
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write to peer: %v", e.Cause)
}

func (e *WriteError) Unwrap() error {
	return e.Cause
}

// PeerClosedError indicates the peer terminated before completing a reply:
// the stream reached EOF where a header line was expected.
type PeerClosedError struct {
	Stage string `json:"stage"`
}

func (e *PeerClosedError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("peer closed unexpectedly while %s", e.Stage)
	}
	return "peer closed unexpectedly"
}

// FrameError indicates a malformed frame header block, e.g. the blank line
// was reached without a Content-Length header.
type FrameError struct {
	Reason string `json:"reason"`
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("malformed frame: %s", e.Reason)
}

// TruncatedBodyError indicates the stream ended before the declared
// Content-Length bytes of body were available.
type TruncatedBodyError struct {
	Want int `json:"want"`
	Got  int `json:"got"`
}

func (e *TruncatedBodyError) Error() string {
	return fmt.Sprintf("truncated frame body: want %d bytes, got %d", e.Want, e.Got)
}

// BodyError indicates the frame body did not parse as valid JSON.
type BodyError struct {
	Cause error `json:"cause,omitempty"`
}

func (e *BodyError) Error() string {
	return fmt.Sprintf("malformed frame body: %v", e.Cause)
}

func (e *BodyError) Unwrap() error {
	return e.Cause
}

// WaitTimeoutError indicates the peer process did not exit within the bound.
type WaitTimeoutError struct {
	Timeout time.Duration `json:"timeout"`
}

func (e *WaitTimeoutError) Error() string {
	return fmt.Sprintf("peer process did not exit within %v", e.Timeout)
}

// UnexpectedMessageError indicates a frame arrived that is not the response
// being awaited: a server-initiated request/notification, or a response
// bearing an id that was never issued.
type UnexpectedMessageError struct {
	Method string      `json:"method,omitempty"`
	ID     interface{} `json:"id,omitempty"`
}

func (e *UnexpectedMessageError) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("unexpected message from peer: method=%s, id=%v", e.Method, e.ID)
	}
	return fmt.Sprintf("unexpected response from peer: id=%v", e.ID)
}

// Error constructors

func NewSpawnError(command string, cause error) *SpawnError {
	return &SpawnError{Command: command, Cause: cause}
}

func NewWriteError(cause error) *WriteError {
	return &WriteError{Cause: cause}
}

func NewPeerClosedError(stage string) *PeerClosedError {
	return &PeerClosedError{Stage: stage}
}

func NewFrameError(reason string) *FrameError {
	return &FrameError{Reason: reason}
}

func NewTruncatedBodyError(want, got int) *TruncatedBodyError {
	return &TruncatedBodyError{Want: want, Got: got}
}

func NewBodyError(cause error) *BodyError {
	return &BodyError{Cause: cause}
}

func NewWaitTimeoutError(timeout time.Duration) *WaitTimeoutError {
	return &WaitTimeoutError{Timeout: timeout}
}

func NewUnexpectedMessageError(method string, id interface{}) *UnexpectedMessageError {
	return &UnexpectedMessageError{Method: method, ID: id}
}

// Error classification functions

// IsSpawnError checks if the error indicates a failed process spawn
func IsSpawnError(err error) bool {
	var e *SpawnError
	return errors.As(err, &e)
}

// IsWriteError checks if the error indicates a failed write to the peer
func IsWriteError(err error) bool {
	var e *WriteError
	return errors.As(err, &e)
}

// IsPeerClosedError checks if the error indicates the peer exited mid-read
func IsPeerClosedError(err error) bool {
	var e *PeerClosedError
	return errors.As(err, &e)
}

// IsFrameError checks if the error indicates a malformed frame header
func IsFrameError(err error) bool {
	var e *FrameError
	return errors.As(err, &e)
}

// IsTruncatedBodyError checks if the error indicates a short frame body
func IsTruncatedBodyError(err error) bool {
	var e *TruncatedBodyError
	return errors.As(err, &e)
}

// IsBodyError checks if the error indicates an unparseable frame body
func IsBodyError(err error) bool {
	var e *BodyError
	return errors.As(err, &e)
}

// IsWaitTimeoutError checks if the error indicates a missed exit deadline
func IsWaitTimeoutError(err error) bool {
	var e *WaitTimeoutError
	return errors.As(err, &e)
}

// IsUnexpectedMessageError checks if the error indicates an unawaited frame
func IsUnexpectedMessageError(err error) bool {
	var e *UnexpectedMessageError
	return errors.As(err, &e)
}
