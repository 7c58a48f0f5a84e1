package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"lsp-probe/internal/errors"
)

// JSON-RPC protocol constants
const (
	JSONRPCVersion = "2.0"
)

// JSON-RPC error codes
const (
	ParseError     = -32700 // Invalid JSON was received by the server
	InvalidRequest = -32600 // The JSON sent is not a valid Request object
	MethodNotFound = -32601 // The method does not exist / is not available
	InvalidParams  = -32602 // Invalid method parameter(s)
	InternalError  = -32603 // Internal JSON-RPC error
)

// JSONRPCMessage represents a JSON-RPC 2.0 message. A Request carries ID and
// Method, a Notification carries only Method, a Response carries ID and
// either Result or Error. Params and Result stay schema-free: the transport
// never interprets payloads.
type JSONRPCMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  interface{}     `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// IsRequest reports whether the message is a peer-initiated request
func (m *JSONRPCMessage) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsNotification reports whether the message is a notification
func (m *JSONRPCMessage) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// IsResponse reports whether the message is a response to a prior request
func (m *JSONRPCMessage) IsResponse() bool {
	return m.Method == "" && m.ID != nil
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

// NewRPCError creates a new RPCError with the specified code and message
func NewRPCError(code int, message string, data interface{}) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// CreateMessage creates a JSON-RPC request message
func CreateMessage(method string, id interface{}, params interface{}) JSONRPCMessage {
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// CreateNotification creates a JSON-RPC notification (no ID)
func CreateNotification(method string, params interface{}) JSONRPCMessage {
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  params,
	}
}

// CreateResponse creates a JSON-RPC response message
func CreateResponse(id interface{}, result interface{}, rpcErr *RPCError) JSONRPCMessage {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   rpcErr,
	}
	if result != nil {
		data, _ := json.Marshal(result)
		msg.Result = data
	}
	return msg
}

// WriteMessage sends a JSON-RPC message with proper Content-Length header framing
func WriteMessage(writer io.Writer, msg JSONRPCMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	// Format with Content-Length header according to LSP protocol
	content := fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(data), data)

	_, err = writer.Write([]byte(content))
	return err
}

// ReadMessage reads exactly one framed message from the peer's output stream.
// Header lines are consumed until the blank line; only Content-Length is
// honored (case-insensitive), other headers are ignored. The body is read
// byte-exact against the declared length.
//
// Failure kinds, all fatal to the read:
//   - PeerClosedError: EOF where a header line was expected
//   - FrameError: blank line reached with no usable Content-Length
//   - TruncatedBodyError: stream ended inside the body
//   - BodyError: body is not valid JSON
func ReadMessage(reader *bufio.Reader) (*JSONRPCMessage, error) {
	contentLength := -1

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				// A zero-length read here is the peer exiting, not an empty
				// header line; an empty line always carries its terminator.
				return nil, errors.NewPeerClosedError("reading frame headers")
			}
			return nil, err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			// Empty line indicates end of headers
			break
		}

		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			length, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || length < 0 {
				return nil, errors.NewFrameError(fmt.Sprintf("invalid Content-Length %q", strings.TrimSpace(value)))
			}
			contentLength = length
		}
	}

	if contentLength < 0 {
		return nil, errors.NewFrameError("missing Content-Length header")
	}

	body := make([]byte, contentLength)
	n, err := io.ReadFull(reader, body)
	if err != nil {
		return nil, errors.NewTruncatedBodyError(contentLength, n)
	}

	var msg JSONRPCMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, errors.NewBodyError(err)
	}
	return &msg, nil
}
