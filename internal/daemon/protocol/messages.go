// Package protocol defines the messages exchanged between trafficmond and
// its clients.
//
// The protocol uses newline-delimited JSON (NDJSON) over a UNIX socket.
// Each message is a single JSON object terminated by a newline character.
package protocol

import (
	"encoding/json"
	"time"
)

// MaxMessageSize is the largest accepted request line, newline included.
const MaxMessageSize = 64 * 1024

// MessageType identifies the type of message.
type MessageType string

const (
	// MessageTypeRequest is sent from client to server.
	MessageTypeRequest MessageType = "request"
	// MessageTypeResponse is sent from server to client in reply to a request.
	MessageTypeResponse MessageType = "response"
	// MessageTypeEvent is broadcast from server to all connected clients.
	MessageTypeEvent MessageType = "event"
)

// Command identifies the operation to perform.
type Command string

const (
	// CommandStart begins monitoring.
	CommandStart Command = "start"
	// CommandStop ends monitoring.
	CommandStop Command = "stop"
	// CommandStatus queries the monitoring state.
	CommandStatus Command = "status"
	// CommandBytes queries cumulative bytes since boot.
	CommandBytes Command = "bytes"
	// CommandSpeed queries the speed since the previous speed query.
	CommandSpeed Command = "speed"
)

// EventName identifies the type of event.
type EventName string

const (
	// EventStateChange indicates a monitoring state transition.
	EventStateChange EventName = "state_change"
	// EventSample carries a periodic traffic sample.
	EventSample EventName = "sample"
)

// Request is a command sent by a client. ID correlates the response.
type Request struct {
	ID      string          `json:"id"`
	Type    MessageType     `json:"type"`
	Command Command         `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response answers a Request with the same ID. Result is set on success,
// Error otherwise.
type Response struct {
	ID      string          `json:"id"`
	Type    MessageType     `json:"type"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
}

// Event is pushed to every connected client.
type Event struct {
	Type MessageType     `json:"type"`
	Name EventName       `json:"name"`
	Data json.RawMessage `json:"data"`
}

// ErrorInfo describes a failed request. Code is one of the ErrCode constants.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TrafficParams selects the traffic types for bytes and speed commands.
// Types is the numeric traffic type mask.
type TrafficParams struct {
	Types uint32 `json:"types"`
}

// StatusResult contains the result of a status query.
type StatusResult struct {
	Monitoring bool   `json:"monitoring"`
	State      string `json:"state"`
	// BootTime is when the OS counters started, if known.
	BootTime *time.Time `json:"boot_time,omitempty"`
}

// BytesResult contains the result of a bytes query.
type BytesResult struct {
	Types uint32 `json:"types"`
	Bytes uint64 `json:"bytes"`
}

// SpeedResult contains the result of a speed query.
type SpeedResult struct {
	Types              uint32 `json:"types"`
	KilobytesPerSecond uint64 `json:"kilobytes_per_second"`
}

// StateChangeData contains data for state_change events.
type StateChangeData struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// SampleData contains data for sample events.
type SampleData struct {
	// ID uniquely identifies the sample.
	ID   string    `json:"id"`
	Time time.Time `json:"time"`
	// Types is the mask Bytes and BytesPerSecond were computed for.
	Types          uint32  `json:"types"`
	Bytes          uint64  `json:"bytes"`
	BytesPerSecond float64 `json:"bytes_per_second"`
	// Counters holds every base counter keyed by flag name.
	Counters map[string]uint64 `json:"counters"`
}

// NewRequest creates a new request with the given command and parameters.
func NewRequest(id string, cmd Command, params any) (*Request, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Request{
		ID:      id,
		Type:    MessageTypeRequest,
		Command: cmd,
		Params:  paramsJSON,
	}, nil
}

// NewSuccessResponse creates a successful response.
func NewSuccessResponse(id string, result any) (*Response, error) {
	var resultJSON json.RawMessage
	if result != nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return nil, err
		}
	}
	return &Response{
		ID:      id,
		Type:    MessageTypeResponse,
		Success: true,
		Result:  resultJSON,
	}, nil
}

// NewErrorResponse creates an error response.
func NewErrorResponse(id string, code string, message string) *Response {
	return &Response{
		ID:      id,
		Type:    MessageTypeResponse,
		Success: false,
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
		},
	}
}

// NewEvent creates a new event with the given name and data.
func NewEvent(name EventName, data any) (*Event, error) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		Type: MessageTypeEvent,
		Name: name,
		Data: dataJSON,
	}, nil
}
