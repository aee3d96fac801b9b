// Package dispatch routes JSON-described operations to a pool of
// substrate worker processes and brings their responses back.
package dispatch

import (
	"encoding/json"
	"fmt"
)

// Request is the task wire schema sent to a worker.
type Request struct {
	Operation string                 `json:"operation"`
	Args      []interface{}          `json:"args"`
	Kwargs    map[string]interface{} `json:"kwargs"`
}

// Response is the task wire schema returned by a worker. Error is present
// exactly when Success is false.
type Response struct {
	Success bool        `json:"success"`
	Result  interface{} `json:"result,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ParseTask validates raw task JSON against the request schema. A
// malformed task is an application-level error, not a transport failure.
func ParseTask(raw []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("malformed task json: %v", err)
	}
	if req.Operation == "" {
		return nil, fmt.Errorf("task is missing \"operation\"")
	}
	return &req, nil
}

// ErrorBody builds the serialized {success:false,error} response for an
// application-level failure.
func ErrorBody(message string) []byte {
	body, err := json.Marshal(&Response{Success: false, Error: message})
	if err != nil {
		// Response with only scalar fields cannot fail to marshal.
		panic(fmt.Sprintf("dispatch: marshal error body: %v", err))
	}
	return body
}

// MarshalRequest serializes a Request for the worker channel.
func MarshalRequest(req *Request) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("dispatch: marshal request: %w", err)
	}
	return body, nil
}

// UnmarshalResponse deserializes a worker response body.
func UnmarshalResponse(raw []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("dispatch: unmarshal response: %w", err)
	}
	return &resp, nil
}
