package shellyrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Request is a device RPC frame. Gen2 devices echo id and src back in the response.
type Request struct {
	ID     int64  `json:"id"`
	Src    string `json:"src"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type Response struct {
	ID     int64           `json:"id"`
	Src    string          `json:"src,omitempty"`
	Dst    string          `json:"dst,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// RPCError is an error frame returned by the device.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// RPCCode exposes the device status code to the queue.
func (e *RPCError) RPCCode() int {
	return e.Code
}

var errMissingResult = errors.New("missing rpc result")

func (r Response) unwrap() (json.RawMessage, error) {
	if r.Error != nil {
		return nil, r.Error
	}
	if len(r.Result) == 0 {
		return nil, errMissingResult
	}
	return r.Result, nil
}
