package proto

import "encoding/json"

// Result is the normalized outcome handed to command continuations.
// Remote errors arrive here as Success=false with the failure text, so
// callers handle success and failure through one path.
type Result struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ResultFromResponse normalizes a response message's result object. A
// result carrying an explicit "success": false marker is honored;
// otherwise the response counts as success.
func ResultFromResponse(msg Message) Result {
	res := Result{Success: true, Data: msg.Result}
	if len(msg.Result) == 0 {
		return res
	}
	var marker struct {
		Success *bool  `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(msg.Result, &marker); err == nil && marker.Success != nil {
		res.Success = *marker.Success
		res.Error = marker.Error
	}
	return res
}

// ResultFromError normalizes an error message into a failure result.
func ResultFromError(msg Message) Result {
	return Result{Success: false, Error: msg.Error}
}
