package proto

import (
	"encoding/json"
	"testing"
)

func TestResultFromResponseDefaultsToSuccess(t *testing.T) {
	msg := Message{Type: TypeResponse, Result: json.RawMessage(`{"value":42}`)}
	res := ResultFromResponse(msg)
	if !res.Success {
		t.Error("Expected success for response without marker")
	}
	if string(res.Data) != `{"value":42}` {
		t.Errorf("Expected data to pass through, got %s", res.Data)
	}
}

func TestResultFromResponseEmptyResult(t *testing.T) {
	res := ResultFromResponse(Message{Type: TypeResponse})
	if !res.Success {
		t.Error("Expected success for empty result")
	}
}

func TestResultFromResponseHonorsFailureMarker(t *testing.T) {
	msg := Message{Type: TypeResponse, Result: json.RawMessage(`{"success":false,"error":"motor offline"}`)}
	res := ResultFromResponse(msg)
	if res.Success {
		t.Error("Expected failure for explicit success:false marker")
	}
	if res.Error != "motor offline" {
		t.Errorf("Expected error text to carry over, got %q", res.Error)
	}
}

func TestResultFromResponseNonObjectResult(t *testing.T) {
	msg := Message{Type: TypeResponse, Result: json.RawMessage(`[1,2,3]`)}
	res := ResultFromResponse(msg)
	if !res.Success {
		t.Error("Expected success for non-object result")
	}
}

func TestResultFromError(t *testing.T) {
	res := ResultFromError(Message{Type: TypeError, Error: "unknown command: jump"})
	if res.Success {
		t.Error("Expected failure result from error message")
	}
	if res.Error != "unknown command: jump" {
		t.Errorf("Expected error text, got %q", res.Error)
	}
}
