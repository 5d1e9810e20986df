// Package testutil provides common test utilities and helpers for AskPipe tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"time"
)

// TB is the subset of testing.TB the helpers use.
type TB interface {
	Helper()
	Errorf(format string, args ...interface{})
	Error(args ...interface{})
	Fatalf(format string, args ...interface{})
	Fatal(args ...interface{})
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
// A []byte body is sent as is.
func CreateHTTPRequest(t TB, method, target string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	switch b := body.(type) {
	case nil:
		reqBody = bytes.NewBuffer(nil)
	case []byte:
		reqBody = bytes.NewBuffer(b)
	default:
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, b))
	}

	req, err := http.NewRequest(method, target, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// CreateFormRequest creates a form-encoded POST request.
func CreateFormRequest(t TB, target string, form url.Values) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("failed to create form request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

// metaEnvelope wraps a value object in the Meta webhook entry/changes envelope.
func metaEnvelope(value map[string]interface{}) map[string]interface{} {
	value["messaging_product"] = "whatsapp"
	return map[string]interface{}{
		"object": "whatsapp_business_account",
		"entry": []interface{}{map[string]interface{}{
			"id": "WABA_ID",
			"changes": []interface{}{map[string]interface{}{
				"field": "messages",
				"value": value,
			}},
		}},
	}
}

func metaMessage(from, name string, message map[string]interface{}) map[string]interface{} {
	return metaEnvelope(map[string]interface{}{
		"contacts": []interface{}{map[string]interface{}{
			"wa_id":   from,
			"profile": map[string]interface{}{"name": name},
		}},
		"messages": []interface{}{message},
	})
}

// MetaTextWebhook builds a Meta webhook body carrying one text message.
func MetaTextWebhook(t TB, from, id, name, body string) []byte {
	t.Helper()
	return MustMarshalJSON(t, metaMessage(from, name, map[string]interface{}{
		"from": from, "id": id, "timestamp": "1700000000", "type": "text",
		"text": map[string]interface{}{"body": body},
	}))
}

// MetaInteractiveWebhook builds a Meta webhook body carrying an interactive reply.
// kind is "button_reply" or "list_reply".
func MetaInteractiveWebhook(t TB, from, id, name, kind, replyID, title string) []byte {
	t.Helper()
	return MustMarshalJSON(t, metaMessage(from, name, map[string]interface{}{
		"from": from, "id": id, "timestamp": "1700000000", "type": "interactive",
		"interactive": map[string]interface{}{
			"type": kind,
			kind:   map[string]interface{}{"id": replyID, "title": title},
		},
	}))
}

// MetaStatusWebhook builds a Meta webhook body carrying only a delivery status.
func MetaStatusWebhook(t TB, messageID, status string) []byte {
	t.Helper()
	return MustMarshalJSON(t, metaEnvelope(map[string]interface{}{
		"statuses": []interface{}{map[string]interface{}{
			"id": messageID, "status": status, "timestamp": "1700000000",
		}},
	}))
}

// WaitFor polls cond until it holds or timeout elapses.
func WaitFor(t TB, timeout time.Duration, cond func() bool, context string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s: condition not met within %s", context, timeout)
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
