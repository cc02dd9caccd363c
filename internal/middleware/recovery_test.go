package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

func TestRecovery(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	final := RecoveryWithConfig(RecoveryConfig{})(handler)

	req := httptest.NewRequest("GET", "/test", nil)
	rr := httptest.NewRecorder()
	final.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", rr.Code)
	}
	if got := gjson.Get(rr.Body.String(), "details").String(); got != "panic: test panic" {
		t.Errorf("Expected panic details, got %q", got)
	}
}

func TestRecoveryWithConfig(t *testing.T) {
	var loggedErr any
	var loggedStack []byte

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("custom panic")
	})

	cfg := RecoveryConfig{
		PrintStack: true,
		LogFunc: func(err any, stack []byte) {
			loggedErr = err
			loggedStack = stack
		},
	}
	final := RecoveryWithConfig(cfg)(handler)
	final.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/test", nil))

	if loggedErr != "custom panic" {
		t.Errorf("Expected 'custom panic', got %v", loggedErr)
	}
	if len(loggedStack) == 0 {
		t.Error("Expected stack trace to be captured")
	}
}

func TestRecoveryCarriesRequestID(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	final := NewChain(RequestID(), RecoveryWithConfig(RecoveryConfig{})).Then(handler)

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rr := httptest.NewRecorder()
	final.ServeHTTP(rr, req)

	if got := gjson.Get(rr.Body.String(), "request_id").String(); got != "req-42" {
		t.Errorf("Expected request_id req-42, got %q", got)
	}
}

func TestRecoveryRepanicsAbortHandler(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	})
	final := RecoveryWithConfig(RecoveryConfig{})(handler)

	defer func() {
		r := recover()
		if r != http.ErrAbortHandler {
			t.Errorf("Expected ErrAbortHandler to propagate, got %v", r)
		}
	}()
	final.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	t.Error("ServeHTTP returned normally")
}

func TestRecoveryNoPanic(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	rr := httptest.NewRecorder()
	Recovery()(handler).ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "ok") {
		t.Errorf("Unexpected response %d %q", rr.Code, rr.Body.String())
	}
}
