package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loykin/barnr/internal/history"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var receivedBody []byte
	var receivedURL string
	var receivedMethod string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		receivedURL = r.URL.Path
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	defer server.Close()

	sink := New(server.URL+"/", "barnr-history")
	event := history.NewEvent(history.EventResurrect, "server", "alpha")
	event.PID = 777

	if err := sink.Send(context.Background(), event); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if receivedMethod != http.MethodPut {
		t.Errorf("Expected PUT method, got: %s", receivedMethod)
	}
	if want := "/barnr-history/_doc/" + event.ID; receivedURL != want {
		t.Errorf("Expected URL path %s, got: %s", want, receivedURL)
	}

	var got map[string]interface{}
	if err := json.Unmarshal(receivedBody, &got); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if got["type"] != "resurrect" || got["instance"] != "alpha" || got["pid"] != float64(777) {
		t.Errorf("unexpected document: %v", got)
	}
}

func TestOpenSearchSink_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	sink := New(server.URL, "idx")
	if err := sink.Send(context.Background(), history.NewEvent(history.EventStop, "server", "a")); err == nil {
		t.Fatal("expected error on 400 response")
	}
}

func TestOpenSearchSink_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	sink := New(url, "idx")
	if err := sink.Send(context.Background(), history.NewEvent(history.EventStop, "server", "a")); err == nil {
		t.Fatal("expected error for closed server")
	}
}
