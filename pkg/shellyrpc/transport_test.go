package shellyrpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

func TestHTTPTransportCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rpc" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Src != DefaultSource {
			t.Errorf("unexpected src %q", req.Src)
		}
		switch req.Method {
		case "Schedule.List":
			_ = json.NewEncoder(w).Encode(map[string]any{"id": req.ID, "result": map[string]any{"jobs": []any{}, "rev": 3}})
		default:
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]any{"id": req.ID, "error": map[string]any{"code": 404, "message": "No handler for " + req.Method}})
		}
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, time.Second, nil)
	raw, err := tr.Call(context.Background(), "Schedule.List", map[string]any{})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !strings.Contains(string(raw), `"rev":3`) {
		t.Fatalf("unexpected result %s", raw)
	}

	_, err = tr.Call(context.Background(), "Bogus.Method", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.RPCCode() != 404 {
		t.Fatalf("expected RPCError 404, got %v", err)
	}
}

func TestHTTPTransportEndpointNormalization(t *testing.T) {
	cases := map[string]string{
		"192.168.1.20":            "http://192.168.1.20/rpc",
		"http://relay.local/":     "http://relay.local/rpc",
		"https://relay.local/rpc": "https://relay.local/rpc",
	}
	for in, want := range cases {
		if got := NewHTTPTransport(in, time.Second, nil).endpoint; got != want {
			t.Errorf("NewHTTPTransport(%q).endpoint = %q, want %q", in, got, want)
		}
	}
}

func TestWSTransportCorrelatesResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var req Request
			_ = json.Unmarshal(data, &req)
			// An unsolicited notification first, then the real answer.
			_ = conn.Write(ctx, websocket.MessageText, []byte(`{"method":"NotifyStatus","params":{}}`))
			resp, _ := json.Marshal(map[string]any{"id": req.ID, "result": map[string]any{"method": req.Method}})
			_ = conn.Write(ctx, websocket.MessageText, resp)
		}
	}))
	defer srv.Close()

	tr := NewWSTransport(srv.URL, zerolog.Nop())
	defer tr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, method := range []string{"KVS.Get", "Schedule.List"} {
		raw, err := tr.Call(ctx, method, nil)
		if err != nil {
			t.Fatalf("Call(%s): %v", method, err)
		}
		var out struct {
			Method string `json:"method"`
		}
		if err := json.Unmarshal(raw, &out); err != nil || out.Method != method {
			t.Fatalf("unexpected response for %s: %s", method, raw)
		}
	}
}
