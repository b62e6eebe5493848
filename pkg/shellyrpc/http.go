package shellyrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/beeper/astrorelay/pkg/shared/httputil"
)

// DefaultSource is the src field sent with every request frame.
const DefaultSource = "astrorelay"

// HTTPTransport posts one JSON-RPC frame per call to http://<addr>/rpc.
type HTTPTransport struct {
	endpoint string
	src      string
	headers  map[string]string
	client   *http.Client
	nextID   atomic.Int64
}

// NewHTTPTransport builds a transport for the device at addr (host[:port] or a full URL).
func NewHTTPTransport(addr string, timeout time.Duration, headers map[string]string) *HTTPTransport {
	endpoint := strings.TrimRight(strings.TrimSpace(addr), "/")
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "http://" + endpoint
	}
	if !strings.HasSuffix(endpoint, "/rpc") {
		endpoint += "/rpc"
	}
	return &HTTPTransport{
		endpoint: endpoint,
		src:      DefaultSource,
		headers:  httputil.WithDefaults(map[string]string{"User-Agent": DefaultSource}, headers),
		client:   httputil.NewClient(timeout),
	}
}

func (t *HTTPTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req := Request{ID: t.nextID.Add(1), Src: t.src, Method: method, Params: params}
	body, _, err := httputil.PostJSON(ctx, t.client, t.endpoint, t.headers, req)
	if err != nil {
		// Devices answer failed calls with a non-2xx status and an error frame.
		var statusErr *httputil.StatusError
		if errors.As(err, &statusErr) {
			var resp Response
			if json.Unmarshal([]byte(statusErr.Body), &resp) == nil && resp.Error != nil {
				return nil, resp.Error
			}
		}
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", method, err)
	}
	return resp.unwrap()
}
