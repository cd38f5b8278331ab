package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// httptestServer is a counting fake JSON-RPC server shared by the session
// tests.
type httptestServer struct {
	server *httptest.Server
	calls  atomic.Int64
}

func newHTTPTestServer(t *testing.T, handler func(req jsonRequest) (interface{}, *jsonError)) *httptestServer {
	t.Helper()
	fake := &httptestServer{}
	fake.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fake.calls.Add(1)

		var req jsonRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		result, fault := handler(req)
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if fault != nil {
			resp["error"] = fault
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(fake.server.Close)
	return fake
}

func (f *httptestServer) URL() string  { return f.server.URL }
func (f *httptestServer) Calls() int64 { return f.calls.Load() }
