package e2e_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexjbarnes/task-sync/internal/auth"
	"github.com/alexjbarnes/task-sync/internal/engine"
	"github.com/alexjbarnes/task-sync/internal/mcpserver"
	"github.com/alexjbarnes/task-sync/internal/models"
	"github.com/alexjbarnes/task-sync/internal/remote"
	"github.com/alexjbarnes/task-sync/internal/server"
	"github.com/alexjbarnes/task-sync/internal/state"
	"github.com/alexjbarnes/task-sync/internal/store"
	"github.com/alexjbarnes/task-sync/internal/syncclient"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testPassword = "testpass"
	testAPIKey   = "tk_0123456789abcdef0123456789abcdef"
)

// harness holds the full server stack: record store, credential
// service, engine, REST mux and MCP endpoint behind a real HTTP server.
type harness struct {
	URL    string
	DB     *store.Store
	Auth   *auth.Store
	Client *http.Client
}

// newHarness starts taskd's mux on an httptest server with users alice
// and bob, and an API key for carol.
func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	db, err := store.LoadAt(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tokens := auth.NewStore(db, logger)
	t.Cleanup(tokens.Stop)
	tokens.RegisterAPIKey("carol", testAPIKey)

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)

	users := auth.UserCredentials{
		"alice": string(hash),
		"bob":   string(hash),
	}

	eng := engine.New(db, logger)

	ts := httptest.NewUnstartedServer(server.NewMux(server.MuxConfig{
		Engine:     eng,
		Health:     db,
		Auth:       tokens,
		Users:      users,
		TokenTTL:   time.Hour,
		MCPHandler: mcpserver.NewHandler(eng, "test", logger),
		Logger:     logger,
	}))
	ts.Start()
	t.Cleanup(ts.Close)

	return &harness{
		URL:    ts.URL,
		DB:     db,
		Auth:   tokens,
		Client: ts.Client(),
	}
}

// login obtains a bearer token over HTTP.
func (h *harness) login(t *testing.T, user string) string {
	t.Helper()

	resp, err := remote.NewClient(h.URL, h.Client).Login(t.Context(), user, testPassword)
	require.NoError(t, err)

	return resp.Token
}

// device is one client installation: its own state database, transport
// and connectivity switch.
type device struct {
	State  *state.State
	Sync   *syncclient.Client
	Remote *remote.Client
	Online *atomic.Bool
	Link   *faultyTransport
}

// newDevice creates a logged-in client for user.
func (h *harness) newDevice(t *testing.T, user string) *device {
	t.Helper()

	return h.newDeviceWithToken(t, user, h.login(t, user))
}

func (h *harness) newDeviceWithToken(t *testing.T, user, token string) *device {
	t.Helper()

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "client.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.SetCredential(user, token))

	link := &faultyTransport{base: h.Client.Transport}
	rc := remote.NewClient(h.URL, &http.Client{Transport: link, Timeout: 10 * time.Second})

	online := &atomic.Bool{}
	online.Store(true)

	conn := syncclient.ConnectivityFunc(func(context.Context) bool { return online.Load() })

	return &device{
		State:  st,
		Sync:   syncclient.New(st, rc, conn, slog.New(slog.DiscardHandler)),
		Remote: rc,
		Online: online,
		Link:   link,
	}
}

// tasks returns the device's visible tasks.
func (d *device) tasks(t *testing.T) []models.Task {
	t.Helper()

	tasks, err := d.Sync.Tasks()
	require.NoError(t, err)

	return tasks
}

// faultyTransport forwards requests to the server. When dropReplies is
// set, the request still reaches the server but the caller sees a
// network error, as when a connection dies after the server has acted.
type faultyTransport struct {
	base        http.RoundTripper
	dropReplies atomic.Bool
}

var errConnectionReset = errors.New("connection reset by peer")

func (f *faultyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := f.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if f.dropReplies.Load() {
		resp.Body.Close()
		return nil, errConnectionReset
	}

	return resp, nil
}

// rawSync posts a batch body as-is and decodes the response.
func (h *harness) rawSync(t *testing.T, token, body string) (int, models.SyncResponse) {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, h.URL+"/api/tasks/sync", bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := h.Client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out models.SyncResponse
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}

	return resp.StatusCode, out
}

// mcpSession creates an MCP client session authenticated with the given
// Bearer token.
func (h *harness) mcpSession(t *testing.T, token string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: token,
				base:  h.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}
