package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meshcommons/meshbridge/internal/bus"
	"github.com/meshcommons/meshbridge/internal/meshcore"
	"github.com/meshcommons/meshbridge/internal/state"
	"github.com/meshcommons/meshbridge/internal/transport"
)

type stubBridge struct {
	sendErr error
	lastTo  string
	lastRaw string
}

func (s *stubBridge) SendMessage(_ context.Context, to, text string) (*state.Message, error) {
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	s.lastTo = to
	return &state.Message{ID: "m-1", Conversation: "contact:" + to, Direction: "out", Text: text}, nil
}

func (s *stubBridge) SendChannelMessage(_ context.Context, idx int, text string) (*state.Message, error) {
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	return &state.Message{ID: "m-2", Conversation: "channel:0", Direction: "out", Text: text}, nil
}

func (s *stubBridge) SendAdvert(context.Context, bool) error { return s.sendErr }

func (s *stubBridge) RefreshContacts(context.Context) error { return s.sendErr }

func (s *stubBridge) RawCommand(_ context.Context, line string) (string, error) {
	if s.sendErr != nil {
		return "", s.sendErr
	}
	s.lastRaw = line
	return "ok", nil
}

func newTestServer(t *testing.T, bridge *stubBridge) (*httptest.Server, *state.Manager) {
	t.Helper()
	st, err := state.New(nil, state.Options{HistoryLimit: 50, StaleAfter: 12 * time.Hour})
	require.NoError(t, err)

	router := NewRouter(st, bridge, bus.New(),
		func() transport.ConnectionState { return transport.StateConnected },
		zap.NewNop())
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, st
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &stubBridge{})

	resp, err := http.Get(srv.URL + "/api/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "connected", body["connection"])
}

func TestListContacts(t *testing.T) {
	srv, st := newTestServer(t, &stubBridge{})

	var pk [32]byte
	for i := range pk {
		pk[i] = 0xaa
	}
	st.ApplyContact(&meshcore.ContactInfo{PublicKey: pk, Name: "alice", Type: meshcore.ContactClient})

	resp, err := http.Get(srv.URL + "/api/v1/contacts")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1, body.Count)
}

func TestGetContactNotFound(t *testing.T) {
	srv, _ := newTestServer(t, &stubBridge{})

	resp, err := http.Get(srv.URL + "/api/v1/contacts/deadbeef0000")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSendMessageValidation(t *testing.T) {
	bridge := &stubBridge{}
	srv, _ := newTestServer(t, bridge)
	url := srv.URL + "/api/v1/messages"

	resp := postJSON(t, url, map[string]any{"text": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Neither a recipient nor a channel.
	resp = postJSON(t, url, map[string]any{"text": "hi"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Both at once.
	resp = postJSON(t, url, map[string]any{"text": "hi", "to": "alice", "channel": 0})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, url, map[string]any{"text": "hi", "to": "alice"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "alice", bridge.lastTo)
}

func TestSendMessageErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{meshcore.ErrNotFound, http.StatusNotFound},
		{meshcore.ErrAmbiguous, http.StatusConflict},
		{meshcore.ErrConnectionLost, http.StatusServiceUnavailable},
		{meshcore.ErrTimeout, http.StatusGatewayTimeout},
		{&meshcore.DeviceError{Code: 0x01}, http.StatusBadGateway},
	}
	for _, tc := range cases {
		srv, _ := newTestServer(t, &stubBridge{sendErr: tc.err})
		resp := postJSON(t, srv.URL+"/api/v1/messages", map[string]any{"text": "hi", "to": "alice"})
		assert.Equal(t, tc.code, resp.StatusCode, "error %v", tc.err)
	}
}

func TestRawCommandEndpoint(t *testing.T) {
	bridge := &stubBridge{}
	srv, _ := newTestServer(t, bridge)

	resp := postJSON(t, srv.URL+"/api/v1/command", map[string]any{"line": "advert flood"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "advert flood", bridge.lastRaw)

	resp = postJSON(t, srv.URL+"/api/v1/command", map[string]any{"line": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListMessagesRequiresConversation(t *testing.T) {
	srv, _ := newTestServer(t, &stubBridge{})

	resp, err := http.Get(srv.URL + "/api/v1/messages")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
