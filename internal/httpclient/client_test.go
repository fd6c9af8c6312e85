package httpclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lanyeeee/mangadl-go/internal/events"
	"github.com/lanyeeee/mangadl-go/internal/model"
	"github.com/stretchr/testify/require"
)

func TestDoJSONReturnsBodyOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":0}`))
	}))
	defer srv.Close()

	c, err := New(Options{ProxyMode: model.ProxyModeNone, MaxRetries: 1})
	require.NoError(t, err)

	data, status, err := c.DoJSON(context.Background(), http.MethodGet, srv.URL, nil, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"code":0}`, string(data))
}

func TestDoJSONRetriesGetOn500ThenSucceeds(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"code":0}`))
	}))
	defer srv.Close()

	c, err := New(Options{ProxyMode: model.ProxyModeNone, MaxRetries: 3})
	require.NoError(t, err)

	_, status, err := c.DoJSON(context.Background(), http.MethodGet, srv.URL, nil, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 2, calls)
}

func TestDoJSONRetriesPostOn500AndReplaysBody(t *testing.T) {
	calls := 0
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		data, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(data))
		if calls < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"code":0}`))
	}))
	defer srv.Close()

	c, err := New(Options{ProxyMode: model.ProxyModeNone, MaxRetries: 3})
	require.NoError(t, err)

	_, status, err := c.DoJSON(context.Background(), http.MethodPost, srv.URL, nil, strings.NewReader(`{"ep_id":1}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 2, calls)
	// The second attempt must carry the same body as the first, not an
	// empty reader left over from the consumed original.
	require.Equal(t, []string{`{"ep_id":1}`, `{"ep_id":1}`}, bodies)
}

func TestDoJSON403MapsToLinkExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c, err := New(Options{ProxyMode: model.ProxyModeNone})
	require.NoError(t, err)

	_, _, err = c.DoJSON(context.Background(), http.MethodGet, srv.URL, nil, nil)
	require.ErrorIs(t, err, ErrLinkExpired)
}

func TestNewCustomProxyWithoutHostFallsBackAndEmitsEvent(t *testing.T) {
	bus := events.New()
	sub := bus.Subscribe(events.TypeProxyError)

	_, err := New(Options{ProxyMode: model.ProxyModeCustom, Bus: bus})
	require.NoError(t, err, "an invalid custom proxy must fall back, not fail the client")

	select {
	case e := <-sub:
		require.Equal(t, events.TypeProxyError, e.Type())
	default:
		t.Fatal("expected a ProxyErrorEvent on custom-proxy fallback")
	}
}

func TestReconfigureSwapsClientForSubsequentRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":0}`))
	}))
	defer srv.Close()

	c, err := New(Options{ProxyMode: model.ProxyModeSystem})
	require.NoError(t, err)

	c.Reconfigure(Options{ProxyMode: model.ProxyModeNone})

	_, status, err := c.DoJSON(context.Background(), http.MethodGet, srv.URL, nil, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)
}
