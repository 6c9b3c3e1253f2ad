package soap

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTestClient points a Client at an httptest server's real ephemeral
// port instead of the fixed device port 1400.
func newTestClient(server *httptest.Server) *Client {
	c := NewClient(time.Second)
	_, portStr, _ := net.SplitHostPort(server.Listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	c.port = port
	return c
}

func TestClient_Call_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, `"urn:schemas-upnp-org:service:AVTransport:1#Play"`, r.Header.Get("SOAPACTION"))
		w.Write([]byte(`<?xml version="1.0"?><s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body><u:PlayResponse xmlns:u="urn:schemas-upnp-org:service:AVTransport:1"/></s:Body></s:Envelope>`))
	}))
	defer server.Close()

	client := newTestClient(server)
	body, err := client.Call(context.Background(), "127.0.0.1", ServiceAVTransport, "Play", map[string]string{"InstanceID": "0", "Speed": "1"})
	require.NoError(t, err)
	require.Contains(t, string(body), "PlayResponse")
}

func TestClient_Call_Fault(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body><s:Fault><detail><UPnPError><errorCode>701</errorCode><errorDescription>Invalid InstanceID</errorDescription></UPnPError></detail></s:Fault></s:Body></s:Envelope>`))
	}))
	defer server.Close()

	client := newTestClient(server)
	_, err := client.Call(context.Background(), "127.0.0.1", ServiceAVTransport, "Play", map[string]string{"InstanceID": "0"})
	require.Error(t, err)

	var fault *FaultError
	require.ErrorAs(t, err, &fault)
	require.Equal(t, "701", fault.Code)

	mapped := DomainError(err)
	var apiErr *ApiError
	require.ErrorAs(t, mapped, &apiErr)
	require.Equal(t, ApiErrInvalidParameter, apiErr.Kind)
}

func TestClient_Subscribe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "SUBSCRIBE", r.Method)
		require.Equal(t, "upnp:event", r.Header.Get("NT"))
		w.Header().Set("SID", "uuid:abc-123")
		w.Header().Set("TIMEOUT", "Second-1800")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(server)
	sid, timeout, err := client.Subscribe(context.Background(), "127.0.0.1", ServiceAVTransport, "<http://127.0.0.1:1234/notify/tok>", 1800)
	require.NoError(t, err)
	require.Equal(t, "abc-123", sid)
	require.Equal(t, 1800, timeout)
}

func TestClient_Renew_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPreconditionFailed)
	}))
	defer server.Close()

	client := newTestClient(server)
	_, err := client.Renew(context.Background(), "127.0.0.1", ServiceAVTransport, "abc-123", 1800)
	require.Error(t, err)
	var fault *FaultError
	require.ErrorAs(t, err, &fault)
	require.Equal(t, "412", fault.Code)
}

func TestParseTimeoutHeader(t *testing.T) {
	require.Equal(t, 1800, ParseTimeoutHeader("Second-1800"))
	require.Equal(t, 86400, ParseTimeoutHeader("infinite"))
	require.Equal(t, 1800, ParseTimeoutHeader("garbage"))
}
