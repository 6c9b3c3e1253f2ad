package soap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExecute_SetVolume_ValidationError(t *testing.T) {
	client := NewClient(0)
	_, err := Execute(context.Background(), client, "127.0.0.1", SetVolumeOp{}, SetVolumeReq{Level: 101})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "level", verr.Field)
}

func TestExecute_GetVolume_RoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body><u:GetVolumeResponse xmlns:u="urn:schemas-upnp-org:service:RenderingControl:1"><CurrentVolume>42</CurrentVolume></u:GetVolumeResponse></s:Body></s:Envelope>`))
	}))
	defer server.Close()

	client := newTestClient(server)
	resp, err := Execute(context.Background(), client, "127.0.0.1", GetVolumeOp{}, GetVolumeReq{})
	require.NoError(t, err)
	require.Equal(t, 42, resp.CurrentVolume)
}

func TestParseZoneGroupStateXML_DoubleDecode(t *testing.T) {
	inner := `<ZoneGroupState><ZoneGroups><ZoneGroup Coordinator="RINCON_A" ID="RINCON_A:1"><ZoneGroupMember UUID="RINCON_A" ZoneName="Kitchen" Location="http://192.168.1.50:1400/xml/device_description.xml"/></ZoneGroup></ZoneGroups></ZoneGroupState>`

	state := ParseZoneGroupStateXML(inner)
	require.Len(t, state.Groups, 1)
	require.Equal(t, "RINCON_A", state.Groups[0].Coordinator)
	require.Len(t, state.Groups[0].Members, 1)
	require.Equal(t, "Kitchen", state.Groups[0].Members[0].ZoneName)
	require.True(t, state.Groups[0].Members[0].IsCoordinator)
}

func TestParseZoneGroupStateXML_MalformedInnerReturnsEmpty(t *testing.T) {
	state := ParseZoneGroupStateXML("<ZoneGroupState><ZoneGroups><ZoneGroup")
	require.Empty(t, state.Groups)
}
