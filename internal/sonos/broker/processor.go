package broker

import (
	"encoding/xml"
	"fmt"
	"html"

	"github.com/tatimblin/sonos-stream-go/internal/sonos/soap"
)

// rawPropertySet is the outer GENA NOTIFY body shared by every service:
// a sequence of <property> elements, each wrapping exactly one named
// child (§4.H). Declaring every possible child name on one struct lets a
// single Unmarshal handle all five service shapes — Go's xml decoder
// simply leaves the fields that don't appear in this particular NOTIFY at
// their zero value.
type rawPropertySet struct {
	XMLName    xml.Name        `xml:"propertyset"`
	Properties []rawPropertyElem `xml:"property"`
}

type rawPropertyElem struct {
	LastChange              string `xml:"LastChange"`
	ZoneGroupState          string `xml:"ZoneGroupState"`
	VanishedDevices         string `xml:"VanishedDevices"`
	ZoneName                string `xml:"ZoneName"`
	Icon                    string `xml:"Icon"`
	ModelName               string `xml:"ModelName"`
	SoftwareVersion         string `xml:"SoftwareVersion"`
	Invisible               string `xml:"Invisible"`
	GroupCoordinatorIsLocal string `xml:"GroupCoordinatorIsLocal"`
	LocalGroupUUID          string `xml:"LocalGroupUUID"`
	ResetVolumeAfter        string `xml:"ResetVolumeAfter"`
}

// avTransportLastChange / renderingControlLastChange mirror the
// <Event><InstanceID val="0">...</InstanceID></Event> document carried,
// entity-escaped, inside <LastChange> for these two service families
// (§4.H).
type avTransportLastChange struct {
	XMLName  xml.Name              `xml:"Event"`
	Instance avTransportInstanceXML `xml:"InstanceID"`
}

type avTransportInstanceXML struct {
	TransportState    attrVal `xml:"TransportState"`
	TransportStatus   attrVal `xml:"TransportStatus"`
	TransportPlaySpeed attrVal `xml:"TransportPlaySpeed"`
	CurrentTrackURI   attrVal `xml:"CurrentTrackURI"`
	CurrentTrackDuration attrVal `xml:"CurrentTrackDuration"`
	RelativeTimePosition attrVal `xml:"RelativeTimePosition"`
	AbsoluteTimePosition attrVal `xml:"AbsoluteTimePosition"`
	RelativeCounterPosition attrVal `xml:"RelativeCounterPosition"`
	AbsoluteCounterPosition attrVal `xml:"AbsoluteCounterPosition"`
	CurrentPlayMode   attrVal `xml:"CurrentPlayMode"`
	CurrentTrackMetaData attrVal `xml:"CurrentTrackMetaData"`
	NextTrackURI      attrVal `xml:"NextTrackURI"`
	NextTrackMetaData attrVal `xml:"NextTrackMetaData"`
	NumberOfTracks    attrVal `xml:"NumberOfTracks"`
}

type renderingControlLastChange struct {
	XMLName  xml.Name                   `xml:"Event"`
	Instance renderingControlInstanceXML `xml:"InstanceID"`
}

type renderingControlInstanceXML struct {
	Volume   []channelAttrVal `xml:"Volume"`
	Mute     []channelAttrVal `xml:"Mute"`
	Bass     attrVal          `xml:"Bass"`
	Treble   attrVal          `xml:"Treble"`
	Loudness []channelAttrVal `xml:"Loudness"`
	Balance  attrVal          `xml:"Balance"`
}

type attrVal struct {
	Val string `xml:"val,attr"`
}

type channelAttrVal struct {
	Channel string `xml:"channel,attr"`
	Val     string `xml:"val,attr"`
}

// parseNotifyBody decodes a GENA NOTIFY body for service into an
// EventPayload. body must already be the raw bytes of the HTTP request;
// the outer propertyset is never itself escaped, only specific children
// (LastChange, ZoneGroupState) are.
func parseNotifyBody(service soap.Service, body []byte) (EventPayload, error) {
	var set rawPropertySet
	if err := xml.Unmarshal(body, &set); err != nil {
		return EventPayload{}, fmt.Errorf("decode propertyset: %w", err)
	}

	var payload EventPayload
	for _, prop := range set.Properties {
		switch {
		case prop.LastChange != "" && service == soap.ServiceAVTransport:
			ev, err := parseAVTransportLastChange(prop.LastChange)
			if err != nil {
				return EventPayload{}, err
			}
			payload.AVTransport = ev

		case prop.LastChange != "" && (service == soap.ServiceRenderingControl || service == soap.ServiceGroupRenderingControl):
			ev, err := parseRenderingControlLastChange(prop.LastChange)
			if err != nil {
				return EventPayload{}, err
			}
			payload.RenderingControl = ev

		case prop.ZoneGroupState != "":
			payload.ZoneGroupTopology = parseZoneGroupTopologyEvent(prop.ZoneGroupState, prop.VanishedDevices)

		case prop.ZoneName != "" || prop.Icon != "" || prop.ModelName != "" || prop.SoftwareVersion != "" || prop.Invisible != "":
			payload.DeviceProperties = mergeDeviceProperties(payload.DeviceProperties, prop)

		case prop.GroupCoordinatorIsLocal != "" || prop.LocalGroupUUID != "" || prop.ResetVolumeAfter != "":
			payload.GroupManagement = mergeGroupManagement(payload.GroupManagement, prop)
		}
	}

	return payload, nil
}

func parseAVTransportLastChange(escaped string) (*AVTransportEvent, error) {
	unescaped := html.UnescapeString(escaped)
	var doc avTransportLastChange
	if err := xml.Unmarshal([]byte(unescaped), &doc); err != nil {
		return nil, fmt.Errorf("decode AVTransport LastChange: %w", err)
	}
	inst := doc.Instance
	ev := &AVTransportEvent{}
	setIfPresent(&ev.TransportState, inst.TransportState.Val)
	setIfPresent(&ev.TransportStatus, inst.TransportStatus.Val)
	setIfPresent(&ev.Speed, inst.TransportPlaySpeed.Val)
	setIfPresent(&ev.CurrentTrackURI, inst.CurrentTrackURI.Val)
	setIfPresent(&ev.TrackDuration, inst.CurrentTrackDuration.Val)
	setIfPresent(&ev.RelTime, inst.RelativeTimePosition.Val)
	setIfPresent(&ev.AbsTime, inst.AbsoluteTimePosition.Val)
	setIfPresent(&ev.RelCount, inst.RelativeCounterPosition.Val)
	setIfPresent(&ev.AbsCount, inst.AbsoluteCounterPosition.Val)
	setIfPresent(&ev.PlayMode, inst.CurrentPlayMode.Val)
	setIfPresent(&ev.TrackMetadata, inst.CurrentTrackMetaData.Val)
	setIfPresent(&ev.NextTrackURI, inst.NextTrackURI.Val)
	setIfPresent(&ev.NextTrackMetadata, inst.NextTrackMetaData.Val)
	setIfPresent(&ev.QueueLength, inst.NumberOfTracks.Val)
	return ev, nil
}

func parseRenderingControlLastChange(escaped string) (*RenderingControlEvent, error) {
	unescaped := html.UnescapeString(escaped)

	var doc renderingControlLastChange
	if err := xml.Unmarshal([]byte(unescaped), &doc); err != nil {
		return nil, fmt.Errorf("decode RenderingControl LastChange: %w", err)
	}

	ev := &RenderingControlEvent{OtherChannels: map[string]string{}}
	for _, v := range doc.Instance.Volume {
		switch v.Channel {
		case "Master":
			setIfPresent(&ev.MasterVolume, v.Val)
		case "LF":
			setIfPresent(&ev.LFVolume, v.Val)
		case "RF":
			setIfPresent(&ev.RFVolume, v.Val)
		default:
			ev.OtherChannels["Volume:"+v.Channel] = v.Val
		}
	}
	for _, m := range doc.Instance.Mute {
		switch m.Channel {
		case "Master":
			setIfPresent(&ev.MasterMute, m.Val)
		case "LF":
			setIfPresent(&ev.LFMute, m.Val)
		case "RF":
			setIfPresent(&ev.RFMute, m.Val)
		default:
			ev.OtherChannels["Mute:"+m.Channel] = m.Val
		}
	}
	setIfPresent(&ev.Bass, doc.Instance.Bass.Val)
	setIfPresent(&ev.Treble, doc.Instance.Treble.Val)
	setIfPresent(&ev.Balance, doc.Instance.Balance.Val)
	for _, l := range doc.Instance.Loudness {
		if l.Channel == "Master" || l.Channel == "" {
			setIfPresent(&ev.Loudness, l.Val)
		}
	}
	if len(ev.OtherChannels) == 0 {
		ev.OtherChannels = nil
	}
	return ev, nil
}

func mergeDeviceProperties(existing *DevicePropertiesEvent, prop rawPropertyElem) *DevicePropertiesEvent {
	if existing == nil {
		existing = &DevicePropertiesEvent{}
	}
	setIfPresent(&existing.ZoneName, prop.ZoneName)
	setIfPresent(&existing.Icon, prop.Icon)
	setIfPresent(&existing.ModelName, prop.ModelName)
	setIfPresent(&existing.SoftwareVersion, prop.SoftwareVersion)
	setIfPresent(&existing.Invisible, prop.Invisible)
	return existing
}

func mergeGroupManagement(existing *GroupManagementEvent, prop rawPropertyElem) *GroupManagementEvent {
	if existing == nil {
		existing = &GroupManagementEvent{}
	}
	setIfPresent(&existing.GroupCoordinatorIsLocal, prop.GroupCoordinatorIsLocal)
	setIfPresent(&existing.LocalGroupUUID, prop.LocalGroupUUID)
	setIfPresent(&existing.ResetVolumeAfter, prop.ResetVolumeAfter)
	return existing
}

// parseZoneGroupTopologyEvent decodes the doubly-escaped ZoneGroupState
// payload via the soap package's shared parser (§9), never erroring on
// malformed inner XML — it returns a zero-value topology instead, exactly
// as GetZoneGroupStateOp does for the polled equivalent.
func parseZoneGroupTopologyEvent(zoneGroupStateXML, vanishedDevicesXML string) *ZoneGroupTopologyEvent {
	state := soap.ParseZoneGroupStateXML(zoneGroupStateXML)

	groups := make([]ZoneGroupInfo, 0, len(state.Groups))
	for _, g := range state.Groups {
		members := make([]ZoneMemberInfo, 0, len(g.Members))
		for _, m := range g.Members {
			members = append(members, ZoneMemberInfo{
				UUID:            m.UUID,
				Location:        m.Location,
				ZoneName:        m.ZoneName,
				SoftwareVersion: "",
				NetworkInfo:     "",
			})
		}
		groups = append(groups, ZoneGroupInfo{Coordinator: g.Coordinator, ID: g.ID, Members: members})
	}

	var vanished []string
	if vanishedDevicesXML != "" {
		vanished = parseVanishedDevices(html.UnescapeString(vanishedDevicesXML))
	}

	return &ZoneGroupTopologyEvent{ZoneGroups: groups, VanishedDevices: vanished}
}

type vanishedDevicesDoc struct {
	XMLName xml.Name `xml:"VanishedDevices"`
	Devices []struct {
		UUID string `xml:"UUID,attr"`
	} `xml:"Device"`
}

func parseVanishedDevices(inner string) []string {
	var doc vanishedDevicesDoc
	if err := xml.Unmarshal([]byte(inner), &doc); err != nil {
		return nil
	}
	ids := make([]string, 0, len(doc.Devices))
	for _, d := range doc.Devices {
		ids = append(ids, d.UUID)
	}
	return ids
}

func setIfPresent(dst **string, value string) {
	if value == "" {
		return
	}
	v := value
	*dst = &v
}

// firstN returns the first n bytes of body as a string, for inclusion in a
// ParseError lifecycle event (§4.H: "the first 100 bytes of the offending
// XML").
func firstN(body []byte, n int) string {
	if len(body) <= n {
		return string(body)
	}
	return string(body[:n])
}
