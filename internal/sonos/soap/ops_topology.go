package soap

import (
	"encoding/xml"
	"html"
)

// GetZoneGroupStateOp retrieves the full zone group topology. Like the
// ZoneGroupTopology NOTIFY payload, the outer response wraps a second,
// XML-escaped XML document in <ZoneGroupState> — it must be entity-decoded
// once before the inner document is parsed (§9).
type GetZoneGroupStateOp struct{}

type GetZoneGroupStateReq struct{}

func (GetZoneGroupStateOp) Service() Service { return ServiceZoneGroupTopology }
func (GetZoneGroupStateOp) Action() string   { return "GetZoneGroupState" }

func (GetZoneGroupStateOp) BuildPayload(GetZoneGroupStateReq) (map[string]string, error) {
	return map[string]string{}, nil
}

func (GetZoneGroupStateOp) ParseResponse(body []byte) (ZoneGroupState, error) {
	outer := parseTextValue(body, "ZoneGroupState")
	if outer == "" {
		return ZoneGroupState{}, nil
	}
	return ParseZoneGroupStateXML(outer), nil
}

type zoneGroupStateDoc struct {
	XMLName xml.Name       `xml:"ZoneGroupState"`
	Groups  []zoneGroupXML `xml:"ZoneGroups>ZoneGroup"`
}

type zoneGroupXML struct {
	Coordinator string          `xml:"Coordinator,attr"`
	ID          string          `xml:"ID,attr"`
	Members     []zoneMemberXML `xml:"ZoneGroupMember"`
}

type zoneMemberXML struct {
	UUID             string `xml:"UUID,attr"`
	Location         string `xml:"Location,attr"`
	ZoneName         string `xml:"ZoneName,attr"`
	SoftwareVersion  string `xml:"SoftwareVersion,attr"`
	Invisible        string `xml:"Invisible,attr"`
	IsZoneBridge     string `xml:"IsZoneBridge,attr"`
	ChannelMapSet    string `xml:"ChannelMapSet,attr"`
	HTSatChanMapSet  string `xml:"HTSatChanMapSet,attr"`
}

// ParseZoneGroupStateXML decodes the (already entity-unescaped) inner
// <ZoneGroupState> document. On malformed inner XML it returns an empty
// ZoneGroupState rather than an error: a consumer must not be blocked by a
// single malformed field inside an otherwise-valid event (§4.H, §9).
func ParseZoneGroupStateXML(innerXML string) ZoneGroupState {
	unescaped := html.UnescapeString(innerXML)

	var doc zoneGroupStateDoc
	if err := xml.Unmarshal([]byte(unescaped), &doc); err != nil {
		return ZoneGroupState{}
	}

	groups := make([]ZoneGroup, 0, len(doc.Groups))
	for _, g := range doc.Groups {
		members := make([]ZoneMember, 0, len(g.Members))
		for _, m := range g.Members {
			members = append(members, ZoneMember{
				UUID:          m.UUID,
				Location:      m.Location,
				ZoneName:      m.ZoneName,
				IsCoordinator: m.UUID == g.Coordinator,
				IsVisible:     m.Invisible != "1",
				IsSatellite:   m.HTSatChanMapSet != "",
				ChannelMapSet: m.ChannelMapSet,
			})
		}
		groups = append(groups, ZoneGroup{
			ID:          g.ID,
			Coordinator: g.Coordinator,
			Members:     members,
		})
	}
	return ZoneGroupState{Groups: groups}
}

// GetZoneAttributesOp reads a device's own zone name/icon.
type GetZoneAttributesOp struct{}

type GetZoneAttributesReq struct{}

type ZoneAttributes struct {
	ZoneName string
	Icon     string
}

func (GetZoneAttributesOp) Service() Service { return ServiceDeviceProperties }
func (GetZoneAttributesOp) Action() string   { return "GetZoneAttributes" }

func (GetZoneAttributesOp) BuildPayload(GetZoneAttributesReq) (map[string]string, error) {
	return map[string]string{}, nil
}

func (GetZoneAttributesOp) ParseResponse(body []byte) (ZoneAttributes, error) {
	return ZoneAttributes{
		ZoneName: parseTextValue(body, "CurrentZoneName"),
		Icon:     parseTextValue(body, "CurrentIcon"),
	}, nil
}
