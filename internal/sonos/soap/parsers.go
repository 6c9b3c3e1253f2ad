package soap

import (
	"bytes"
	"encoding/xml"
	"strconv"
	"strings"
)

// parseTextValue does a single-pass scan for the first element named
// `element` and returns its trimmed text content. It tolerates namespaced
// response documents because it matches on the local name only.
func parseTextValue(payload []byte, element string) string {
	decoder := xml.NewDecoder(bytes.NewReader(payload))
	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != element {
			continue
		}
		var value string
		if err := decoder.DecodeElement(&value, &se); err == nil {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func parseTransportInfo(payload []byte) TransportInfo {
	return TransportInfo{
		CurrentTransportState:  parseTextValue(payload, "CurrentTransportState"),
		CurrentTransportStatus: parseTextValue(payload, "CurrentTransportStatus"),
		CurrentSpeed:           parseTextValue(payload, "CurrentSpeed"),
	}
}

func parsePositionInfo(payload []byte) PositionInfo {
	track, _ := strconv.Atoi(parseTextValue(payload, "Track"))
	return PositionInfo{
		Track:         track,
		TrackDuration: parseTextValue(payload, "TrackDuration"),
		TrackMetaData: parseTextValue(payload, "TrackMetaData"),
		TrackURI:      parseTextValue(payload, "TrackURI"),
		RelTime:       parseTextValue(payload, "RelTime"),
		AbsTime:       parseTextValue(payload, "AbsTime"),
	}
}

func parseMediaInfo(payload []byte) MediaInfo {
	nrTracks, _ := strconv.Atoi(parseTextValue(payload, "NrTracks"))
	return MediaInfo{
		NrTracks:           nrTracks,
		MediaDuration:      parseTextValue(payload, "MediaDuration"),
		CurrentURI:         parseTextValue(payload, "CurrentURI"),
		CurrentURIMetaData: parseTextValue(payload, "CurrentURIMetaData"),
	}
}

func parseVolume(payload []byte) VolumeInfo {
	vol, _ := strconv.Atoi(parseTextValue(payload, "CurrentVolume"))
	return VolumeInfo{CurrentVolume: vol}
}

func parseMute(payload []byte) MuteInfo {
	muteStr := parseTextValue(payload, "CurrentMute")
	return MuteInfo{CurrentMute: muteStr == "1" || strings.EqualFold(muteStr, "true")}
}
