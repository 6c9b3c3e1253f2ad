package soap

import "strconv"

// GetVolumeOp reads the current channel volume.
type GetVolumeOp struct{}

type GetVolumeReq struct {
	InstanceID int
	Channel    string // defaults to "Master"
}

func (GetVolumeOp) Service() Service { return ServiceRenderingControl }
func (GetVolumeOp) Action() string   { return "GetVolume" }

func (GetVolumeOp) BuildPayload(req GetVolumeReq) (map[string]string, error) {
	channel := req.Channel
	if channel == "" {
		channel = "Master"
	}
	return map[string]string{"InstanceID": strconv.Itoa(req.InstanceID), "Channel": channel}, nil
}

func (GetVolumeOp) ParseResponse(body []byte) (VolumeInfo, error) {
	return parseVolume(body), nil
}

// SetVolumeOp sets the channel volume. Request validation enforces the
// 0..=100 range locally (§4.B) so a bad call never reaches the network.
type SetVolumeOp struct{}

type SetVolumeReq struct {
	InstanceID int
	Channel    string // defaults to "Master"
	Level      int
}
type SetVolumeResp struct{}

func (SetVolumeOp) Service() Service { return ServiceRenderingControl }
func (SetVolumeOp) Action() string   { return "SetVolume" }

func (SetVolumeOp) BuildPayload(req SetVolumeReq) (map[string]string, error) {
	if req.Level < 0 || req.Level > 100 {
		return nil, &ValidationError{Field: "level", Reason: "must be between 0 and 100"}
	}
	channel := req.Channel
	if channel == "" {
		channel = "Master"
	}
	return map[string]string{
		"InstanceID":    strconv.Itoa(req.InstanceID),
		"Channel":       channel,
		"DesiredVolume": strconv.Itoa(req.Level),
	}, nil
}

func (SetVolumeOp) ParseResponse(_ []byte) (SetVolumeResp, error) { return SetVolumeResp{}, nil }

// GetMuteOp reads the current mute state.
type GetMuteOp struct{}

type GetMuteReq struct {
	InstanceID int
	Channel    string
}

func (GetMuteOp) Service() Service { return ServiceRenderingControl }
func (GetMuteOp) Action() string   { return "GetMute" }

func (GetMuteOp) BuildPayload(req GetMuteReq) (map[string]string, error) {
	channel := req.Channel
	if channel == "" {
		channel = "Master"
	}
	return map[string]string{"InstanceID": strconv.Itoa(req.InstanceID), "Channel": channel}, nil
}

func (GetMuteOp) ParseResponse(body []byte) (MuteInfo, error) {
	return parseMute(body), nil
}

// SetMuteOp sets the mute state.
type SetMuteOp struct{}

type SetMuteReq struct {
	InstanceID int
	Channel    string
	Mute       bool
}
type SetMuteResp struct{}

func (SetMuteOp) Service() Service { return ServiceRenderingControl }
func (SetMuteOp) Action() string   { return "SetMute" }

func (SetMuteOp) BuildPayload(req SetMuteReq) (map[string]string, error) {
	channel := req.Channel
	if channel == "" {
		channel = "Master"
	}
	desired := "0"
	if req.Mute {
		desired = "1"
	}
	return map[string]string{
		"InstanceID":  strconv.Itoa(req.InstanceID),
		"Channel":     channel,
		"DesiredMute": desired,
	}, nil
}

func (SetMuteOp) ParseResponse(_ []byte) (SetMuteResp, error) { return SetMuteResp{}, nil }
