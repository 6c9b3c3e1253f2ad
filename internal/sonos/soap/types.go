package soap

// Service identifies a UPnP service exposed by a Sonos device.
type Service string

const (
	ServiceAVTransport          Service = "AVTransport"
	ServiceRenderingControl     Service = "RenderingControl"
	ServiceGroupRenderingControl Service = "GroupRenderingControl"
	ServiceGroupManagement      Service = "GroupManagement"
	ServiceZoneGroupTopology    Service = "ZoneGroupTopology"
	ServiceDeviceProperties     Service = "DeviceProperties"
)

// AllServices lists every service the library understands, in the order
// they're most commonly subscribed.
var AllServices = []Service{
	ServiceAVTransport,
	ServiceRenderingControl,
	ServiceGroupRenderingControl,
	ServiceGroupManagement,
	ServiceZoneGroupTopology,
	ServiceDeviceProperties,
}

var serviceTypes = map[Service]string{
	ServiceAVTransport:           "urn:schemas-upnp-org:service:AVTransport:1",
	ServiceRenderingControl:      "urn:schemas-upnp-org:service:RenderingControl:1",
	ServiceGroupRenderingControl: "urn:schemas-upnp-org:service:GroupRenderingControl:1",
	ServiceGroupManagement:       "urn:schemas-upnp-org:service:GroupManagement:1",
	ServiceZoneGroupTopology:     "urn:schemas-upnp-org:service:ZoneGroupTopology:1",
	ServiceDeviceProperties:      "urn:schemas-upnp-org:service:DeviceProperties:1",
}

var controlPaths = map[Service]string{
	ServiceAVTransport:           "/MediaRenderer/AVTransport/Control",
	ServiceRenderingControl:      "/MediaRenderer/RenderingControl/Control",
	ServiceGroupRenderingControl: "/MediaRenderer/GroupRenderingControl/Control",
	ServiceGroupManagement:       "/MediaRenderer/GroupManagement/Control",
	ServiceZoneGroupTopology:     "/ZoneGroupTopology/Control",
	ServiceDeviceProperties:      "/DeviceProperties/Control",
}

var eventPaths = map[Service]string{
	ServiceAVTransport:           "/MediaRenderer/AVTransport/Event",
	ServiceRenderingControl:      "/MediaRenderer/RenderingControl/Event",
	ServiceGroupRenderingControl: "/MediaRenderer/GroupRenderingControl/Event",
	ServiceGroupManagement:       "/MediaRenderer/GroupManagement/Event",
	ServiceZoneGroupTopology:     "/ZoneGroupTopology/Event",
	ServiceDeviceProperties:      "/DeviceProperties/Event",
}

// ServicePort is the fixed UPnP control port on every Sonos device.
const ServicePort = 1400

// ControlPath returns the SOAP control path for a service.
func ControlPath(s Service) (string, bool) {
	p, ok := controlPaths[s]
	return p, ok
}

// EventPath returns the GENA event subscription path for a service.
func EventPath(s Service) (string, bool) {
	p, ok := eventPaths[s]
	return p, ok
}

// TypeURI returns the service's XML namespace / type URI.
func TypeURI(s Service) (string, bool) {
	u, ok := serviceTypes[s]
	return u, ok
}
