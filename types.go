// Package onvif provides ONVIF device discovery and a SOAP client for the
// device, media, imaging, PTZ, events and recording services.
package onvif

import (
	"time"
)

// Client holds the credentials and transport policy shared by every device
// handle created from it.
type Client struct {
	Username    string
	Password    string
	Timeout     time.Duration
	InsecureTLS bool // Skip TLS certificate verification
}

// Service is one entry of the device's GetServices response.
type Service struct {
	Namespace string
	XAddr     string
	Version   string
}

// DeviceInformation is the GetDeviceInformation response.
type DeviceInformation struct {
	Manufacturer    string
	Model           string
	FirmwareVersion string
	SerialNumber    string
	HardwareID      string
}

// Hostname is the GetHostname response.
type Hostname struct {
	Name     string
	FromDHCP bool
}

// SystemDateTime is the GetSystemDateAndTime response.
type SystemDateTime struct {
	DateTimeType    string // "Manual" or "NTP"
	DaylightSavings bool
	TimeZone        string
	UTC             time.Time
}

// Profile is a media profile as reported by GetProfiles.
type Profile struct {
	Token            string
	Name             string
	Fixed            bool
	VideoSourceToken string
	VideoEncoder     *VideoEncoderConfig
	PTZConfigToken   string
}

// VideoEncoderConfig represents video encoder configuration
type VideoEncoderConfig struct {
	Token            string
	Name             string
	Encoding         string
	Width            int
	Height           int
	FrameRateLimit   int
	BitrateLimit     int
	EncodingInterval int
	Quality          float32
}

// VideoSource is one physical video input.
type VideoSource struct {
	Token     string
	Framerate float64
	Width     int
	Height    int
}

// Snapshot is a still image downloaded from a snapshot URI.
type Snapshot struct {
	Data        []byte
	ContentType string
}

// UserLevel represents the access level for an ONVIF user
type UserLevel string

const (
	UserLevelAdministrator UserLevel = "Administrator"
	UserLevelOperator      UserLevel = "Operator"
	UserLevelUser          UserLevel = "User"
	UserLevelAnonymous     UserLevel = "Anonymous"
)

// User represents an ONVIF user account
type User struct {
	Username  string
	Password  string
	UserLevel UserLevel
}

// IrCutFilterMode represents the IR cut filter (day/night) mode
type IrCutFilterMode string

const (
	IrCutFilterOn   IrCutFilterMode = "ON"
	IrCutFilterOff  IrCutFilterMode = "OFF"
	IrCutFilterAuto IrCutFilterMode = "AUTO"
)

// ImagingSettings is the subset of imaging configuration this package
// reads and writes. Nil fields are left untouched by SetImagingSettings.
type ImagingSettings struct {
	Brightness      *float64
	ColorSaturation *float64
	Contrast        *float64
	Sharpness       *float64
	IrCutFilter     IrCutFilterMode
}

// FloatRange is an inclusive range advertised by the device.
type FloatRange struct {
	Min float64
	Max float64
}

// ImagingOptions lists the values a video source accepts. Nil ranges are
// not adjustable on the device.
type ImagingOptions struct {
	Brightness       *FloatRange
	ColorSaturation  *FloatRange
	Contrast         *FloatRange
	Sharpness        *FloatRange
	IrCutFilterModes []IrCutFilterMode
}

// OSDConfig represents an On-Screen Display configuration
type OSDConfig struct {
	Token            string
	Type             string // "Text", "Image"
	VideoSourceToken string
}

// StreamUpdateConfig specifies target configuration for encoder updates
type StreamUpdateConfig struct {
	Name       string
	Resolution Resolution
	Framerate  int
	Bitrate    int
	Encoding   string
	Quality    float32
}

// Resolution represents video resolution
type Resolution struct {
	Width  int
	Height int
}

// Common resolutions
var (
	Resolution640x480   = Resolution{640, 480}
	Resolution1280x720  = Resolution{1280, 720}
	Resolution1920x1080 = Resolution{1920, 1080}
	Resolution2560x1920 = Resolution{2560, 1920}
)

// PTZVector is a pan/tilt/zoom triple. Nil axes are omitted from requests.
type PTZVector struct {
	Pan  *float64
	Tilt *float64
	Zoom *float64
}

// PTZStatus is the GetStatus response.
type PTZStatus struct {
	Position   PTZVector
	PanTilt    string // "IDLE", "MOVING" or "UNKNOWN"
	ZoomStatus string
	Error      string
	UTCTime    time.Time
}

// PTZPreset is one stored PTZ position.
type PTZPreset struct {
	Token    string
	Name     string
	Position PTZVector
}

// Recording is one entry of GetRecordings.
type Recording struct {
	Token       string
	Source      string
	Content     string
	TrackTokens []string
}

// PullPointSubscription identifies a pull-point created on the device.
type PullPointSubscription struct {
	Address         string
	CurrentTime     time.Time
	TerminationTime time.Time
}

// DiscoveryOptions provides options for device discovery
type DiscoveryOptions struct {
	Timeout       time.Duration
	MulticastAddr string
	Interface     string // optional interface name for the multicast probe
	TTL           int
	Types         string // probe types, defaults to dn:NetworkVideoTransmitter
}

// DiscoveredDevice is a normalized WS-Discovery ProbeMatch.
type DiscoveredDevice struct {
	URN             string
	Types           []string
	Scopes          []string
	XAddrs          []string
	MetadataVersion int
}

// Default configuration
const (
	DefaultMulticastAddr = "239.255.255.250:3702"
	DefaultTimeout       = 5 * time.Second
	DefaultDiscoveryTTL  = 2
)
