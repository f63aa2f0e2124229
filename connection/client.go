package connection

import (
	"context"
	"time"

	"github.com/beevik/etree"
	"github.com/use-go/onvif/v2"
)

// DeviceService is the device management part of the protocol client.
type DeviceService interface {
	GetDeviceInformation(ctx context.Context) (*onvif.DeviceInformation, error)
	GetHostname(ctx context.Context) (*onvif.Hostname, error)
	GetSystemDateAndTime(ctx context.Context) (*onvif.SystemDateTime, error)
	SetSystemDateAndTime(ctx context.Context, t time.Time) error
	GetServices(ctx context.Context) ([]onvif.Service, error)
	GetCapabilities(ctx context.Context) (map[string]string, error)
	GetScopes(ctx context.Context) ([]string, error)
	SystemReboot(ctx context.Context) (string, error)
	GetUsers(ctx context.Context) ([]onvif.User, error)
	CreateUsers(ctx context.Context, users []onvif.User) error
	SetUser(ctx context.Context, user onvif.User) error
	SetUserPassword(ctx context.Context, username, password string) error
	DeleteUsers(ctx context.Context, usernames []string) error
}

type MediaService interface {
	GetProfiles(ctx context.Context) ([]onvif.Profile, error)
	GetStreamURI(ctx context.Context, profileToken string) (string, error)
	GetSnapshotURI(ctx context.Context, profileToken string) (string, error)
	GetVideoSources(ctx context.Context) ([]onvif.VideoSource, error)
	SetVideoEncoderConfiguration(ctx context.Context, encoderToken string, config onvif.StreamUpdateConfig) error
	GetOSDs(ctx context.Context) ([]onvif.OSDConfig, error)
	DeleteOSD(ctx context.Context, osdToken string) error
	FetchSnapshot(ctx context.Context, uri string) (*onvif.Snapshot, error)
}

type ImagingService interface {
	GetImagingSettings(ctx context.Context, videoSourceToken string) (*onvif.ImagingSettings, error)
	GetImagingOptions(ctx context.Context, videoSourceToken string) (*onvif.ImagingOptions, error)
	SetImagingSettings(ctx context.Context, videoSourceToken string, settings onvif.ImagingSettings, forcePersistence bool) error
	SetIrCutFilter(ctx context.Context, videoSourceToken string, mode onvif.IrCutFilterMode) error
}

type PTZService interface {
	ContinuousMove(ctx context.Context, profileToken string, velocity onvif.PTZVector, timeout time.Duration) error
	AbsoluteMove(ctx context.Context, profileToken string, position, speed onvif.PTZVector) error
	RelativeMove(ctx context.Context, profileToken string, translation, speed onvif.PTZVector) error
	Stop(ctx context.Context, profileToken string, panTilt, zoom bool) error
	GetStatus(ctx context.Context, profileToken string) (*onvif.PTZStatus, error)
	GetPresets(ctx context.Context, profileToken string) ([]onvif.PTZPreset, error)
	GotoPreset(ctx context.Context, profileToken, presetToken string, speed onvif.PTZVector) error
	SetPreset(ctx context.Context, profileToken, presetToken, presetName string) (string, error)
	RemovePreset(ctx context.Context, profileToken, presetToken string) error
	GotoHomePosition(ctx context.Context, profileToken string, speed onvif.PTZVector) error
}

type EventService interface {
	GetEventProperties(ctx context.Context) (*onvif.EventProperties, error)
	GetEventServiceCapabilities(ctx context.Context) (*onvif.EventServiceCapabilities, error)
	CreatePullPointSubscription(ctx context.Context, termination time.Duration) (*onvif.PullPointSubscription, error)
	PullMessages(ctx context.Context, address string, timeout time.Duration, limit int) ([]*etree.Element, error)
	RenewSubscription(ctx context.Context, address string, termination time.Duration) (time.Time, error)
	Unsubscribe(ctx context.Context, address string) error
	AddEventListener(handler func(*etree.Element)) (remove func())
}

type RecordingService interface {
	GetRecordings(ctx context.Context) ([]onvif.Recording, error)
}

// Client is the protocol client handle owned by a Manager. *onvif.Device
// implements it.
type Client interface {
	Connect(ctx context.Context) error
	XAddr() string
	Services() []onvif.Service
	Capabilities() map[string]string
	Endpoint(service string) string
	Invoke(ctx context.Context, service, action, body string) (*etree.Element, error)

	DeviceService
	MediaService
	ImagingService
	PTZService
	EventService
	RecordingService
}

var _ Client = (*onvif.Device)(nil)

// Dialer creates the protocol client for a configuration with resolved
// credentials. It must not perform I/O.
type Dialer func(cfg Config, username, password string) Client

// DialDevice is the default Dialer. Per-call deadlines come from the
// orchestrator, so the HTTP client keeps its own longer timeout for pulls.
func DialDevice(cfg Config, username, password string) Client {
	c := onvif.NewClient(username, password)
	c.InsecureTLS = cfg.InsecureTLS
	return c.NewDevice(cfg.XAddr())
}
