package connection

import (
	"context"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/use-go/onvif/v2"
)

// Operation is one remote call understood by the orchestrator. The set of
// implementations is closed; Raw covers requests that have no dedicated
// variant.
type Operation interface {
	// Method names the remote operation for errors and logs.
	Method() string
	// Service is the capability category the operation belongs to.
	Service() string

	invoke(ctx context.Context, c Client) (any, error)
}

// preflight is implemented by operations that can be rejected before any
// I/O based on the client alone.
type preflight interface {
	check(c Client) error
}

type deviceOp struct{}

func (deviceOp) Service() string { return onvif.ServiceDevice }

type mediaOp struct{}

func (mediaOp) Service() string { return onvif.ServiceMedia }

type imagingOp struct{}

func (imagingOp) Service() string { return onvif.ServiceImaging }

type ptzOp struct{}

func (ptzOp) Service() string { return onvif.ServicePTZ }

type eventsOp struct{}

func (eventsOp) Service() string { return onvif.ServiceEvents }

// Connect re-runs the low-level connect handshake. It is the reconnect
// operation and is normally issued with AllowDisconnected.
type Connect struct{ deviceOp }

func (Connect) Method() string { return "Connect" }
func (Connect) invoke(ctx context.Context, c Client) (any, error) {
	return nil, c.Connect(ctx)
}

type GetDeviceInformation struct{ deviceOp }

func (GetDeviceInformation) Method() string { return "GetDeviceInformation" }
func (GetDeviceInformation) invoke(ctx context.Context, c Client) (any, error) {
	return c.GetDeviceInformation(ctx)
}

type GetHostname struct{ deviceOp }

func (GetHostname) Method() string { return "GetHostname" }
func (GetHostname) invoke(ctx context.Context, c Client) (any, error) {
	return c.GetHostname(ctx)
}

type GetSystemDateAndTime struct{ deviceOp }

func (GetSystemDateAndTime) Method() string { return "GetSystemDateAndTime" }
func (GetSystemDateAndTime) invoke(ctx context.Context, c Client) (any, error) {
	return c.GetSystemDateAndTime(ctx)
}

// SetSystemDateAndTime sets the device clock; a zero Time means now.
type SetSystemDateAndTime struct {
	deviceOp
	Time time.Time
}

func (SetSystemDateAndTime) Method() string { return "SetSystemDateAndTime" }
func (o SetSystemDateAndTime) invoke(ctx context.Context, c Client) (any, error) {
	t := o.Time
	if t.IsZero() {
		t = time.Now()
	}
	return nil, c.SetSystemDateAndTime(ctx, t)
}

type GetCapabilities struct{ deviceOp }

func (GetCapabilities) Method() string { return "GetCapabilities" }
func (GetCapabilities) invoke(ctx context.Context, c Client) (any, error) {
	return c.GetCapabilities(ctx)
}

type GetServices struct{ deviceOp }

func (GetServices) Method() string { return "GetServices" }
func (GetServices) invoke(ctx context.Context, c Client) (any, error) {
	return c.GetServices(ctx)
}

type GetScopes struct{ deviceOp }

func (GetScopes) Method() string { return "GetScopes" }
func (GetScopes) invoke(ctx context.Context, c Client) (any, error) {
	return c.GetScopes(ctx)
}

type SystemReboot struct{ deviceOp }

func (SystemReboot) Method() string { return "SystemReboot" }
func (SystemReboot) invoke(ctx context.Context, c Client) (any, error) {
	return c.SystemReboot(ctx)
}

type GetUsers struct{ deviceOp }

func (GetUsers) Method() string { return "GetUsers" }
func (GetUsers) invoke(ctx context.Context, c Client) (any, error) {
	return c.GetUsers(ctx)
}

type CreateUsers struct {
	deviceOp
	Users []onvif.User
}

func (CreateUsers) Method() string { return "CreateUsers" }
func (o CreateUsers) invoke(ctx context.Context, c Client) (any, error) {
	return nil, c.CreateUsers(ctx, o.Users)
}

type SetUser struct {
	deviceOp
	User onvif.User
}

func (SetUser) Method() string { return "SetUser" }
func (o SetUser) invoke(ctx context.Context, c Client) (any, error) {
	return nil, c.SetUser(ctx, o.User)
}

type DeleteUsers struct {
	deviceOp
	Usernames []string
}

func (DeleteUsers) Method() string { return "DeleteUsers" }
func (o DeleteUsers) invoke(ctx context.Context, c Client) (any, error) {
	return nil, c.DeleteUsers(ctx, o.Usernames)
}

// SetUserPassword changes a password and keeps the user's level.
type SetUserPassword struct {
	deviceOp
	Username string
	Password string
}

func (SetUserPassword) Method() string { return "SetUserPassword" }
func (o SetUserPassword) check(Client) error {
	if o.Username == "" {
		return errors.NotValidf("empty username")
	}
	return nil
}
func (o SetUserPassword) invoke(ctx context.Context, c Client) (any, error) {
	return nil, c.SetUserPassword(ctx, o.Username, o.Password)
}

type GetProfiles struct{ mediaOp }

func (GetProfiles) Method() string { return "GetProfiles" }
func (GetProfiles) invoke(ctx context.Context, c Client) (any, error) {
	return c.GetProfiles(ctx)
}

type GetStreamURI struct {
	mediaOp
	ProfileToken string
}

func (GetStreamURI) Method() string { return "GetStreamUri" }
func (o GetStreamURI) invoke(ctx context.Context, c Client) (any, error) {
	return c.GetStreamURI(ctx, o.ProfileToken)
}

type GetSnapshotURI struct {
	mediaOp
	ProfileToken string
}

func (GetSnapshotURI) Method() string { return "GetSnapshotUri" }
func (o GetSnapshotURI) invoke(ctx context.Context, c Client) (any, error) {
	return c.GetSnapshotURI(ctx, o.ProfileToken)
}

// FetchSnapshot downloads the image behind a snapshot URI.
type FetchSnapshot struct {
	mediaOp
	URI string
}

func (FetchSnapshot) Method() string { return "FetchSnapshot" }
func (o FetchSnapshot) invoke(ctx context.Context, c Client) (any, error) {
	return c.FetchSnapshot(ctx, o.URI)
}

type GetVideoSources struct{ mediaOp }

func (GetVideoSources) Method() string { return "GetVideoSources" }
func (GetVideoSources) invoke(ctx context.Context, c Client) (any, error) {
	return c.GetVideoSources(ctx)
}

type SetVideoEncoderConfiguration struct {
	mediaOp
	EncoderToken string
	Config       onvif.StreamUpdateConfig
}

func (SetVideoEncoderConfiguration) Method() string { return "SetVideoEncoderConfiguration" }
func (o SetVideoEncoderConfiguration) invoke(ctx context.Context, c Client) (any, error) {
	return nil, c.SetVideoEncoderConfiguration(ctx, o.EncoderToken, o.Config)
}

type GetOSDs struct{ mediaOp }

func (GetOSDs) Method() string { return "GetOSDs" }
func (GetOSDs) invoke(ctx context.Context, c Client) (any, error) {
	return c.GetOSDs(ctx)
}

type DeleteOSD struct {
	mediaOp
	OSDToken string
}

func (DeleteOSD) Method() string { return "DeleteOSD" }
func (o DeleteOSD) invoke(ctx context.Context, c Client) (any, error) {
	return nil, c.DeleteOSD(ctx, o.OSDToken)
}

type GetImagingSettings struct {
	imagingOp
	VideoSourceToken string
}

func (GetImagingSettings) Method() string { return "GetImagingSettings" }
func (o GetImagingSettings) invoke(ctx context.Context, c Client) (any, error) {
	return c.GetImagingSettings(ctx, o.VideoSourceToken)
}

type GetImagingOptions struct {
	imagingOp
	VideoSourceToken string
}

func (GetImagingOptions) Method() string { return "GetOptions" }
func (o GetImagingOptions) check(Client) error {
	if o.VideoSourceToken == "" {
		return errors.NotValidf("empty video source token")
	}
	return nil
}
func (o GetImagingOptions) invoke(ctx context.Context, c Client) (any, error) {
	return c.GetImagingOptions(ctx, o.VideoSourceToken)
}

type SetImagingSettings struct {
	imagingOp
	VideoSourceToken string
	Settings         onvif.ImagingSettings
	ForcePersistence bool
}

func (SetImagingSettings) Method() string { return "SetImagingSettings" }
func (o SetImagingSettings) invoke(ctx context.Context, c Client) (any, error) {
	return nil, c.SetImagingSettings(ctx, o.VideoSourceToken, o.Settings, o.ForcePersistence)
}

type SetIrCutFilter struct {
	imagingOp
	VideoSourceToken string
	Mode             onvif.IrCutFilterMode
}

func (SetIrCutFilter) Method() string { return "SetIrCutFilter" }
func (o SetIrCutFilter) invoke(ctx context.Context, c Client) (any, error) {
	return nil, c.SetIrCutFilter(ctx, o.VideoSourceToken, o.Mode)
}

// ContinuousMove moves at Velocity until stopped or until Timeout elapses.
type ContinuousMove struct {
	ptzOp
	ProfileToken string
	Velocity     onvif.PTZVector
	Timeout      time.Duration
}

func (ContinuousMove) Method() string { return "ContinuousMove" }
func (o ContinuousMove) invoke(ctx context.Context, c Client) (any, error) {
	return nil, c.ContinuousMove(ctx, o.ProfileToken, o.Velocity, o.Timeout)
}

type AbsoluteMove struct {
	ptzOp
	ProfileToken string
	Position     onvif.PTZVector
	Speed        onvif.PTZVector
}

func (AbsoluteMove) Method() string { return "AbsoluteMove" }
func (o AbsoluteMove) invoke(ctx context.Context, c Client) (any, error) {
	return nil, c.AbsoluteMove(ctx, o.ProfileToken, o.Position, o.Speed)
}

type RelativeMove struct {
	ptzOp
	ProfileToken string
	Translation  onvif.PTZVector
	Speed        onvif.PTZVector
}

func (RelativeMove) Method() string { return "RelativeMove" }
func (o RelativeMove) invoke(ctx context.Context, c Client) (any, error) {
	return nil, c.RelativeMove(ctx, o.ProfileToken, o.Translation, o.Speed)
}

// Stop halts PTZ movement. Both axes stop when neither flag is set.
type Stop struct {
	ptzOp
	ProfileToken string
	PanTilt      bool
	Zoom         bool
}

func (Stop) Method() string { return "Stop" }
func (o Stop) invoke(ctx context.Context, c Client) (any, error) {
	panTilt, zoom := o.PanTilt, o.Zoom
	if !panTilt && !zoom {
		panTilt, zoom = true, true
	}
	return nil, c.Stop(ctx, o.ProfileToken, panTilt, zoom)
}

type GetStatus struct {
	ptzOp
	ProfileToken string
}

func (GetStatus) Method() string { return "GetStatus" }
func (o GetStatus) invoke(ctx context.Context, c Client) (any, error) {
	return c.GetStatus(ctx, o.ProfileToken)
}

type GetPresets struct {
	ptzOp
	ProfileToken string
}

func (GetPresets) Method() string { return "GetPresets" }
func (o GetPresets) invoke(ctx context.Context, c Client) (any, error) {
	return c.GetPresets(ctx, o.ProfileToken)
}

type GotoPreset struct {
	ptzOp
	ProfileToken string
	PresetToken  string
	Speed        onvif.PTZVector
}

func (GotoPreset) Method() string { return "GotoPreset" }
func (o GotoPreset) check(Client) error {
	if o.PresetToken == "" {
		return errors.NotValidf("empty preset token")
	}
	return nil
}
func (o GotoPreset) invoke(ctx context.Context, c Client) (any, error) {
	return nil, c.GotoPreset(ctx, o.ProfileToken, o.PresetToken, o.Speed)
}

type SetPreset struct {
	ptzOp
	ProfileToken string
	PresetToken  string
	PresetName   string
}

func (SetPreset) Method() string { return "SetPreset" }
func (o SetPreset) invoke(ctx context.Context, c Client) (any, error) {
	return c.SetPreset(ctx, o.ProfileToken, o.PresetToken, o.PresetName)
}

type RemovePreset struct {
	ptzOp
	ProfileToken string
	PresetToken  string
}

func (RemovePreset) Method() string { return "RemovePreset" }
func (o RemovePreset) check(Client) error {
	if o.PresetToken == "" {
		return errors.NotValidf("empty preset token")
	}
	return nil
}
func (o RemovePreset) invoke(ctx context.Context, c Client) (any, error) {
	return nil, c.RemovePreset(ctx, o.ProfileToken, o.PresetToken)
}

type GotoHomePosition struct {
	ptzOp
	ProfileToken string
	Speed        onvif.PTZVector
}

func (GotoHomePosition) Method() string { return "GotoHomePosition" }
func (o GotoHomePosition) invoke(ctx context.Context, c Client) (any, error) {
	return nil, c.GotoHomePosition(ctx, o.ProfileToken, o.Speed)
}

type GetEventProperties struct{ eventsOp }

func (GetEventProperties) Method() string { return "GetEventProperties" }
func (GetEventProperties) invoke(ctx context.Context, c Client) (any, error) {
	return c.GetEventProperties(ctx)
}

type GetEventServiceCapabilities struct{ eventsOp }

func (GetEventServiceCapabilities) Method() string { return "GetEventServiceCapabilities" }
func (GetEventServiceCapabilities) invoke(ctx context.Context, c Client) (any, error) {
	return c.GetEventServiceCapabilities(ctx)
}

type CreatePullPointSubscription struct {
	eventsOp
	InitialTerminationTime time.Duration
}

func (CreatePullPointSubscription) Method() string { return "CreatePullPointSubscription" }
func (o CreatePullPointSubscription) invoke(ctx context.Context, c Client) (any, error) {
	return c.CreatePullPointSubscription(ctx, o.InitialTerminationTime)
}

// PullMessages fetches at most Limit notifications from a pull-point.
type PullMessages struct {
	eventsOp
	Address string
	Timeout time.Duration
	Limit   int
}

func (PullMessages) Method() string { return "PullMessages" }
func (o PullMessages) invoke(ctx context.Context, c Client) (any, error) {
	return c.PullMessages(ctx, o.Address, o.Timeout, o.Limit)
}

type RenewSubscription struct {
	eventsOp
	Address         string
	TerminationTime time.Duration
}

func (RenewSubscription) Method() string { return "RenewSubscription" }
func (o RenewSubscription) invoke(ctx context.Context, c Client) (any, error) {
	return c.RenewSubscription(ctx, o.Address, o.TerminationTime)
}

type Unsubscribe struct {
	eventsOp
	Address string
}

func (Unsubscribe) Method() string { return "Unsubscribe" }
func (o Unsubscribe) invoke(ctx context.Context, c Client) (any, error) {
	return nil, c.Unsubscribe(ctx, o.Address)
}

type GetRecordings struct{}

func (GetRecordings) Method() string  { return "GetRecordings" }
func (GetRecordings) Service() string { return onvif.ServiceRecording }
func (GetRecordings) invoke(ctx context.Context, c Client) (any, error) {
	return c.GetRecordings(ctx)
}

// Raw sends Body to the endpoint of ServiceName with the SOAP Action. The
// result data is the first response element (*etree.Element).
type Raw struct {
	ServiceName string
	Action      string
	Body        string
}

func (o Raw) Method() string {
	if i := strings.LastIndex(o.Action, "/"); i >= 0 {
		return o.Action[i+1:]
	}
	return o.Action
}

func (o Raw) Service() string { return o.ServiceName }

func (o Raw) check(c Client) error {
	if o.Action == "" {
		return errors.NotValidf("empty action")
	}
	if c.Endpoint(o.ServiceName) == "" {
		return errors.NotFoundf("endpoint for service %q", o.ServiceName)
	}
	return nil
}

func (o Raw) invoke(ctx context.Context, c Client) (any, error) {
	return c.Invoke(ctx, o.ServiceName, o.Action, o.Body)
}
