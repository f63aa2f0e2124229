package connection

import (
	"context"
	"sync"
	"time"

	"github.com/beevik/etree"
	"github.com/use-go/onvif/v2"
)

// fakeClient stands in for *onvif.Device. Methods not overridden here panic
// through the nil embedded interface.
type fakeClient struct {
	Client

	mu           sync.Mutex
	services     []onvif.Service
	capabilities map[string]string
	profiles     []onvif.Profile
	connectErr   error
	profilesErr  error
	probeErr     error
	snapshotURI  string
	deviceInfo   func(ctx context.Context) (*onvif.DeviceInformation, error)
	listeners    int
	calls        map[string]int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		services: []onvif.Service{
			{Namespace: "http://www.onvif.org/ver10/device/wsdl", XAddr: "http://10.0.0.5/onvif/device_service"},
			{Namespace: "http://www.onvif.org/ver10/media/wsdl", XAddr: "http://10.0.0.5/onvif/media_service"},
		},
		profiles: []onvif.Profile{
			{Token: "profile_1", Name: "mainStream"},
			{Token: "profile_2", Name: "subStream"},
		},
		snapshotURI: "http://10.0.0.5/onvif/snapshot?channel=1",
		calls:       map[string]int{},
	}
}

func (f *fakeClient) count(method string) {
	f.mu.Lock()
	f.calls[method]++
	f.mu.Unlock()
}

func (f *fakeClient) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeClient) setProbeErr(err error) {
	f.mu.Lock()
	f.probeErr = err
	f.mu.Unlock()
}

func (f *fakeClient) Connect(context.Context) error {
	f.count("Connect")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectErr
}

func (f *fakeClient) XAddr() string { return "http://10.0.0.5/onvif/device_service" }

func (f *fakeClient) Services() []onvif.Service {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]onvif.Service(nil), f.services...)
}

func (f *fakeClient) Capabilities() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.capabilities))
	for k, v := range f.capabilities {
		out[k] = v
	}
	return out
}

func (f *fakeClient) Endpoint(service string) string {
	if service == onvif.ServiceDevice {
		return f.XAddr()
	}
	return ""
}

func (f *fakeClient) GetCapabilities(context.Context) (map[string]string, error) {
	f.count("GetCapabilities")
	return f.Capabilities(), nil
}

func (f *fakeClient) GetProfiles(context.Context) ([]onvif.Profile, error) {
	f.count("GetProfiles")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profiles, f.profilesErr
}

func (f *fakeClient) GetSystemDateAndTime(context.Context) (*onvif.SystemDateTime, error) {
	f.count("GetSystemDateAndTime")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.probeErr != nil {
		return nil, f.probeErr
	}
	return &onvif.SystemDateTime{UTC: time.Now().UTC()}, nil
}

func (f *fakeClient) GetDeviceInformation(ctx context.Context) (*onvif.DeviceInformation, error) {
	f.count("GetDeviceInformation")
	if f.deviceInfo != nil {
		return f.deviceInfo(ctx)
	}
	return &onvif.DeviceInformation{Manufacturer: "Acme", Model: "CAM-1"}, nil
}

func (f *fakeClient) GetSnapshotURI(context.Context, string) (string, error) {
	f.count("GetSnapshotURI")
	return f.snapshotURI, nil
}

func (f *fakeClient) GetImagingSettings(context.Context, string) (*onvif.ImagingSettings, error) {
	f.count("GetImagingSettings")
	return &onvif.ImagingSettings{}, nil
}

func (f *fakeClient) GetImagingOptions(context.Context, string) (*onvif.ImagingOptions, error) {
	f.count("GetOptions")
	return &onvif.ImagingOptions{IrCutFilterModes: []onvif.IrCutFilterMode{onvif.IrCutFilterOn, onvif.IrCutFilterOff}}, nil
}

func (f *fakeClient) GetEventProperties(context.Context) (*onvif.EventProperties, error) {
	f.count("GetEventProperties")
	return &onvif.EventProperties{}, nil
}

func (f *fakeClient) GotoPreset(context.Context, string, string, onvif.PTZVector) error {
	f.count("GotoPreset")
	return nil
}

func (f *fakeClient) AddEventListener(func(*etree.Element)) func() {
	f.mu.Lock()
	f.listeners++
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.listeners--
		f.mu.Unlock()
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Address = "10.0.0.5"
	cfg.Username = "cam"
	cfg.Password = "pass"
	cfg.WatchdogInterval = 0
	return cfg
}

// newTestManager returns a manager dialing fake and the number of dials.
func newTestManager(cfg Config, fake *fakeClient, opts ...Option) (*Manager, *int) {
	dials := new(int)
	var mu sync.Mutex
	dialer := func(Config, string, string) Client {
		mu.Lock()
		*dials++
		mu.Unlock()
		return fake
	}
	opts = append([]Option{WithDialer(dialer), WithRetryBackoff(time.Millisecond)}, opts...)
	return New(cfg, opts...), dials
}
