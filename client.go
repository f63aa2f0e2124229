package onvif

import (
	"context"
	"crypto/tls"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/beevik/etree"
	"github.com/juju/errors"
)

// NewClient creates a new ONVIF client with credentials
func NewClient(username, password string) *Client {
	return &Client{
		Username: username,
		Password: password,
		Timeout:  10 * time.Second,
	}
}

// NewClientWithTimeout creates a new ONVIF client with custom timeout
func NewClientWithTimeout(username, password string, timeout time.Duration) *Client {
	return &Client{
		Username: username,
		Password: password,
		Timeout:  timeout,
	}
}

// Service categories understood by Device.Endpoint.
const (
	ServiceDevice    = "device"
	ServiceMedia     = "media"
	ServiceMedia2    = "media2"
	ServiceImaging   = "imaging"
	ServicePTZ       = "ptz"
	ServiceEvents    = "events"
	ServiceRecording = "recording"
	ServiceSearch    = "search"
	ServiceReplay    = "replay"
	ServiceAnalytics = "analytics"
	ServiceDeviceIO  = "deviceio"
)

var serviceNamespaces = map[string]string{
	"http://www.onvif.org/ver10/device/wsdl":    ServiceDevice,
	"http://www.onvif.org/ver10/media/wsdl":     ServiceMedia,
	"http://www.onvif.org/ver20/media/wsdl":     ServiceMedia2,
	"http://www.onvif.org/ver20/imaging/wsdl":   ServiceImaging,
	"http://www.onvif.org/ver20/ptz/wsdl":       ServicePTZ,
	"http://www.onvif.org/ver10/events/wsdl":    ServiceEvents,
	"http://www.onvif.org/ver10/recording/wsdl": ServiceRecording,
	"http://www.onvif.org/ver10/search/wsdl":    ServiceSearch,
	"http://www.onvif.org/ver10/replay/wsdl":    ServiceReplay,
	"http://www.onvif.org/ver20/analytics/wsdl": ServiceAnalytics,
	"http://www.onvif.org/ver10/deviceIO/wsdl":  ServiceDeviceIO,
}

// Device is a handle to one remote ONVIF device. It is safe for concurrent
// use; every call is an independent HTTP request.
type Device struct {
	client *Client
	xaddr  string
	http   *http.Client

	mu           sync.RWMutex
	services     []Service
	capabilities map[string]string
	endpoints    map[string]string
	offset       time.Duration

	events eventEmitter
}

// NewDevice returns a handle for the device service at xaddr. No request is
// made until Connect or an operation is called.
func (c *Client) NewDevice(xaddr string) *Device {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	httpClient := &http.Client{Timeout: timeout}
	if c.InsecureTLS {
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	d := &Device{
		client:    c,
		xaddr:     getFirstAddress(xaddr),
		http:      httpClient,
		endpoints: map[string]string{},
	}
	d.events.device = d
	return d
}

// XAddr returns the device service address.
func (d *Device) XAddr() string {
	return d.xaddr
}

// Connect synchronizes the clock offset used for WS-Security and loads the
// service endpoints. It succeeds if either GetServices or GetCapabilities
// answers.
func (d *Device) Connect(ctx context.Context) error {
	dt, err := d.GetSystemDateAndTime(ctx)
	if err != nil {
		return errors.Annotatef(err, "connect %s", d.xaddr)
	}
	if !dt.UTC.IsZero() {
		d.mu.Lock()
		d.offset = dt.UTC.Sub(time.Now())
		d.mu.Unlock()
	}

	_, servicesErr := d.GetServices(ctx)
	_, capsErr := d.GetCapabilities(ctx)
	if servicesErr != nil && capsErr != nil {
		return errors.Annotatef(capsErr, "connect %s", d.xaddr)
	}
	return nil
}

// Services returns the endpoint list loaded by the last GetServices call.
func (d *Device) Services() []Service {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Service, len(d.services))
	copy(out, d.services)
	return out
}

// Capabilities returns the capability categories (lower-cased) mapped to
// their XAddr, loaded by the last GetCapabilities call.
func (d *Device) Capabilities() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]string, len(d.capabilities))
	for k, v := range d.capabilities {
		out[k] = v
	}
	return out
}

// Endpoint returns the advertised address of a service category, or "" if
// the device did not advertise it.
func (d *Device) Endpoint(service string) string {
	service = strings.ToLower(service)
	if service == ServiceDevice {
		return d.xaddr
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.endpoints[service]
}

func (d *Device) clockOffset() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.offset
}

// endpointFor returns the advertised endpoint, falling back to the
// conventional path next to the device service.
func (d *Device) endpointFor(service string) string {
	if addr := d.Endpoint(service); addr != "" {
		return addr
	}

	var path string
	switch service {
	case ServiceMedia:
		path = "/media_service"
	case ServiceMedia2:
		path = "/media2"
	case ServiceImaging:
		path = "/imaging"
	case ServicePTZ:
		path = "/ptz_service"
	case ServiceEvents:
		path = "/event_service"
	case ServiceRecording:
		path = "/recording_service"
	default:
		return ""
	}
	if !strings.Contains(d.xaddr, "/device_service") {
		return ""
	}
	return strings.Replace(d.xaddr, "/device_service", path, 1)
}

func (d *Device) setServices(services []Service) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.services = services
	for _, s := range services {
		if name, ok := serviceNamespaces[s.Namespace]; ok && s.XAddr != "" {
			d.endpoints[name] = s.XAddr
		}
	}
}

func (d *Device) setCapabilities(caps map[string]string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.capabilities = caps
	for name, addr := range caps {
		if _, ok := d.endpoints[name]; !ok && addr != "" {
			d.endpoints[name] = addr
		}
	}
}

// DisplayName returns the best available name for a discovered device
func (dd DiscoveredDevice) DisplayName() string {
	// Priority: name scope > hardware scope > first address > URN
	if name := dd.scope("name"); name != "" {
		return name
	}
	if hw := dd.scope("hardware"); hw != "" {
		return hw
	}
	if len(dd.XAddrs) > 0 {
		return dd.XAddrs[0]
	}
	return dd.URN
}

// Location returns the location scope, if any.
func (dd DiscoveredDevice) Location() string {
	return dd.scope("location")
}

// Hardware returns the hardware scope, if any.
func (dd DiscoveredDevice) Hardware() string {
	return dd.scope("hardware")
}

func (dd DiscoveredDevice) scope(kind string) string {
	prefix := "onvif://www.onvif.org/" + kind + "/"
	for _, s := range dd.Scopes {
		if strings.HasPrefix(s, prefix) {
			return strings.ReplaceAll(strings.TrimPrefix(s, prefix), "_", " ")
		}
	}
	return ""
}

// IsMainStream reports whether a profile is likely the main stream
func IsMainStream(p Profile) bool {
	name := strings.ToLower(p.Name)
	if strings.Contains(name, "main") || strings.Contains(name, "stream1") {
		return true
	}
	return p.VideoEncoder != nil && p.VideoEncoder.Width >= 1280
}

// IsSubStream reports whether a profile is likely the sub stream
func IsSubStream(p Profile) bool {
	name := strings.ToLower(p.Name)
	if strings.Contains(name, "sub") || strings.Contains(name, "stream2") {
		return true
	}
	return p.VideoEncoder != nil && p.VideoEncoder.Width > 0 && p.VideoEncoder.Width < 1280
}

// Invoke sends an arbitrary request body to the advertised endpoint of a
// service category and returns the first element of the response body.
func (d *Device) Invoke(ctx context.Context, service, action, body string) (*etree.Element, error) {
	endpoint := d.Endpoint(service)
	if endpoint == "" {
		return nil, errors.NotSupportedf("service %q", service)
	}
	return d.call(ctx, endpoint, action, body)
}
