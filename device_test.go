package onvif

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const envelopeFormat = `<?xml version="1.0" encoding="UTF-8"?>
<SOAP-ENV:Envelope xmlns:SOAP-ENV="http://www.w3.org/2003/05/soap-envelope"
  xmlns:tds="http://www.onvif.org/ver10/device/wsdl"
  xmlns:trt="http://www.onvif.org/ver10/media/wsdl"
  xmlns:tt="http://www.onvif.org/ver10/schema">
  <SOAP-ENV:Body>%s</SOAP-ENV:Body>
</SOAP-ENV:Envelope>`

// fakeDevice answers SOAP requests with canned bodies keyed by operation
// name and records the requests it saw.
type fakeDevice struct {
	t *testing.T

	mu       sync.Mutex
	bodies   map[string]string
	status   map[string]int
	requests map[string]string
}

func newFakeDevice(t *testing.T) (*fakeDevice, *httptest.Server) {
	f := &fakeDevice{t: t, bodies: map[string]string{}, status: map[string]int{}, requests: map[string]string{}}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeDevice) answer(op, body string) {
	f.mu.Lock()
	f.bodies[op] = body
	f.mu.Unlock()
}

func (f *fakeDevice) request(op string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[op]
}

func (f *fakeDevice) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	op := actionName(r.Header.Get("SOAPAction"))

	f.mu.Lock()
	f.requests[op] = string(payload)
	body, ok := f.bodies[op]
	status := f.status[op]
	f.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/soap+xml")
	w.WriteHeader(status)
	fmt.Fprintf(w, envelopeFormat, body)
}

const systemDateTimeResponse = `<tds:GetSystemDateAndTimeResponse>
  <tds:SystemDateAndTime>
    <tt:DateTimeType>NTP</tt:DateTimeType>
    <tt:DaylightSavings>false</tt:DaylightSavings>
    <tt:TimeZone><tt:TZ>CET-1</tt:TZ></tt:TimeZone>
    <tt:UTCDateTime>
      <tt:Time><tt:Hour>10</tt:Hour><tt:Minute>30</tt:Minute><tt:Second>15</tt:Second></tt:Time>
      <tt:Date><tt:Year>2024</tt:Year><tt:Month>5</tt:Month><tt:Day>1</tt:Day></tt:Date>
    </tt:UTCDateTime>
  </tds:SystemDateAndTime>
</tds:GetSystemDateAndTimeResponse>`

func servicesResponse(base string) string {
	return fmt.Sprintf(`<tds:GetServicesResponse>
  <tds:Service>
    <tds:Namespace>http://www.onvif.org/ver10/device/wsdl</tds:Namespace>
    <tds:XAddr>%[1]s/onvif/device_service</tds:XAddr>
    <tds:Version><tt:Major>2</tt:Major><tt:Minor>60</tt:Minor></tds:Version>
  </tds:Service>
  <tds:Service>
    <tds:Namespace>http://www.onvif.org/ver10/media/wsdl</tds:Namespace>
    <tds:XAddr>%[1]s/onvif/Media</tds:XAddr>
    <tds:Version><tt:Major>2</tt:Major><tt:Minor>60</tt:Minor></tds:Version>
  </tds:Service>
</tds:GetServicesResponse>`, base)
}

func capabilitiesResponse(base string) string {
	return fmt.Sprintf(`<tds:GetCapabilitiesResponse>
  <tds:Capabilities>
    <tt:Device><tt:XAddr>%[1]s/onvif/device_service</tt:XAddr></tt:Device>
    <tt:Media><tt:XAddr>%[1]s/onvif/Media</tt:XAddr></tt:Media>
    <tt:PTZ><tt:XAddr>%[1]s/onvif/PTZ</tt:XAddr></tt:PTZ>
    <tt:Extension>
      <tt:Recording><tt:XAddr>%[1]s/onvif/Recording</tt:XAddr></tt:Recording>
    </tt:Extension>
  </tds:Capabilities>
</tds:GetCapabilitiesResponse>`, base)
}

func TestConnectLoadsEndpoints(t *testing.T) {
	f, srv := newFakeDevice(t)
	f.answer("GetSystemDateAndTime", systemDateTimeResponse)
	f.answer("GetServices", servicesResponse(srv.URL))
	f.answer("GetCapabilities", capabilitiesResponse(srv.URL))

	dev := NewClient("admin", "secret").NewDevice(srv.URL + "/onvif/device_service")
	require.NoError(t, dev.Connect(context.Background()))

	assert.Len(t, dev.Services(), 2)
	assert.Equal(t, "2.60", dev.Services()[0].Version)
	assert.Equal(t, srv.URL+"/onvif/Media", dev.Endpoint(ServiceMedia))
	assert.Equal(t, srv.URL+"/onvif/PTZ", dev.Endpoint(ServicePTZ))
	assert.Equal(t, srv.URL+"/onvif/Recording", dev.Endpoint(ServiceRecording))
	assert.Equal(t, "", dev.Endpoint(ServiceImaging))
	assert.Equal(t, srv.URL+"/onvif/device_service", dev.Endpoint(ServiceDevice))

	caps := dev.Capabilities()
	assert.Contains(t, caps, "media")
	assert.Contains(t, caps, "recording")

	// The device clock is in the past, so the offset is negative.
	assert.Less(t, dev.clockOffset(), time.Duration(0))

	req := f.request("GetServices")
	assert.Contains(t, req, "<Username>admin</Username>")
	assert.Contains(t, req, "PasswordDigest")
	assert.NotContains(t, req, "secret")
}

func TestConnectFailsWhenNothingAnswers(t *testing.T) {
	f, srv := newFakeDevice(t)
	f.answer("GetSystemDateAndTime", systemDateTimeResponse)

	dev := NewClient("admin", "secret").NewDevice(srv.URL + "/onvif/device_service")
	err := dev.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasType[*HTTPError](err))
}

func TestGetSystemDateAndTime(t *testing.T) {
	f, srv := newFakeDevice(t)
	f.answer("GetSystemDateAndTime", systemDateTimeResponse)

	dev := NewClient("", "").NewDevice(srv.URL + "/onvif/device_service")
	dt, err := dev.GetSystemDateAndTime(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "NTP", dt.DateTimeType)
	assert.Equal(t, "CET-1", dt.TimeZone)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 30, 15, 0, time.UTC), dt.UTC)
	assert.NotContains(t, f.request("GetSystemDateAndTime"), "UsernameToken")
}

func TestGetProfiles(t *testing.T) {
	f, srv := newFakeDevice(t)
	f.answer("GetProfiles", `<trt:GetProfilesResponse>
  <trt:Profiles token="Profile_1" fixed="true">
    <tt:Name>mainStream</tt:Name>
    <tt:VideoSourceConfiguration token="VSC_1"><tt:SourceToken>VideoSource_1</tt:SourceToken></tt:VideoSourceConfiguration>
    <tt:VideoEncoderConfiguration token="VEC_1">
      <tt:Name>main</tt:Name>
      <tt:Encoding>H264</tt:Encoding>
      <tt:Resolution><tt:Width>1920</tt:Width><tt:Height>1080</tt:Height></tt:Resolution>
      <tt:Quality>5</tt:Quality>
      <tt:RateControl><tt:FrameRateLimit>25</tt:FrameRateLimit><tt:EncodingInterval>1</tt:EncodingInterval><tt:BitrateLimit>4096</tt:BitrateLimit></tt:RateControl>
    </tt:VideoEncoderConfiguration>
    <tt:PTZConfiguration token="PTZ_1"/>
  </trt:Profiles>
  <trt:Profiles token="Profile_2">
    <tt:Name>subStream</tt:Name>
  </trt:Profiles>
</trt:GetProfilesResponse>`)

	dev := NewClient("admin", "secret").NewDevice(srv.URL + "/onvif/device_service")
	profiles, err := dev.GetProfiles(context.Background())
	require.NoError(t, err)
	require.Len(t, profiles, 2)

	main := profiles[0]
	assert.Equal(t, "Profile_1", main.Token)
	assert.Equal(t, "mainStream", main.Name)
	assert.True(t, main.Fixed)
	assert.Equal(t, "VideoSource_1", main.VideoSourceToken)
	assert.Equal(t, "PTZ_1", main.PTZConfigToken)
	require.NotNil(t, main.VideoEncoder)
	assert.Equal(t, 1920, main.VideoEncoder.Width)
	assert.Equal(t, 4096, main.VideoEncoder.BitrateLimit)
	assert.True(t, IsMainStream(main))
	assert.True(t, IsSubStream(profiles[1]))
}

func TestSOAPFault(t *testing.T) {
	f, srv := newFakeDevice(t)
	f.answer("CreateUsers", `<SOAP-ENV:Fault>
  <SOAP-ENV:Code>
    <SOAP-ENV:Value>SOAP-ENV:Sender</SOAP-ENV:Value>
    <SOAP-ENV:Subcode>
      <SOAP-ENV:Value>ter:OperationProhibited</SOAP-ENV:Value>
      <SOAP-ENV:Subcode><SOAP-ENV:Value>ter:UsernameClash</SOAP-ENV:Value></SOAP-ENV:Subcode>
    </SOAP-ENV:Subcode>
  </SOAP-ENV:Code>
  <SOAP-ENV:Reason><SOAP-ENV:Text xml:lang="en">Username already exists</SOAP-ENV:Text></SOAP-ENV:Reason>
</SOAP-ENV:Fault>`)
	f.status["CreateUsers"] = http.StatusBadRequest

	dev := NewClient("admin", "secret").NewDevice(srv.URL + "/onvif/device_service")
	err := dev.CreateUsers(context.Background(), []User{{Username: "viewer", Password: "pw", UserLevel: UserLevelUser}})
	require.Error(t, err)

	fault, ok := errors.AsType[*FaultError](err)
	require.True(t, ok)
	assert.Equal(t, "SOAP-ENV:Sender", fault.Code)
	assert.Equal(t, "ter:UsernameClash", fault.Subcode)
	assert.Equal(t, "Username already exists", fault.Reason)
	assert.Equal(t, "CreateUsers: username already exists", fault.Error())
	assert.False(t, fault.NotAuthorized())
}

func TestHTTPErrorWithoutBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	dev := NewClient("admin", "wrong").NewDevice(srv.URL + "/onvif/device_service")
	_, err := dev.GetDeviceInformation(context.Background())
	require.Error(t, err)

	httpErr, ok := errors.AsType[*HTTPError](err)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
	assert.Equal(t, "GetDeviceInformation", httpErr.Action)
}

func TestRawResponseRecorded(t *testing.T) {
	f, srv := newFakeDevice(t)
	f.answer("GetDeviceInformation", `<tds:GetDeviceInformationResponse>
  <tds:Manufacturer>Acme</tds:Manufacturer>
  <tds:Model>CAM-1</tds:Model>
  <tds:FirmwareVersion>1.2.3</tds:FirmwareVersion>
  <tds:SerialNumber>SN1</tds:SerialNumber>
  <tds:HardwareId>HW1</tds:HardwareId>
</tds:GetDeviceInformationResponse>`)

	dev := NewClient("admin", "secret").NewDevice(srv.URL + "/onvif/device_service")
	ctx, raw := WithRawResponse(context.Background())
	info, err := dev.GetDeviceInformation(ctx)
	require.NoError(t, err)

	assert.Equal(t, "Acme", info.Manufacturer)
	assert.Equal(t, "HW1", info.HardwareID)
	assert.True(t, strings.Contains(string(raw.Bytes()), "GetDeviceInformationResponse"))
}

func TestInvokeRequiresAdvertisedEndpoint(t *testing.T) {
	dev := NewClient("", "").NewDevice("http://127.0.0.1:1/onvif/device_service")
	_, err := dev.Invoke(context.Background(), ServiceAnalytics, "http://www.onvif.org/ver20/analytics/wsdl/GetSupportedRules", "")
	assert.True(t, errors.Is(err, errors.NotSupported))
}

func TestPasswordDigest(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 30, 15, 0, time.UTC)
	digest, nonce, created, err := generatePasswordDigest("secret", now)
	require.NoError(t, err)

	assert.Equal(t, "2024-05-01T10:30:15.000Z", created)
	assert.NotEmpty(t, digest)
	assert.NotEmpty(t, nonce)

	other, _, _, err := generatePasswordDigest("secret", now)
	require.NoError(t, err)
	assert.NotEqual(t, digest, other, "nonce must differ between requests")
}

func TestGetImagingOptions(t *testing.T) {
	f, srv := newFakeDevice(t)
	f.answer("GetOptions", `<timg:GetOptionsResponse xmlns:timg="http://www.onvif.org/ver20/imaging/wsdl">
  <timg:ImagingOptions>
    <tt:Brightness><tt:Min>0</tt:Min><tt:Max>100</tt:Max></tt:Brightness>
    <tt:Contrast><tt:Min>0</tt:Min><tt:Max>100</tt:Max></tt:Contrast>
    <tt:IrCutFilterModes>ON</tt:IrCutFilterModes>
    <tt:IrCutFilterModes>OFF</tt:IrCutFilterModes>
    <tt:IrCutFilterModes>AUTO</tt:IrCutFilterModes>
  </timg:ImagingOptions>
</timg:GetOptionsResponse>`)

	dev := NewClient("admin", "secret").NewDevice(srv.URL + "/onvif/device_service")
	opts, err := dev.GetImagingOptions(context.Background(), "VideoSource_1")
	require.NoError(t, err)

	assert.Contains(t, f.request("GetOptions"), "<timg:VideoSourceToken>VideoSource_1</timg:VideoSourceToken>")
	assert.Equal(t, &FloatRange{Min: 0, Max: 100}, opts.Brightness)
	assert.Equal(t, &FloatRange{Min: 0, Max: 100}, opts.Contrast)
	assert.Nil(t, opts.Sharpness)
	assert.Equal(t, []IrCutFilterMode{IrCutFilterOn, IrCutFilterOff, IrCutFilterAuto}, opts.IrCutFilterModes)
}
