package onvif

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/beevik/etree"
	"github.com/juju/errors"
)

const (
	mediaNS = "http://www.onvif.org/ver10/media/wsdl/"

	// SnapshotTimeout bounds a snapshot image download.
	SnapshotTimeout = 5 * time.Second
)

// GetProfiles fetches all media profiles of the device
func (d *Device) GetProfiles(ctx context.Context) ([]Profile, error) {
	resp, err := d.call(ctx, d.endpointFor(ServiceMedia), mediaNS+"GetProfiles", `<trt:GetProfiles/>`)
	if err != nil {
		return nil, err
	}

	var profiles []Profile
	for _, p := range resp.SelectElements("Profiles") {
		profiles = append(profiles, parseProfile(p))
	}
	return profiles, nil
}

func parseProfile(p *etree.Element) Profile {
	profile := Profile{
		Token:            p.SelectAttrValue("token", ""),
		Name:             childText(p, "Name"),
		Fixed:            parseBool(p.SelectAttrValue("fixed", "false")),
		VideoSourceToken: childText(p, "VideoSourceConfiguration", "SourceToken"),
	}

	if ptz := child(p, "PTZConfiguration"); ptz != nil {
		profile.PTZConfigToken = ptz.SelectAttrValue("token", "")
	}

	if enc := child(p, "VideoEncoderConfiguration"); enc != nil {
		quality, _ := childFloat(enc, "Quality")
		profile.VideoEncoder = &VideoEncoderConfig{
			Token:            enc.SelectAttrValue("token", ""),
			Name:             childText(enc, "Name"),
			Encoding:         childText(enc, "Encoding"),
			Width:            childInt(enc, "Resolution", "Width"),
			Height:           childInt(enc, "Resolution", "Height"),
			FrameRateLimit:   childInt(enc, "RateControl", "FrameRateLimit"),
			BitrateLimit:     childInt(enc, "RateControl", "BitrateLimit"),
			EncodingInterval: childInt(enc, "RateControl", "EncodingInterval"),
			Quality:          float32(quality),
		}
	}
	return profile
}

// GetStreamURI retrieves the RTSP unicast stream URI for a profile token
func (d *Device) GetStreamURI(ctx context.Context, profileToken string) (string, error) {
	body := fmt.Sprintf(`<trt:GetStreamUri>
		<trt:StreamSetup>
			<tt:Stream>RTP-Unicast</tt:Stream>
			<tt:Transport>
				<tt:Protocol>RTSP</tt:Protocol>
			</tt:Transport>
		</trt:StreamSetup>
		<trt:ProfileToken>%s</trt:ProfileToken>
	</trt:GetStreamUri>`, escapeXML(profileToken))

	resp, err := d.call(ctx, d.endpointFor(ServiceMedia), mediaNS+"GetStreamUri", body)
	if err != nil {
		return "", err
	}

	uri := childText(resp, "MediaUri", "Uri")
	if uri == "" {
		return "", errors.NotFoundf("stream URI for profile %q", profileToken)
	}
	return uri, nil
}

// GetSnapshotURI retrieves the JPEG snapshot URI for a profile token
func (d *Device) GetSnapshotURI(ctx context.Context, profileToken string) (string, error) {
	body := fmt.Sprintf(`<trt:GetSnapshotUri><trt:ProfileToken>%s</trt:ProfileToken></trt:GetSnapshotUri>`,
		escapeXML(profileToken))

	resp, err := d.call(ctx, d.endpointFor(ServiceMedia), mediaNS+"GetSnapshotUri", body)
	if err != nil {
		return "", err
	}

	uri := childText(resp, "MediaUri", "Uri")
	if uri == "" {
		return "", errors.NotFoundf("snapshot URI for profile %q", profileToken)
	}
	return uri, nil
}

// GetVideoSources lists the physical video inputs
func (d *Device) GetVideoSources(ctx context.Context) ([]VideoSource, error) {
	resp, err := d.call(ctx, d.endpointFor(ServiceMedia), mediaNS+"GetVideoSources", `<trt:GetVideoSources/>`)
	if err != nil {
		return nil, err
	}

	var sources []VideoSource
	for _, s := range resp.SelectElements("VideoSources") {
		framerate, _ := childFloat(s, "Framerate")
		sources = append(sources, VideoSource{
			Token:     s.SelectAttrValue("token", ""),
			Framerate: framerate,
			Width:     childInt(s, "Resolution", "Width"),
			Height:    childInt(s, "Resolution", "Height"),
		})
	}
	return sources, nil
}

// SetVideoEncoderConfiguration updates a video encoder configuration and
// persists it on the device
func (d *Device) SetVideoEncoderConfiguration(ctx context.Context, encoderToken string, config StreamUpdateConfig) error {
	name := config.Name
	if name == "" {
		name = encoderToken
	}
	quality := config.Quality
	if quality == 0 {
		quality = 3
	}

	body := fmt.Sprintf(`
	<trt:SetVideoEncoderConfiguration>
		<trt:Configuration token="%s">
			<tt:Name>%s</tt:Name>
			<tt:UseCount>0</tt:UseCount>
			<tt:Encoding>%s</tt:Encoding>
			<tt:Resolution>
				<tt:Width>%d</tt:Width>
				<tt:Height>%d</tt:Height>
			</tt:Resolution>
			<tt:Quality>%s</tt:Quality>
			<tt:RateControl>
				<tt:FrameRateLimit>%d</tt:FrameRateLimit>
				<tt:EncodingInterval>1</tt:EncodingInterval>
				<tt:BitrateLimit>%d</tt:BitrateLimit>
			</tt:RateControl>
			<tt:H264>
				<tt:GovLength>30</tt:GovLength>
				<tt:H264Profile>Baseline</tt:H264Profile>
			</tt:H264>
			<tt:Multicast>
				<tt:Address>
					<tt:Type>IPv4</tt:Type>
					<tt:IPv4Address>0.0.0.0</tt:IPv4Address>
				</tt:Address>
				<tt:Port>0</tt:Port>
				<tt:TTL>0</tt:TTL>
				<tt:AutoStart>false</tt:AutoStart>
			</tt:Multicast>
			<tt:SessionTimeout>PT60S</tt:SessionTimeout>
		</trt:Configuration>
		<trt:ForcePersistence>true</trt:ForcePersistence>
	</trt:SetVideoEncoderConfiguration>`,
		escapeXML(encoderToken),
		escapeXML(name),
		escapeXML(config.Encoding),
		config.Resolution.Width,
		config.Resolution.Height,
		strconv.FormatFloat(float64(quality), 'f', -1, 32),
		config.Framerate,
		config.Bitrate)

	_, err := d.call(ctx, d.endpointFor(ServiceMedia), mediaNS+"SetVideoEncoderConfiguration", body)
	return err
}

// FetchSnapshot downloads the image behind a snapshot URI using HTTP basic
// authentication with the client's credentials.
func (d *Device) FetchSnapshot(ctx context.Context, uri string) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, SnapshotTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, errors.Annotate(err, "snapshot request")
	}
	if d.client.Username != "" {
		req.SetBasicAuth(d.client.Username, d.client.Password)
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, errors.Annotate(err, "fetch snapshot")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{Action: "FetchSnapshot", StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Annotate(err, "read snapshot")
	}
	return &Snapshot{Data: data, ContentType: resp.Header.Get("Content-Type")}, nil
}
