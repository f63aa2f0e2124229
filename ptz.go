package onvif

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/beevik/etree"
)

const ptzNS = "http://www.onvif.org/ver20/ptz/wsdl/"

// Generic PTZ coordinate spaces
const (
	PanTiltPositionGenericSpace    = "http://www.onvif.org/ver10/tptz/PanTiltSpaces/PositionGenericSpace"
	ZoomPositionGenericSpace       = "http://www.onvif.org/ver10/tptz/ZoomSpaces/PositionGenericSpace"
	PanTiltTranslationGenericSpace = "http://www.onvif.org/ver10/tptz/PanTiltSpaces/TranslationGenericSpace"
	ZoomTranslationGenericSpace    = "http://www.onvif.org/ver10/tptz/ZoomSpaces/TranslationGenericSpace"
	PanTiltVelocityGenericSpace    = "http://www.onvif.org/ver10/tptz/PanTiltSpaces/VelocityGenericSpace"
	ZoomVelocityGenericSpace       = "http://www.onvif.org/ver10/tptz/ZoomSpaces/VelocityGenericSpace"
)

// Vec returns a vector with all three axes set.
func Vec(pan, tilt, zoom float64) PTZVector {
	return PTZVector{Pan: &pan, Tilt: &tilt, Zoom: &zoom}
}

// Clamp limits every axis to [-1, 1], the generic velocity and speed range.
func (v PTZVector) Clamp() PTZVector {
	clamp := func(f *float64) *float64 {
		if f == nil {
			return nil
		}
		c := math.Max(-1, math.Min(1, *f))
		return &c
	}
	return PTZVector{Pan: clamp(v.Pan), Tilt: clamp(v.Tilt), Zoom: clamp(v.Zoom)}
}

func (v PTZVector) empty() bool {
	return v.Pan == nil && v.Tilt == nil && v.Zoom == nil
}

// xml renders the vector as a tt:PTZVector/tt:PTZSpeed child list. Missing
// pan or tilt defaults to 0 when the other is set.
func (v PTZVector) xml(panTiltSpace, zoomSpace string) string {
	var b strings.Builder
	if v.Pan != nil || v.Tilt != nil {
		var pan, tilt float64
		if v.Pan != nil {
			pan = *v.Pan
		}
		if v.Tilt != nil {
			tilt = *v.Tilt
		}
		fmt.Fprintf(&b, `<tt:PanTilt x="%s" y="%s"`, formatFloat(pan), formatFloat(tilt))
		if panTiltSpace != "" {
			fmt.Fprintf(&b, ` space="%s"`, panTiltSpace)
		}
		b.WriteString("/>")
	}
	if v.Zoom != nil {
		fmt.Fprintf(&b, `<tt:Zoom x="%s"`, formatFloat(*v.Zoom))
		if zoomSpace != "" {
			fmt.Fprintf(&b, ` space="%s"`, zoomSpace)
		}
		b.WriteString("/>")
	}
	return b.String()
}

// ContinuousMove starts moving at velocity until Stop or until timeout
// elapses. A zero timeout lets the device decide. Velocity is clamped.
func (d *Device) ContinuousMove(ctx context.Context, profileToken string, velocity PTZVector, timeout time.Duration) error {
	body := fmt.Sprintf(`<tptz:ContinuousMove>
		<tptz:ProfileToken>%s</tptz:ProfileToken>
		<tptz:Velocity>%s</tptz:Velocity>%s
	</tptz:ContinuousMove>`,
		escapeXML(profileToken),
		velocity.Clamp().xml(PanTiltVelocityGenericSpace, ZoomVelocityGenericSpace),
		xsDurationElement("tptz:Timeout", timeout))

	_, err := d.call(ctx, d.endpointFor(ServicePTZ), ptzNS+"ContinuousMove", body)
	return err
}

// AbsoluteMove moves to position, optionally at speed.
func (d *Device) AbsoluteMove(ctx context.Context, profileToken string, position, speed PTZVector) error {
	body := fmt.Sprintf(`<tptz:AbsoluteMove>
		<tptz:ProfileToken>%s</tptz:ProfileToken>
		<tptz:Position>%s</tptz:Position>%s
	</tptz:AbsoluteMove>`,
		escapeXML(profileToken),
		position.xml(PanTiltPositionGenericSpace, ZoomPositionGenericSpace),
		speedElement(speed))

	_, err := d.call(ctx, d.endpointFor(ServicePTZ), ptzNS+"AbsoluteMove", body)
	return err
}

// RelativeMove moves by translation, optionally at speed.
func (d *Device) RelativeMove(ctx context.Context, profileToken string, translation, speed PTZVector) error {
	body := fmt.Sprintf(`<tptz:RelativeMove>
		<tptz:ProfileToken>%s</tptz:ProfileToken>
		<tptz:Translation>%s</tptz:Translation>%s
	</tptz:RelativeMove>`,
		escapeXML(profileToken),
		translation.xml(PanTiltTranslationGenericSpace, ZoomTranslationGenericSpace),
		speedElement(speed))

	_, err := d.call(ctx, d.endpointFor(ServicePTZ), ptzNS+"RelativeMove", body)
	return err
}

// Stop halts pan/tilt and/or zoom movement.
func (d *Device) Stop(ctx context.Context, profileToken string, panTilt, zoom bool) error {
	body := fmt.Sprintf(`<tptz:Stop>
		<tptz:ProfileToken>%s</tptz:ProfileToken>
		<tptz:PanTilt>%t</tptz:PanTilt>
		<tptz:Zoom>%t</tptz:Zoom>
	</tptz:Stop>`, escapeXML(profileToken), panTilt, zoom)

	_, err := d.call(ctx, d.endpointFor(ServicePTZ), ptzNS+"Stop", body)
	return err
}

// GetStatus returns the current position and movement state.
func (d *Device) GetStatus(ctx context.Context, profileToken string) (*PTZStatus, error) {
	body := fmt.Sprintf(`<tptz:GetStatus><tptz:ProfileToken>%s</tptz:ProfileToken></tptz:GetStatus>`,
		escapeXML(profileToken))

	resp, err := d.call(ctx, d.endpointFor(ServicePTZ), ptzNS+"GetStatus", body)
	if err != nil {
		return nil, err
	}

	st := child(resp, "PTZStatus")
	status := &PTZStatus{
		Position:   parseVector(child(st, "Position")),
		PanTilt:    childText(st, "MoveStatus", "PanTilt"),
		ZoomStatus: childText(st, "MoveStatus", "Zoom"),
		Error:      childText(st, "Error"),
	}
	status.UTCTime, _ = ParseDateTime(childText(st, "UtcTime"))
	return status, nil
}

// GetPresets lists the stored presets of a profile.
func (d *Device) GetPresets(ctx context.Context, profileToken string) ([]PTZPreset, error) {
	body := fmt.Sprintf(`<tptz:GetPresets><tptz:ProfileToken>%s</tptz:ProfileToken></tptz:GetPresets>`,
		escapeXML(profileToken))

	resp, err := d.call(ctx, d.endpointFor(ServicePTZ), ptzNS+"GetPresets", body)
	if err != nil {
		return nil, err
	}

	var presets []PTZPreset
	for _, p := range resp.SelectElements("Preset") {
		presets = append(presets, PTZPreset{
			Token:    p.SelectAttrValue("token", ""),
			Name:     childText(p, "Name"),
			Position: parseVector(child(p, "PTZPosition")),
		})
	}
	return presets, nil
}

// GotoPreset moves to a stored preset, optionally at speed.
func (d *Device) GotoPreset(ctx context.Context, profileToken, presetToken string, speed PTZVector) error {
	body := fmt.Sprintf(`<tptz:GotoPreset>
		<tptz:ProfileToken>%s</tptz:ProfileToken>
		<tptz:PresetToken>%s</tptz:PresetToken>%s
	</tptz:GotoPreset>`, escapeXML(profileToken), escapeXML(presetToken), speedElement(speed))

	_, err := d.call(ctx, d.endpointFor(ServicePTZ), ptzNS+"GotoPreset", body)
	return err
}

// SetPreset stores the current position. An empty presetToken creates a new
// preset; the returned token identifies it.
func (d *Device) SetPreset(ctx context.Context, profileToken, presetToken, presetName string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, `<tptz:SetPreset><tptz:ProfileToken>%s</tptz:ProfileToken>`, escapeXML(profileToken))
	if presetName != "" {
		fmt.Fprintf(&b, `<tptz:PresetName>%s</tptz:PresetName>`, escapeXML(presetName))
	}
	if presetToken != "" {
		fmt.Fprintf(&b, `<tptz:PresetToken>%s</tptz:PresetToken>`, escapeXML(presetToken))
	}
	b.WriteString(`</tptz:SetPreset>`)

	resp, err := d.call(ctx, d.endpointFor(ServicePTZ), ptzNS+"SetPreset", b.String())
	if err != nil {
		return "", err
	}
	return childText(resp, "PresetToken"), nil
}

// RemovePreset deletes a stored preset.
func (d *Device) RemovePreset(ctx context.Context, profileToken, presetToken string) error {
	body := fmt.Sprintf(`<tptz:RemovePreset>
		<tptz:ProfileToken>%s</tptz:ProfileToken>
		<tptz:PresetToken>%s</tptz:PresetToken>
	</tptz:RemovePreset>`, escapeXML(profileToken), escapeXML(presetToken))

	_, err := d.call(ctx, d.endpointFor(ServicePTZ), ptzNS+"RemovePreset", body)
	return err
}

// GotoHomePosition moves to the home position, optionally at speed.
func (d *Device) GotoHomePosition(ctx context.Context, profileToken string, speed PTZVector) error {
	body := fmt.Sprintf(`<tptz:GotoHomePosition>
		<tptz:ProfileToken>%s</tptz:ProfileToken>%s
	</tptz:GotoHomePosition>`, escapeXML(profileToken), speedElement(speed))

	_, err := d.call(ctx, d.endpointFor(ServicePTZ), ptzNS+"GotoHomePosition", body)
	return err
}

func speedElement(speed PTZVector) string {
	if speed.empty() {
		return ""
	}
	return "<tptz:Speed>" + speed.Clamp().xml("", "") + "</tptz:Speed>"
}

func parseVector(el *etree.Element) PTZVector {
	pt := child(el, "PanTilt")
	return PTZVector{
		Pan:  attrFloat(pt, "x"),
		Tilt: attrFloat(pt, "y"),
		Zoom: attrFloat(child(el, "Zoom"), "x"),
	}
}

// xsDurationElement renders d as an xs:duration element in whole seconds,
// or nothing when d is not positive.
func xsDurationElement(tag string, d time.Duration) string {
	if d <= 0 {
		return ""
	}
	secs := int64(math.Ceil(d.Seconds()))
	return fmt.Sprintf("<%s>PT%dS</%s>", tag, secs, tag)
}
