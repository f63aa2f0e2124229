package onvif

import (
	"context"
	"fmt"
	"strings"

	"github.com/beevik/etree"
	"github.com/juju/errors"
)

const imagingNS = "http://www.onvif.org/ver20/imaging/wsdl/"

// GetImagingSettings retrieves the imaging settings of a video source
func (d *Device) GetImagingSettings(ctx context.Context, videoSourceToken string) (*ImagingSettings, error) {
	body := fmt.Sprintf(`<timg:GetImagingSettings>
		<timg:VideoSourceToken>%s</timg:VideoSourceToken>
	</timg:GetImagingSettings>`, escapeXML(videoSourceToken))

	resp, err := d.call(ctx, d.endpointFor(ServiceImaging), imagingNS+"GetImagingSettings", body)
	if err != nil {
		return nil, err
	}

	s := child(resp, "ImagingSettings")
	if s == nil {
		return nil, errors.NotValidf("GetImagingSettings: missing ImagingSettings")
	}
	return &ImagingSettings{
		Brightness:      floatPtr(childFloat(s, "Brightness")),
		ColorSaturation: floatPtr(childFloat(s, "ColorSaturation")),
		Contrast:        floatPtr(childFloat(s, "Contrast")),
		Sharpness:       floatPtr(childFloat(s, "Sharpness")),
		IrCutFilter:     IrCutFilterMode(childText(s, "IrCutFilter")),
	}, nil
}

// GetImagingOptions retrieves the valid ranges and modes of a video source
func (d *Device) GetImagingOptions(ctx context.Context, videoSourceToken string) (*ImagingOptions, error) {
	body := fmt.Sprintf(`<timg:GetOptions>
		<timg:VideoSourceToken>%s</timg:VideoSourceToken>
	</timg:GetOptions>`, escapeXML(videoSourceToken))

	resp, err := d.call(ctx, d.endpointFor(ServiceImaging), imagingNS+"GetOptions", body)
	if err != nil {
		return nil, err
	}

	o := child(resp, "ImagingOptions")
	if o == nil {
		return nil, errors.NotValidf("GetOptions: missing ImagingOptions")
	}
	opts := &ImagingOptions{
		Brightness:      floatRange(o, "Brightness"),
		ColorSaturation: floatRange(o, "ColorSaturation"),
		Contrast:        floatRange(o, "Contrast"),
		Sharpness:       floatRange(o, "Sharpness"),
	}
	for _, m := range o.SelectElements("IrCutFilterModes") {
		if mode := strings.TrimSpace(m.Text()); mode != "" {
			opts.IrCutFilterModes = append(opts.IrCutFilterModes, IrCutFilterMode(mode))
		}
	}
	return opts, nil
}

func floatRange(el *etree.Element, tag string) *FloatRange {
	lo, okLo := childFloat(el, tag, "Min")
	hi, okHi := childFloat(el, tag, "Max")
	if !okLo || !okHi {
		return nil
	}
	return &FloatRange{Min: lo, Max: hi}
}

// SetImagingSettings writes the non-nil fields of settings to a video source
func (d *Device) SetImagingSettings(ctx context.Context, videoSourceToken string, settings ImagingSettings, forcePersistence bool) error {
	var b strings.Builder
	writeFloat := func(tag string, v *float64) {
		if v != nil {
			fmt.Fprintf(&b, "<tt:%s>%s</tt:%s>", tag, formatFloat(*v), tag)
		}
	}
	writeFloat("Brightness", settings.Brightness)
	writeFloat("ColorSaturation", settings.ColorSaturation)
	writeFloat("Contrast", settings.Contrast)
	if settings.IrCutFilter != "" {
		fmt.Fprintf(&b, "<tt:IrCutFilter>%s</tt:IrCutFilter>", escapeXML(string(settings.IrCutFilter)))
	}
	writeFloat("Sharpness", settings.Sharpness)

	body := fmt.Sprintf(`<timg:SetImagingSettings>
		<timg:VideoSourceToken>%s</timg:VideoSourceToken>
		<timg:ImagingSettings>%s</timg:ImagingSettings>
		<timg:ForcePersistence>%t</timg:ForcePersistence>
	</timg:SetImagingSettings>`, escapeXML(videoSourceToken), b.String(), forcePersistence)

	_, err := d.call(ctx, d.endpointFor(ServiceImaging), imagingNS+"SetImagingSettings", body)
	return err
}

// SetIrCutFilter sets the IR cut filter (day/night) mode of a video source
func (d *Device) SetIrCutFilter(ctx context.Context, videoSourceToken string, mode IrCutFilterMode) error {
	return d.SetImagingSettings(ctx, videoSourceToken, ImagingSettings{IrCutFilter: mode}, true)
}
