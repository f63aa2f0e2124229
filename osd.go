package onvif

import (
	"context"
	"fmt"
)

const media2NS = "http://www.onvif.org/ver20/media/wsdl/"

// GetOSDs retrieves all OSD (On-Screen Display) configurations through the
// Media2 service
func (d *Device) GetOSDs(ctx context.Context) ([]OSDConfig, error) {
	resp, err := d.call(ctx, d.endpointFor(ServiceMedia2), media2NS+"GetOSDs", `<tr2:GetOSDs/>`)
	if err != nil {
		return nil, err
	}

	var configs []OSDConfig
	for _, osd := range resp.SelectElements("OSDs") {
		configs = append(configs, OSDConfig{
			Token:            osd.SelectAttrValue("token", ""),
			Type:             childText(osd, "Type"),
			VideoSourceToken: childText(osd, "VideoSourceConfigurationToken"),
		})
	}
	return configs, nil
}

// DeleteOSD removes an OSD configuration by token
func (d *Device) DeleteOSD(ctx context.Context, osdToken string) error {
	body := fmt.Sprintf(`<tr2:DeleteOSD>
		<tr2:OSDToken>%s</tr2:OSDToken>
	</tr2:DeleteOSD>`, escapeXML(osdToken))

	_, err := d.call(ctx, d.endpointFor(ServiceMedia2), media2NS+"DeleteOSD", body)
	return err
}
