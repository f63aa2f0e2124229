package onvif

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/juju/errors"
)

const deviceNS = "http://www.onvif.org/ver10/device/wsdl/"

// GetDeviceInformation fetches manufacturer, model and firmware details
func (d *Device) GetDeviceInformation(ctx context.Context) (*DeviceInformation, error) {
	resp, err := d.call(ctx, d.xaddr, deviceNS+"GetDeviceInformation", `<tds:GetDeviceInformation/>`)
	if err != nil {
		return nil, err
	}

	return &DeviceInformation{
		Manufacturer:    childText(resp, "Manufacturer"),
		Model:           childText(resp, "Model"),
		FirmwareVersion: childText(resp, "FirmwareVersion"),
		SerialNumber:    childText(resp, "SerialNumber"),
		HardwareID:      childText(resp, "HardwareId"),
	}, nil
}

// GetHostname fetches the device hostname
func (d *Device) GetHostname(ctx context.Context) (*Hostname, error) {
	resp, err := d.call(ctx, d.xaddr, deviceNS+"GetHostname", `<tds:GetHostname/>`)
	if err != nil {
		return nil, err
	}

	info := child(resp, "HostnameInformation")
	if info == nil {
		return nil, errors.NotValidf("GetHostname: missing HostnameInformation")
	}
	return &Hostname{
		Name:     childText(info, "Name"),
		FromDHCP: childBool(info, "FromDHCP"),
	}, nil
}

// GetSystemDateAndTime fetches the device clock. It is also the liveness
// probe, so it is kept cheap.
func (d *Device) GetSystemDateAndTime(ctx context.Context) (*SystemDateTime, error) {
	resp, err := d.call(ctx, d.xaddr, deviceNS+"GetSystemDateAndTime", `<tds:GetSystemDateAndTime/>`)
	if err != nil {
		return nil, err
	}

	sdt := child(resp, "SystemDateAndTime")
	if sdt == nil {
		return nil, errors.NotValidf("GetSystemDateAndTime: missing SystemDateAndTime")
	}

	out := &SystemDateTime{
		DateTimeType:    childText(sdt, "DateTimeType"),
		DaylightSavings: childBool(sdt, "DaylightSavings"),
		TimeZone:        childText(sdt, "TimeZone", "TZ"),
	}
	if utc := child(sdt, "UTCDateTime"); utc != nil {
		year := childInt(utc, "Date", "Year")
		if year > 0 {
			out.UTC = time.Date(year,
				time.Month(childInt(utc, "Date", "Month")),
				childInt(utc, "Date", "Day"),
				childInt(utc, "Time", "Hour"),
				childInt(utc, "Time", "Minute"),
				childInt(utc, "Time", "Second"),
				0, time.UTC)
		}
	}
	return out, nil
}

// SetSystemDateAndTime sets the device clock manually to t in UTC with a
// GMT0 time zone.
func (d *Device) SetSystemDateAndTime(ctx context.Context, t time.Time) error {
	t = t.UTC()
	body := fmt.Sprintf(`
	<tds:SetSystemDateAndTime>
		<tds:DateTimeType>Manual</tds:DateTimeType>
		<tds:DaylightSavings>false</tds:DaylightSavings>
		<tds:TimeZone>
			<tt:TZ>GMT0</tt:TZ>
		</tds:TimeZone>
		<tds:UTCDateTime>
			<tt:Time>
				<tt:Hour>%d</tt:Hour>
				<tt:Minute>%d</tt:Minute>
				<tt:Second>%d</tt:Second>
			</tt:Time>
			<tt:Date>
				<tt:Year>%d</tt:Year>
				<tt:Month>%d</tt:Month>
				<tt:Day>%d</tt:Day>
			</tt:Date>
		</tds:UTCDateTime>
	</tds:SetSystemDateAndTime>`,
		t.Hour(), t.Minute(), t.Second(),
		t.Year(), int(t.Month()), t.Day())

	_, err := d.call(ctx, d.xaddr, deviceNS+"SetSystemDateAndTime", body)
	return err
}

// GetServices loads the advertised service endpoints.
func (d *Device) GetServices(ctx context.Context) ([]Service, error) {
	resp, err := d.call(ctx, d.xaddr, deviceNS+"GetServices",
		`<tds:GetServices><tds:IncludeCapability>false</tds:IncludeCapability></tds:GetServices>`)
	if err != nil {
		return nil, err
	}

	var services []Service
	for _, s := range resp.SelectElements("Service") {
		svc := Service{
			Namespace: childText(s, "Namespace"),
			XAddr:     childText(s, "XAddr"),
		}
		if v := child(s, "Version"); v != nil {
			svc.Version = fmt.Sprintf("%s.%s", childText(v, "Major"), childText(v, "Minor"))
		}
		services = append(services, svc)
	}

	d.setServices(services)
	return services, nil
}

// GetCapabilities loads the capability document. Categories are returned
// lower-cased and mapped to their XAddr; extension categories such as
// recording are flattened into the same map.
func (d *Device) GetCapabilities(ctx context.Context) (map[string]string, error) {
	resp, err := d.call(ctx, d.xaddr, deviceNS+"GetCapabilities",
		`<tds:GetCapabilities><tds:Category>All</tds:Category></tds:GetCapabilities>`)
	if err != nil {
		return nil, err
	}

	caps := map[string]string{}
	root := child(resp, "Capabilities")
	if root == nil {
		return nil, errors.NotValidf("GetCapabilities: missing Capabilities")
	}
	for _, c := range root.ChildElements() {
		if c.Tag == "Extension" {
			for _, ext := range c.ChildElements() {
				if addr := childText(ext, "XAddr"); addr != "" {
					caps[strings.ToLower(ext.Tag)] = addr
				}
			}
			continue
		}
		caps[strings.ToLower(c.Tag)] = childText(c, "XAddr")
	}

	d.setCapabilities(caps)
	return caps, nil
}

// GetScopes returns the configured discovery scopes
func (d *Device) GetScopes(ctx context.Context) ([]string, error) {
	resp, err := d.call(ctx, d.xaddr, deviceNS+"GetScopes", `<tds:GetScopes/>`)
	if err != nil {
		return nil, err
	}

	var scopes []string
	for _, s := range resp.SelectElements("Scopes") {
		if item := childText(s, "ScopeItem"); item != "" {
			scopes = append(scopes, item)
		}
	}
	return scopes, nil
}

// SystemReboot asks the device to reboot and returns its message.
func (d *Device) SystemReboot(ctx context.Context) (string, error) {
	resp, err := d.call(ctx, d.xaddr, deviceNS+"SystemReboot", `<tds:SystemReboot/>`)
	if err != nil {
		return "", err
	}
	return childText(resp, "Message"), nil
}
