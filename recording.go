package onvif

import (
	"context"
)

const recordingNS = "http://www.onvif.org/ver10/recording/wsdl/"

// GetRecordings lists the recordings stored on the device
func (d *Device) GetRecordings(ctx context.Context) ([]Recording, error) {
	resp, err := d.call(ctx, d.endpointFor(ServiceRecording), recordingNS+"GetRecordings", `<trc:GetRecordings/>`)
	if err != nil {
		return nil, err
	}

	var recordings []Recording
	for _, item := range resp.SelectElements("RecordingItem") {
		rec := Recording{
			Token:   childText(item, "RecordingToken"),
			Source:  childText(item, "Configuration", "Source", "Name"),
			Content: childText(item, "Configuration", "Content"),
		}
		if tracks := child(item, "Tracks"); tracks != nil {
			for _, t := range tracks.SelectElements("Track") {
				rec.TrackTokens = append(rec.TrackTokens, childText(t, "TrackToken"))
			}
		}
		recordings = append(recordings, rec)
	}
	return recordings, nil
}
