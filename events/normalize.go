package events

import (
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/juju/errors"
	"github.com/use-go/onvif/v2"
	"github.com/use-go/onvif/v2/connection"
)

// Item is one name/value pair of a notification.
type Item struct {
	Name  string
	Value string
}

// Event is a flattened notification message.
type Event struct {
	// Topic with namespace prefixes removed, e.g. RuleEngine/CellMotionDetector/Motion.
	Topic    string
	Time     time.Time
	Property string
	Source   *Item
	Data     []Item
	// Element holds a structured data item the device sent instead of
	// simple items.
	Element *etree.Element
}

// Normalize flattens a wsnt:NotificationMessage element.
func Normalize(msg *etree.Element) (Event, error) {
	if msg == nil {
		return Event{}, parseError("empty notification")
	}

	var ev Event
	if topic := msg.SelectElement("Topic"); topic != nil {
		ev.Topic = stripTopic(topic.Text())
	}

	body := msg.SelectElement("Message")
	if body != nil {
		if inner := body.SelectElement("Message"); inner != nil {
			body = inner
		}
	}
	if body == nil {
		return Event{}, parseError("notification %q has no message", ev.Topic)
	}

	if raw := body.SelectAttrValue("UtcTime", ""); raw != "" {
		t, ok := onvif.ParseDateTime(raw)
		if !ok {
			return Event{}, parseError("notification %q: bad UtcTime %q", ev.Topic, raw)
		}
		ev.Time = t
	}
	ev.Property = body.SelectAttrValue("PropertyOperation", "")

	if src := body.SelectElement("Source"); src != nil {
		if items := simpleItems(src); len(items) > 0 {
			ev.Source = &items[0]
		}
	}
	if data := body.SelectElement("Data"); data != nil {
		ev.Data = simpleItems(data)
		if el := data.SelectElement("ElementItem"); el != nil {
			ev.Element = el.Copy()
		}
	}
	return ev, nil
}

func simpleItems(parent *etree.Element) []Item {
	var items []Item
	for _, it := range parent.SelectElements("SimpleItem") {
		items = append(items, Item{
			Name:  it.SelectAttrValue("Name", ""),
			Value: it.SelectAttrValue("Value", ""),
		})
	}
	return items
}

// stripTopic removes the namespace prefix of every topic segment.
func stripTopic(topic string) string {
	segments := strings.Split(strings.TrimSpace(topic), "/")
	for i, s := range segments {
		if j := strings.LastIndex(s, ":"); j >= 0 {
			segments[i] = s[j+1:]
		}
	}
	return strings.Join(segments, "/")
}

func parseError(format string, args ...any) error {
	return errors.WithType(errors.Errorf(format, args...), connection.ErrParse)
}
