package onvif

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/beevik/etree"
	"github.com/juju/errors"
)

const (
	eventsNS = "http://www.onvif.org/ver10/events/wsdl/"

	eventSubscriptionTTL = time.Minute
	eventPullTimeout     = 5 * time.Second
	eventPullLimit       = 10
	eventRetryDelay      = 5 * time.Second
)

// EventProperties is the GetEventProperties response.
type EventProperties struct {
	TopicNamespaceLocations []string
	FixedTopicSet           bool
	TopicSet                *etree.Element
	MessageContentFilters   []string
}

// EventServiceCapabilities is the GetServiceCapabilities response of the
// events service.
type EventServiceCapabilities struct {
	WSSubscriptionPolicySupport                   bool
	WSPullPointSupport                            bool
	WSPausableSubscriptionManagerInterfaceSupport bool
	MaxNotificationProducers                      int
	MaxPullPoints                                 int
	PersistentNotificationStorage                 bool
}

// GetEventProperties returns the topics the device can emit
func (d *Device) GetEventProperties(ctx context.Context) (*EventProperties, error) {
	resp, err := d.call(ctx, d.endpointFor(ServiceEvents), eventsNS+"EventPortType/GetEventPropertiesRequest",
		`<tev:GetEventProperties/>`)
	if err != nil {
		return nil, err
	}

	props := &EventProperties{
		FixedTopicSet: childBool(resp, "FixedTopicSet"),
	}
	for _, loc := range resp.SelectElements("TopicNamespaceLocation") {
		props.TopicNamespaceLocations = append(props.TopicNamespaceLocations, loc.Text())
	}
	for _, dialect := range resp.SelectElements("MessageContentFilterDialect") {
		props.MessageContentFilters = append(props.MessageContentFilters, dialect.Text())
	}
	if ts := child(resp, "TopicSet"); ts != nil {
		props.TopicSet = ts.Copy()
	}
	return props, nil
}

// GetEventServiceCapabilities returns the events service capabilities
func (d *Device) GetEventServiceCapabilities(ctx context.Context) (*EventServiceCapabilities, error) {
	resp, err := d.call(ctx, d.endpointFor(ServiceEvents), eventsNS+"EventPortType/GetServiceCapabilitiesRequest",
		`<tev:GetServiceCapabilities/>`)
	if err != nil {
		return nil, err
	}

	c := child(resp, "Capabilities")
	if c == nil {
		return nil, errors.NotValidf("GetServiceCapabilities: missing Capabilities")
	}
	atoi := func(key string) int {
		n, _ := strconv.Atoi(c.SelectAttrValue(key, "0"))
		return n
	}
	return &EventServiceCapabilities{
		WSSubscriptionPolicySupport:                   parseBool(c.SelectAttrValue("WSSubscriptionPolicySupport", "")),
		WSPullPointSupport:                            parseBool(c.SelectAttrValue("WSPullPointSupport", "")),
		WSPausableSubscriptionManagerInterfaceSupport: parseBool(c.SelectAttrValue("WSPausableSubscriptionManagerInterfaceSupport", "")),
		MaxNotificationProducers:                      atoi("MaxNotificationProducers"),
		MaxPullPoints:                                 atoi("MaxPullPoints"),
		PersistentNotificationStorage:                 parseBool(c.SelectAttrValue("PersistentNotificationStorage", "")),
	}, nil
}

// CreatePullPointSubscription creates a pull-point on the device. A zero
// termination lets the device pick its default lifetime.
func (d *Device) CreatePullPointSubscription(ctx context.Context, termination time.Duration) (*PullPointSubscription, error) {
	body := fmt.Sprintf(`<tev:CreatePullPointSubscription>%s</tev:CreatePullPointSubscription>`,
		xsDurationElement("tev:InitialTerminationTime", termination))

	resp, err := d.call(ctx, d.endpointFor(ServiceEvents), eventsNS+"EventPortType/CreatePullPointSubscriptionRequest", body)
	if err != nil {
		return nil, err
	}

	sub := &PullPointSubscription{
		Address: childText(resp, "SubscriptionReference", "Address"),
	}
	if sub.Address == "" {
		return nil, errors.NotValidf("CreatePullPointSubscription: missing subscription address")
	}
	sub.CurrentTime, _ = ParseDateTime(childText(resp, "CurrentTime"))
	sub.TerminationTime, _ = ParseDateTime(childText(resp, "TerminationTime"))
	return sub, nil
}

// PullMessages fetches at most limit buffered notifications from a
// pull-point, waiting up to timeout on the device side. The returned
// elements are wsnt:NotificationMessage nodes in delivery order.
func (d *Device) PullMessages(ctx context.Context, address string, timeout time.Duration, limit int) ([]*etree.Element, error) {
	if timeout <= 0 {
		timeout = eventPullTimeout
	}
	if limit <= 0 {
		limit = eventPullLimit
	}
	body := fmt.Sprintf(`<tev:PullMessages>%s<tev:MessageLimit>%d</tev:MessageLimit></tev:PullMessages>`,
		xsDurationElement("tev:Timeout", timeout), limit)

	resp, err := d.call(ctx, address, eventsNS+"PullPointSubscription/PullMessagesRequest", body)
	if err != nil {
		return nil, err
	}
	return resp.SelectElements("NotificationMessage"), nil
}

// RenewSubscription extends a subscription by termination.
func (d *Device) RenewSubscription(ctx context.Context, address string, termination time.Duration) (time.Time, error) {
	if termination <= 0 {
		termination = eventSubscriptionTTL
	}
	body := fmt.Sprintf(`<wsnt:Renew>%s</wsnt:Renew>`, xsDurationElement("wsnt:TerminationTime", termination))

	resp, err := d.call(ctx, address, "http://docs.oasis-open.org/wsn/bw-2/SubscriptionManager/RenewRequest", body)
	if err != nil {
		return time.Time{}, err
	}
	t, _ := ParseDateTime(childText(resp, "TerminationTime"))
	return t, nil
}

// Unsubscribe deletes a subscription on the device.
func (d *Device) Unsubscribe(ctx context.Context, address string) error {
	_, err := d.call(ctx, address, "http://docs.oasis-open.org/wsn/bw-2/SubscriptionManager/UnsubscribeRequest",
		`<wsnt:Unsubscribe/>`)
	return err
}

type eventListener struct {
	id      uint64
	handler func(*etree.Element)
}

// eventEmitter fans notifications from one internal pull-point out to every
// registered listener. The pull loop runs only while listeners exist.
type eventEmitter struct {
	device *Device

	mu        sync.Mutex
	listeners []eventListener
	nextID    uint64
	cancel    context.CancelFunc
	onError   func(error)
}

// AddEventListener registers handler for every notification the device
// emits and returns a function that removes it. The first listener starts
// a background pull-point loop; removing the last one stops it.
func (d *Device) AddEventListener(handler func(*etree.Element)) (remove func()) {
	e := &d.events
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	id := e.nextID
	e.listeners = append(e.listeners, eventListener{id: id, handler: handler})
	if e.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		e.cancel = cancel
		go e.run(ctx)
	}

	var once sync.Once
	return func() {
		once.Do(func() { e.remove(id) })
	}
}

// SetEventErrorHandler sets a function receiving errors of the background
// event loop. Errors are otherwise retried silently.
func (d *Device) SetEventErrorHandler(fn func(error)) {
	d.events.mu.Lock()
	d.events.onError = fn
	d.events.mu.Unlock()
}

func (e *eventEmitter) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, l := range e.listeners {
		if l.id == id {
			e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
			break
		}
	}
	if len(e.listeners) == 0 && e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

func (e *eventEmitter) report(err error) {
	e.mu.Lock()
	fn := e.onError
	e.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (e *eventEmitter) emit(msgs []*etree.Element) {
	e.mu.Lock()
	listeners := make([]eventListener, len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.Unlock()

	for _, msg := range msgs {
		for _, l := range listeners {
			l.handler(msg)
		}
	}
}

func (e *eventEmitter) run(ctx context.Context) {
	for ctx.Err() == nil {
		sub, err := e.device.CreatePullPointSubscription(ctx, eventSubscriptionTTL)
		if err != nil {
			if ctx.Err() == nil {
				e.report(errors.Annotate(err, "event subscription"))
			}
			if !sleepContext(ctx, eventRetryDelay) {
				return
			}
			continue
		}

		e.pull(ctx, sub.Address)

		uctx, cancel := context.WithTimeout(context.Background(), eventPullTimeout)
		_ = e.device.Unsubscribe(uctx, sub.Address)
		cancel()
	}
}

func (e *eventEmitter) pull(ctx context.Context, address string) {
	renewed := time.Now()
	for {
		msgs, err := e.device.PullMessages(ctx, address, eventPullTimeout, eventPullLimit)
		if err != nil {
			if ctx.Err() == nil {
				e.report(errors.Annotate(err, "pull events"))
			}
			return
		}
		e.emit(msgs)

		if time.Since(renewed) > eventSubscriptionTTL/2 {
			if _, err := e.device.RenewSubscription(ctx, address, eventSubscriptionTTL); err != nil {
				if ctx.Err() == nil {
					e.report(errors.Annotate(err, "renew event subscription"))
				}
				return
			}
			renewed = time.Now()
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
