package connection

import (
	"strings"

	"github.com/use-go/onvif/v2"
)

// Capabilities is an immutable snapshot of what a device advertises.
type Capabilities struct {
	services     []onvif.Service
	capabilities map[string]string
}

// NewCapabilities copies the advertised endpoint list and capability
// document into a snapshot.
func NewCapabilities(services []onvif.Service, capabilities map[string]string) *Capabilities {
	c := &Capabilities{
		services:     append([]onvif.Service(nil), services...),
		capabilities: make(map[string]string, len(capabilities)),
	}
	for k, v := range capabilities {
		c.capabilities[k] = v
	}
	return c
}

// Empty reports whether nothing was advertised.
func (c *Capabilities) Empty() bool {
	return c == nil || (len(c.services) == 0 && len(c.capabilities) == 0)
}

// Supports reports whether service is advertised. The endpoint list is
// authoritative when present: an entry matches when its address or
// namespace contains the name, ignoring case. Otherwise capability keys
// with a non-empty address are matched the same way.
func (c *Capabilities) Supports(service string) bool {
	if c == nil || service == "" {
		return false
	}
	name := strings.ToLower(service)

	if len(c.services) > 0 {
		for _, s := range c.services {
			if strings.Contains(strings.ToLower(s.XAddr), name) ||
				strings.Contains(strings.ToLower(s.Namespace), "/"+name+"/") {
				return true
			}
		}
		return false
	}

	for key, addr := range c.capabilities {
		if addr != "" && strings.Contains(strings.ToLower(key), name) {
			return true
		}
	}
	return false
}

// Services returns a copy of the advertised endpoint list.
func (c *Capabilities) Services() []onvif.Service {
	if c == nil {
		return nil
	}
	return append([]onvif.Service(nil), c.services...)
}
