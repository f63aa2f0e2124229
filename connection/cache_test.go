package connection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/use-go/onvif/v2"
)

func TestProfileSetResolve(t *testing.T) {
	ps := NewProfileSet([]onvif.Profile{
		{Token: "", Name: "orphan"},
		{Token: "t1", Name: "main"},
		{Token: "t2", Name: "sub"},
		{Token: "t3", Name: "main"},
		{Token: "t1", Name: "duplicate"},
	})

	require.Equal(t, 3, ps.Len())

	token, ok := ps.Resolve("main")
	assert.True(t, ok)
	assert.Equal(t, "t1", token)

	_, ok = ps.Resolve("orphan")
	assert.False(t, ok)

	p, ok := ps.Lookup("t1")
	require.True(t, ok)
	assert.Equal(t, "main", p.Name)

	var names []string
	for _, p := range ps.All() {
		names = append(names, p.Token)
	}
	assert.Equal(t, []string{"t1", "t2", "t3"}, names)
}

func TestProfileSetNil(t *testing.T) {
	var ps *ProfileSet
	_, ok := ps.Resolve("main")
	assert.False(t, ok)
	assert.Nil(t, ps.All())
	assert.Zero(t, ps.Len())
}

func TestCapabilitiesFromServiceList(t *testing.T) {
	caps := NewCapabilities([]onvif.Service{
		{Namespace: "http://www.onvif.org/ver10/device/wsdl", XAddr: "http://10.0.0.5/onvif/device_service"},
		{Namespace: "http://www.onvif.org/ver20/ptz/wsdl", XAddr: "http://10.0.0.5/onvif/Media"},
	}, map[string]string{"imaging": "http://10.0.0.5/onvif/imaging"})

	assert.True(t, caps.Supports("media"))
	assert.True(t, caps.Supports("PTZ"))
	// The service list wins over the capability document.
	assert.False(t, caps.Supports("imaging"))
	assert.False(t, caps.Supports(""))
}

func TestCapabilitiesFromDocument(t *testing.T) {
	caps := NewCapabilities(nil, map[string]string{
		"media":   "http://10.0.0.5/onvif/media",
		"imaging": "",
	})

	assert.False(t, caps.Empty())
	assert.True(t, caps.Supports("Media"))
	assert.False(t, caps.Supports("imaging"))
}

func TestCapabilitiesNil(t *testing.T) {
	var caps *Capabilities
	assert.True(t, caps.Empty())
	assert.False(t, caps.Supports("media"))
	assert.True(t, NewCapabilities(nil, nil).Empty())
}

func TestSnapshotCacheTTL(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cache := NewSnapshotCache(time.Minute, func() time.Time { return now })

	_, ok := cache.Get("t1")
	assert.False(t, ok)

	cache.Set("t1", "http://cam/snap")
	uri, ok := cache.Get("t1")
	assert.True(t, ok)
	assert.Equal(t, "http://cam/snap", uri)

	now = now.Add(59 * time.Second)
	_, ok = cache.Get("t1")
	assert.True(t, ok)

	now = now.Add(time.Second)
	_, ok = cache.Get("t1")
	assert.False(t, ok)
	assert.Zero(t, cache.Len())
}

func TestSnapshotCacheClear(t *testing.T) {
	cache := NewSnapshotCache(time.Minute, nil)
	cache.Set("t1", "a")
	cache.Set("t2", "b")
	require.Equal(t, 2, cache.Len())

	cache.Clear()
	assert.Zero(t, cache.Len())
}

func TestStatusText(t *testing.T) {
	assert.Equal(t, "not configured", StatusText(Unconfigured, true))
	assert.Equal(t, "connecting", StatusText(Initializing, true))
	assert.Equal(t, "disconnected", StatusText(Disconnected, true))
	assert.Equal(t, "connected", StatusText(Connected, true))
	assert.Equal(t, "unsupported", StatusText(Connected, false))
}
