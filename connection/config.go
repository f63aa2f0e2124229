package connection

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort             = 80
	DefaultTimeout          = 3 * time.Second
	DefaultWatchdogInterval = 5 * time.Second
	DefaultSnapshotTTL      = 5 * time.Minute
)

// DefaultUngatedServices are attempted without a capability check because
// devices advertise them inconsistently.
var DefaultUngatedServices = []string{"events", "recording", "analytics", "device"}

// Duration is a time.Duration read from YAML either as a Go duration string
// ("1500ms") or as a plain number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return errors.NotValidf("duration %q", value.Value)
	}
	if secs, err := strconv.ParseFloat(value.Value, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return errors.NewNotValid(err, fmt.Sprintf("duration %q", value.Value))
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config describes one device.
type Config struct {
	Name     string `yaml:"name"`
	Address  string `yaml:"address"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Timeout is the default per-attempt deadline of a call.
	Timeout Duration `yaml:"timeout"`
	// WatchdogInterval of zero or less disables the liveness probe.
	WatchdogInterval Duration `yaml:"watchdog_interval"`
	SnapshotTTL      Duration `yaml:"snapshot_ttl"`

	// SerializeCalls runs calls against the device one at a time in
	// arrival order. A call that times out keeps its slot until the
	// device request actually returns.
	SerializeCalls  bool     `yaml:"serialize_calls"`
	UngatedServices []string `yaml:"ungated_services"`
	InsecureTLS     bool     `yaml:"insecure_tls"`
}

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig() Config {
	return Config{
		Port:             DefaultPort,
		Timeout:          Duration(DefaultTimeout),
		WatchdogInterval: Duration(DefaultWatchdogInterval),
		SnapshotTTL:      Duration(DefaultSnapshotTTL),
		UngatedServices:  append([]string(nil), DefaultUngatedServices...),
	}
}

// LoadConfig reads a YAML device configuration over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Annotatef(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Annotatef(err, "parse config %s", path)
	}
	return cfg, nil
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return time.Duration(c.Timeout)
}

func (c Config) snapshotTTL() time.Duration {
	if c.SnapshotTTL <= 0 {
		return DefaultSnapshotTTL
	}
	return time.Duration(c.SnapshotTTL)
}

// XAddr returns the device service URL. An address that already carries a
// scheme is used as is.
func (c Config) XAddr() string {
	if strings.Contains(c.Address, "://") {
		return c.Address
	}
	port := c.Port
	if port <= 0 {
		port = DefaultPort
	}
	return fmt.Sprintf("http://%s:%d/onvif/device_service", c.Address, port)
}

// Credentials resolves the username and password, falling back to
// ONVIF_<ADDRESS>_USERNAME and ONVIF_<ADDRESS>_PASSWORD.
func (c Config) Credentials() (username, password string, err error) {
	username, password = c.Username, c.Password
	if username == "" {
		username = os.Getenv(credentialEnv(c.Address, "USERNAME"))
	}
	if password == "" {
		password = os.Getenv(credentialEnv(c.Address, "PASSWORD"))
	}
	if username == "" {
		return "", "", errors.NotValidf("credentials for %q", c.Address)
	}
	return username, password, nil
}

func credentialEnv(address, suffix string) string {
	key := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, strings.ToUpper(address))
	return "ONVIF_" + key + "_" + suffix
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Address) == "" {
		return errors.NotValidf("empty device address")
	}
	_, _, err := c.Credentials()
	return err
}

func (c Config) ungated(service string) bool {
	services := c.UngatedServices
	if services == nil {
		services = DefaultUngatedServices
	}
	for _, s := range services {
		if strings.EqualFold(s, service) {
			return true
		}
	}
	return false
}
