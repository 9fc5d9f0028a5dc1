// Package uci loads the celldatad configuration from a UCI file with
// environment overrides.
package uci

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/kelseyhightower/envconfig"

	"github.com/markus-lassfolk/celldata/pkg"
)

// DefaultPath is the daemon configuration file on the router
const DefaultPath = "/etc/config/celldata"

// EnvPrefix prefixes every environment override
const EnvPrefix = "CELLDATA"

// Defaults
const (
	DefaultSlotCount      = 1
	DefaultDataDir        = "/var/lib/celldata"
	DefaultOperatorConfig = "/etc/celldata/operators.yaml"
	DefaultHTTPListen     = "127.0.0.1:9711"
	DefaultGRPCListen     = "127.0.0.1:9712"
	DefaultPIDFile        = "/var/run/celldatad.pid"
	DefaultRetentionHours = 24
	DefaultEventCapacity  = 1000
	DefaultRadioBackend   = "modemmanager"
)

// Radio backends
const (
	BackendModemManager = "modemmanager"
	BackendFake         = "fake"
)

// Config is the celldatad configuration. Environment variables named
// CELLDATA_<TAG> override values read from the file.
type Config struct {
	Enable         bool     `json:"enable"          envconfig:"ENABLE"`
	LogLevel       string   `json:"log_level"       envconfig:"LOG_LEVEL"`
	SlotCount      int      `json:"slot_count"      envconfig:"SLOT_COUNT"`
	DefaultSlot    int      `json:"default_slot"    envconfig:"DEFAULT_SLOT"`
	DsdsMode       string   `json:"dsds_mode"       envconfig:"DSDS_MODE"`
	DataDir        string   `json:"data_dir"        envconfig:"DATA_DIR"`
	OperatorConfig string   `json:"operator_config" envconfig:"OPERATOR_CONFIG"`
	HTTPListen     string   `json:"http_listen"     envconfig:"HTTP_LISTEN"`
	GRPCListen     string   `json:"grpc_listen"     envconfig:"GRPC_LISTEN"`
	APIAuthKey     string   `json:"-"               envconfig:"API_AUTH_KEY"`
	PIDFile        string   `json:"pid_file"        envconfig:"PID_FILE"`
	RadioBackend   string   `json:"radio_backend"   envconfig:"RADIO_BACKEND"`
	ModemPaths     []string `json:"modem_paths"     envconfig:"MODEM_PATHS"`
	TrafficIfaces  []string `json:"traffic_ifaces"  envconfig:"TRAFFIC_IFACES"`
	RetentionHours int      `json:"retention_hours" envconfig:"RETENTION_HOURS"`
	EventCapacity  int      `json:"event_capacity"  envconfig:"EVENT_CAPACITY"`
	SecretFile     string   `json:"secret_file"     envconfig:"SECRET_FILE"`

	MQTT MQTTConfig `json:"mqtt" envconfig:"MQTT"`
}

// MQTTConfig is the `config mqtt` section
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"      envconfig:"ENABLED"`
	Broker      string `json:"broker"       envconfig:"BROKER"`
	Port        int    `json:"port"         envconfig:"PORT"`
	ClientID    string `json:"client_id"    envconfig:"CLIENT_ID"`
	Username    string `json:"username"     envconfig:"USERNAME"`
	Password    string `json:"-"            envconfig:"PASSWORD"`
	TopicPrefix string `json:"topic_prefix" envconfig:"TOPIC_PREFIX"`
	QoS         int    `json:"qos"          envconfig:"QOS"`
}

// LoadConfig reads path, applies the environment overrides and validates
// the result. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	cfg.setDefaults()

	if path == "" {
		path = DefaultPath
	}
	if _, err := os.Stat(path); err == nil {
		if err := cfg.parseUCI(path); err != nil {
			return nil, fmt.Errorf("failed to parse UCI config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	c.Enable = true
	c.LogLevel = "info"
	c.SlotCount = DefaultSlotCount
	c.DefaultSlot = 0
	c.DsdsMode = pkg.DsdsModeV2.String()
	c.DataDir = DefaultDataDir
	c.OperatorConfig = DefaultOperatorConfig
	c.HTTPListen = DefaultHTTPListen
	c.GRPCListen = DefaultGRPCListen
	c.PIDFile = DefaultPIDFile
	c.RadioBackend = DefaultRadioBackend
	c.RetentionHours = DefaultRetentionHours
	c.EventCapacity = DefaultEventCapacity

	c.MQTT = MQTTConfig{
		Broker:      "localhost",
		Port:        1883,
		ClientID:    "celldatad",
		TopicPrefix: "celldata",
		QoS:         1,
	}
}

// parseUCI reads `config <type> '<name>'` sections with their `option` and
// `list` lines
func (c *Config) parseUCI(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var sectionType, sectionName string
	for n, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		switch fields[0] {
		case "config":
			if len(fields) < 2 {
				return fmt.Errorf("line %d: config without type", n+1)
			}
			sectionType = unquote(fields[1])
			sectionName = ""
			if len(fields) >= 3 {
				sectionName = unquote(fields[2])
			}
		case "option", "list":
			if len(fields) < 3 {
				return fmt.Errorf("line %d: %s without value", n+1, fields[0])
			}
			value := unquote(strings.Join(fields[2:], " "))
			if err := c.parseOption(sectionType, sectionName, fields[0] == "list", fields[1], value); err != nil {
				return fmt.Errorf("line %d: %w", n+1, err)
			}
		}
	}
	return nil
}

func (c *Config) parseOption(sectionType, sectionName string, list bool, option, value string) error {
	switch sectionType {
	case "celldata":
		if sectionName == "" || sectionName == "main" {
			return c.parseMainOption(list, option, value)
		}
	case "mqtt":
		return c.parseMQTTOption(option, value)
	}
	return nil
}

func (c *Config) parseMainOption(list bool, option, value string) error {
	var err error
	switch option {
	case "enable":
		c.Enable = value == "1"
	case "log_level":
		c.LogLevel = value
	case "slot_count":
		c.SlotCount, err = strconv.Atoi(value)
	case "default_slot":
		c.DefaultSlot, err = strconv.Atoi(value)
	case "dsds_mode":
		c.DsdsMode = value
	case "data_dir":
		c.DataDir = value
	case "operator_config":
		c.OperatorConfig = value
	case "http_listen":
		c.HTTPListen = value
	case "grpc_listen":
		c.GRPCListen = value
	case "api_auth_key":
		c.APIAuthKey = value
	case "pid_file":
		c.PIDFile = value
	case "radio_backend":
		c.RadioBackend = value
	case "modem_path":
		if list {
			c.ModemPaths = append(c.ModemPaths, value)
		} else {
			c.ModemPaths = []string{value}
		}
	case "retention_hours":
		c.RetentionHours, err = strconv.Atoi(value)
	case "event_capacity":
		c.EventCapacity, err = strconv.Atoi(value)
	case "secret_file":
		c.SecretFile = value
	default:
		// traffic_iface_<slot>
		if strings.HasPrefix(option, "traffic_iface_") {
			var slot int
			slot, err = strconv.Atoi(strings.TrimPrefix(option, "traffic_iface_"))
			if err == nil {
				c.setTrafficIface(slot, value)
			}
		}
	}
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", option, value, err)
	}
	return nil
}

func (c *Config) parseMQTTOption(option, value string) error {
	var err error
	switch option {
	case "enabled":
		c.MQTT.Enabled = value == "1"
	case "broker":
		c.MQTT.Broker = value
	case "port":
		c.MQTT.Port, err = strconv.Atoi(value)
	case "client_id":
		c.MQTT.ClientID = value
	case "username":
		c.MQTT.Username = value
	case "password":
		c.MQTT.Password = value
	case "topic_prefix":
		c.MQTT.TopicPrefix = value
	case "qos":
		c.MQTT.QoS, err = strconv.Atoi(value)
	}
	if err != nil {
		return fmt.Errorf("invalid mqtt %s %q: %w", option, value, err)
	}
	return nil
}

func (c *Config) setTrafficIface(slot int, iface string) {
	if slot < 0 {
		return
	}
	for len(c.TrafficIfaces) <= slot {
		c.TrafficIfaces = append(c.TrafficIfaces, "")
	}
	c.TrafficIfaces[slot] = iface
}

func (c *Config) validate() error {
	if c.SlotCount < 1 || c.SlotCount > 4 {
		return fmt.Errorf("slot_count must be between 1 and 4")
	}
	if c.DefaultSlot < 0 || c.DefaultSlot >= c.SlotCount {
		return fmt.Errorf("default_slot must be between 0 and %d", c.SlotCount-1)
	}
	if !isValidLogLevel(c.LogLevel) {
		return fmt.Errorf("invalid log_level: %s", c.LogLevel)
	}
	if _, ok := ParseDsdsMode(c.DsdsMode); !ok {
		return fmt.Errorf("invalid dsds_mode: %s", c.DsdsMode)
	}
	if c.RadioBackend != BackendModemManager && c.RadioBackend != BackendFake {
		return fmt.Errorf("invalid radio_backend: %s", c.RadioBackend)
	}
	if c.RetentionHours < 1 || c.RetentionHours > 168 {
		return fmt.Errorf("retention_hours must be between 1 and 168")
	}
	if c.EventCapacity < 1 || c.EventCapacity > 100000 {
		return fmt.Errorf("event_capacity must be between 1 and 100000")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
			return fmt.Errorf("mqtt port must be between 1 and 65535")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt qos must be 0, 1 or 2")
		}
	}
	return nil
}

// Dsds returns the configured dual SIM mode
func (c *Config) Dsds() pkg.DsdsMode {
	m, _ := ParseDsdsMode(c.DsdsMode)
	return m
}

// ModemPathMap returns the modem object path per slot
func (c *Config) ModemPathMap() map[int]string {
	out := make(map[int]string, len(c.ModemPaths))
	for slot, p := range c.ModemPaths {
		if p != "" {
			out[slot] = p
		}
	}
	return out
}

// TrafficIfaceMap returns the network interface per slot
func (c *Config) TrafficIfaceMap() map[int]string {
	out := make(map[int]string, len(c.TrafficIfaces))
	for slot, iface := range c.TrafficIfaces {
		if iface != "" {
			out[slot] = iface
		}
	}
	return out
}

// ParseDsdsMode maps a configured mode name onto pkg.DsdsMode
func ParseDsdsMode(name string) (pkg.DsdsMode, bool) {
	for m := pkg.DsdsModeV2; m <= pkg.DsdsModeV5DSDA; m++ {
		if m.String() == name {
			return m, true
		}
	}
	return pkg.DsdsModeUnknown, false
}

func isValidLogLevel(level string) bool {
	switch level {
	case "trace", "debug", "info", "warn", "error":
		return true
	}
	return false
}

func unquote(s string) string {
	return strings.Trim(s, "'\"")
}
