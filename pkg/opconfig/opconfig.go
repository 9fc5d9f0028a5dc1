// Package opconfig loads per-operator cellular data configuration from YAML.
// Entries are keyed by the operator numeric (mcc+mnc); a default entry
// supplies every value an operator entry leaves out.
package opconfig

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/markus-lassfolk/celldata/pkg"
	"github.com/markus-lassfolk/celldata/pkg/apn"
	"github.com/markus-lassfolk/celldata/pkg/dataconn"
)

// Bandwidth is an up/down pair in kbps
type Bandwidth struct {
	Up   uint32 `yaml:"up"`
	Down uint32 `yaml:"down"`
}

// Operator is the configuration of one operator. Pointer fields distinguish
// "unset" from false so that entries can be layered.
type Operator struct {
	SinglePdpEnabled    *bool                `yaml:"single_pdp_enabled,omitempty"`
	SinglePdpRadioTypes []string             `yaml:"single_pdp_radio_types,omitempty"`
	DefaultDataRoaming  *bool                `yaml:"default_data_roaming,omitempty"`
	EsmFlag             *bool                `yaml:"esm_flag,omitempty"`
	MTU                 int                  `yaml:"mtu,omitempty"`
	TCPBufferSizes      map[string]string    `yaml:"tcp_buffer_sizes,omitempty"`
	Bandwidth           map[string]Bandwidth `yaml:"bandwidth,omitempty"`
	NrNsaBandwidth      *Bandwidth           `yaml:"nr_nsa_bandwidth,omitempty"`
	PreferredApnEnabled *bool                `yaml:"preferred_apn_enabled,omitempty"`
	Unmetered           []string             `yaml:"unmetered,omitempty"`
	Apns                []ApnProfile         `yaml:"apns,omitempty"`
}

// ApnProfile seeds the APN store on first start
type ApnProfile struct {
	Name            string   `yaml:"name"`
	Apn             string   `yaml:"apn"`
	Types           []string `yaml:"types"`
	AuthType        int      `yaml:"auth_type,omitempty"`
	User            string   `yaml:"user,omitempty"`
	Password        string   `yaml:"password,omitempty"`
	Protocol        string   `yaml:"protocol,omitempty"`
	RoamingProtocol string   `yaml:"roaming_protocol,omitempty"`
	Proxy           string   `yaml:"proxy,omitempty"`
	MmsProxy        string   `yaml:"mms_proxy,omitempty"`
	Roaming         bool     `yaml:"roaming,omitempty"`
}

// File is the on-disk layout
type File struct {
	Default   Operator            `yaml:"default"`
	Operators map[string]Operator `yaml:"operators"`
}

// Load reads an operator config file
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read operator config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes and validates operator config
func Parse(raw []byte) (*File, error) {
	f := &File{}
	if err := yaml.Unmarshal(raw, f); err != nil {
		return nil, fmt.Errorf("failed to parse operator config: %w", err)
	}
	if err := f.Default.validate("default"); err != nil {
		return nil, err
	}
	for numeric, op := range f.Operators {
		if len(numeric) < 5 || len(numeric) > 6 || strings.Trim(numeric, "0123456789") != "" {
			return nil, fmt.Errorf("invalid operator numeric %q", numeric)
		}
		if err := op.validate(numeric); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (o *Operator) validate(name string) error {
	if o.MTU != 0 && (o.MTU < 576 || o.MTU > 9000) {
		return fmt.Errorf("%s: mtu must be between 576 and 9000, got %d", name, o.MTU)
	}
	for rat := range o.TCPBufferSizes {
		if _, ok := pkg.ParseRadioTech(rat); !ok {
			return fmt.Errorf("%s: unknown radio type %q in tcp_buffer_sizes", name, rat)
		}
	}
	for rat := range o.Bandwidth {
		if _, ok := pkg.ParseRadioTech(rat); !ok {
			return fmt.Errorf("%s: unknown radio type %q in bandwidth", name, rat)
		}
	}
	for _, rat := range o.SinglePdpRadioTypes {
		if _, ok := pkg.ParseRadioTech(rat); !ok {
			return fmt.Errorf("%s: unknown radio type %q in single_pdp_radio_types", name, rat)
		}
	}
	for i, p := range o.Apns {
		if p.Apn == "" {
			return fmt.Errorf("%s: apns[%d] has no apn", name, i)
		}
	}
	return nil
}

// Resolve returns the operator entry for numeric layered over the default
// entry. An unknown numeric yields the default entry.
func (f *File) Resolve(numeric string) *Config {
	if f == nil {
		return Builtin()
	}
	merged := f.Default
	if op, ok := f.Operators[numeric]; ok {
		merged = layer(merged, op)
	}
	return &Config{numeric: numeric, op: merged}
}

func layer(base, top Operator) Operator {
	out := base
	if top.SinglePdpEnabled != nil {
		out.SinglePdpEnabled = top.SinglePdpEnabled
	}
	if top.SinglePdpRadioTypes != nil {
		out.SinglePdpRadioTypes = top.SinglePdpRadioTypes
	}
	if top.DefaultDataRoaming != nil {
		out.DefaultDataRoaming = top.DefaultDataRoaming
	}
	if top.EsmFlag != nil {
		out.EsmFlag = top.EsmFlag
	}
	if top.MTU != 0 {
		out.MTU = top.MTU
	}
	if top.NrNsaBandwidth != nil {
		out.NrNsaBandwidth = top.NrNsaBandwidth
	}
	if top.PreferredApnEnabled != nil {
		out.PreferredApnEnabled = top.PreferredApnEnabled
	}
	if top.Unmetered != nil {
		out.Unmetered = top.Unmetered
	}
	if top.Apns != nil {
		out.Apns = top.Apns
	}
	out.TCPBufferSizes = mergeMap(base.TCPBufferSizes, top.TCPBufferSizes)
	out.Bandwidth = mergeMap(base.Bandwidth, top.Bandwidth)
	return out
}

func mergeMap[V any](base, top map[string]V) map[string]V {
	if len(top) == 0 {
		return base
	}
	out := make(map[string]V, len(base)+len(top))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range top {
		out[k] = v
	}
	return out
}

// Config is the resolved configuration of one operator
type Config struct {
	numeric string
	op      Operator
}

// Builtin returns the configuration used when no file is configured
func Builtin() *Config {
	return &Config{}
}

// Numeric returns the operator the config was resolved for
func (c *Config) Numeric() string { return c.numeric }

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// SinglePdpEnabled reports whether only one PDP context may be up at a time
// on tech
func (c *Config) SinglePdpEnabled(tech pkg.RadioTech) bool {
	if !boolOr(c.op.SinglePdpEnabled, false) {
		return false
	}
	if len(c.op.SinglePdpRadioTypes) == 0 {
		return true
	}
	for _, name := range c.op.SinglePdpRadioTypes {
		if rat, ok := pkg.ParseRadioTech(name); ok && rat == tech {
			return true
		}
	}
	return false
}

// DefaultDataRoaming is the roaming switch used until the user sets one
func (c *Config) DefaultDataRoaming() bool {
	return boolOr(c.op.DefaultDataRoaming, false)
}

// EsmFlag reports whether the initial attach APN is sent to the modem
func (c *Config) EsmFlag() bool {
	return boolOr(c.op.EsmFlag, true)
}

// PreferredApnEnabled reports whether the preferred APN is honored
func (c *Config) PreferredApnEnabled() bool {
	return boolOr(c.op.PreferredApnEnabled, true)
}

// IsUnmetered reports whether traffic on role is unmetered
func (c *Config) IsUnmetered(role string) bool {
	for _, r := range c.op.Unmetered {
		if r == role || r == apn.RoleAll {
			return true
		}
	}
	return false
}

// ApnProfiles returns the seed profiles as store configs for mcc and mnc
func (c *Config) ApnProfiles(mcc, mnc string) []apn.Config {
	out := make([]apn.Config, 0, len(c.op.Apns))
	for _, p := range c.op.Apns {
		out = append(out, apn.Config{
			ProfileName:     p.Name,
			Apn:             p.Apn,
			Types:           p.Types,
			Mcc:             mcc,
			Mnc:             mnc,
			AuthType:        p.AuthType,
			User:            p.User,
			Password:        p.Password,
			Protocol:        p.Protocol,
			RoamingProtocol: p.RoamingProtocol,
			Proxy:           p.Proxy,
			MmsProxy:        p.MmsProxy,
			IsRoamingApn:    p.Roaming,
		})
	}
	return out
}

// Bandwidth implements dataconn.LinkConfig
func (c *Config) Bandwidth(tech pkg.RadioTech, nrConnected bool) (uint32, uint32) {
	if nrConnected && (tech == pkg.RadioTechLTE || tech == pkg.RadioTechLTECA) {
		if c.op.NrNsaBandwidth != nil {
			return c.op.NrNsaBandwidth.Up, c.op.NrNsaBandwidth.Down
		}
		return dataconn.BuiltinBandwidth(tech, true)
	}
	for name, bw := range c.op.Bandwidth {
		if rat, ok := pkg.ParseRadioTech(name); ok && rat == tech {
			return bw.Up, bw.Down
		}
	}
	return dataconn.BuiltinBandwidth(tech, false)
}

// TCPBufferSizes implements dataconn.LinkConfig
func (c *Config) TCPBufferSizes(tech pkg.RadioTech) string {
	for name, sizes := range c.op.TCPBufferSizes {
		if rat, ok := pkg.ParseRadioTech(name); ok && rat == tech {
			return sizes
		}
	}
	return dataconn.BuiltinTCPBufferSizes(tech)
}

// DefaultMTU implements dataconn.LinkConfig
func (c *Config) DefaultMTU() int {
	if c.op.MTU > 0 {
		return c.op.MTU
	}
	return dataconn.DefaultMTU
}

var _ dataconn.LinkConfig = (*Config)(nil)
