package opconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/celldata/pkg"
	"github.com/markus-lassfolk/celldata/pkg/dataconn"
)

const sample = `
default:
  default_data_roaming: false
  mtu: 1500
  tcp_buffer_sizes:
    lte: "1,2,3,4,5,6"
  bandwidth:
    lte: {up: 1000, down: 2000}
operators:
  "24007":
    default_data_roaming: true
    single_pdp_enabled: true
    single_pdp_radio_types: [gsm, wcdma]
    esm_flag: false
    mtu: 1420
    bandwidth:
      nr: {up: 9, down: 99}
    nr_nsa_bandwidth: {up: 7, down: 77}
    unmetered: [mms]
    apns:
      - name: Tele2 Internet
        apn: 4g.tele2.se
        types: [default, supl]
        protocol: IPV4V6
`

func TestParseAndResolve(t *testing.T) {
	f, err := Parse([]byte(sample))
	require.NoError(t, err)

	t.Run("operator entry layered over default", func(t *testing.T) {
		c := f.Resolve("24007")
		assert.Equal(t, "24007", c.Numeric())
		assert.True(t, c.DefaultDataRoaming())
		assert.False(t, c.EsmFlag())
		assert.True(t, c.PreferredApnEnabled())
		assert.Equal(t, 1420, c.DefaultMTU())
		assert.True(t, c.SinglePdpEnabled(pkg.RadioTechGSM))
		assert.False(t, c.SinglePdpEnabled(pkg.RadioTechLTE))
		assert.True(t, c.IsUnmetered("mms"))
		assert.False(t, c.IsUnmetered("default"))

		up, down := c.Bandwidth(pkg.RadioTechLTE, false)
		assert.Equal(t, uint32(1000), up, "inherited from default")
		assert.Equal(t, uint32(2000), down)
		up, down = c.Bandwidth(pkg.RadioTechNR, false)
		assert.Equal(t, []uint32{9, 99}, []uint32{up, down})
		up, down = c.Bandwidth(pkg.RadioTechLTE, true)
		assert.Equal(t, []uint32{7, 77}, []uint32{up, down})
		assert.Equal(t, "1,2,3,4,5,6", c.TCPBufferSizes(pkg.RadioTechLTE))
		assert.Equal(t, dataconn.BuiltinTCPBufferSizes(pkg.RadioTechNR), c.TCPBufferSizes(pkg.RadioTechNR))

		profiles := c.ApnProfiles("240", "07")
		require.Len(t, profiles, 1)
		assert.Equal(t, "4g.tele2.se", profiles[0].Apn)
		assert.Equal(t, "07", profiles[0].Mnc)
	})

	t.Run("unknown operator uses default", func(t *testing.T) {
		c := f.Resolve("99999")
		assert.False(t, c.DefaultDataRoaming())
		assert.True(t, c.EsmFlag())
		assert.Equal(t, 1500, c.DefaultMTU())
		assert.False(t, c.SinglePdpEnabled(pkg.RadioTechGSM))
		assert.Empty(t, c.ApnProfiles("999", "99"))
	})
}

func TestBuiltin(t *testing.T) {
	var f *File
	c := f.Resolve("24007")
	assert.Equal(t, dataconn.DefaultMTU, c.DefaultMTU())
	up, down := c.Bandwidth(pkg.RadioTechLTE, true)
	wantUp, wantDown := dataconn.BuiltinBandwidth(pkg.RadioTechLTE, true)
	assert.Equal(t, wantUp, up)
	assert.Equal(t, wantDown, down)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad numeric", "operators:\n  abc12: {}\n"},
		{"mtu range", "default:\n  mtu: 100\n"},
		{"unknown rat", "default:\n  bandwidth:\n    6g: {up: 1, down: 1}\n"},
		{"apn without name", "operators:\n  \"24007\":\n    apns:\n      - types: [default]\n"},
		{"not yaml", "default: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "operators.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	f, err := Load(path)
	require.NoError(t, err)
	assert.Contains(t, f.Operators, "24007")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
