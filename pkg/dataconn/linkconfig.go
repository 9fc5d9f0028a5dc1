package dataconn

import "github.com/markus-lassfolk/celldata/pkg"

// DefaultMTU is used when neither the modem nor the operator config give one
const DefaultMTU = 1500

// LinkConfig supplies the per-RAT link parameters published with a connection
type LinkConfig interface {
	Bandwidth(tech pkg.RadioTech, nrConnected bool) (upKbps, downKbps uint32)
	TCPBufferSizes(tech pkg.RadioTech) string
	DefaultMTU() int
}

type bandwidth struct {
	up, down uint32
}

var defaultBandwidth = map[pkg.RadioTech]bandwidth{
	pkg.RadioTechGSM:     {up: 24, down: 24},
	pkg.RadioTech1XRTT:   {up: 100, down: 100},
	pkg.RadioTechWCDMA:   {up: 384, down: 384},
	pkg.RadioTechHSPA:    {up: 5898, down: 14336},
	pkg.RadioTechHSPAP:   {up: 11264, down: 43008},
	pkg.RadioTechTDSCDMA: {up: 384, down: 2048},
	pkg.RadioTechEVDO:    {up: 1843, down: 3174},
	pkg.RadioTechEHRPD:   {up: 153, down: 2516},
	pkg.RadioTechLTE:     {up: 51200, down: 102400},
	pkg.RadioTechLTECA:   {up: 102400, down: 204800},
	pkg.RadioTechIWLAN:   {up: 51200, down: 102400},
	pkg.RadioTechNR:      {up: 204800, down: 1048576},
}

var nrNsaBandwidth = bandwidth{up: 102400, down: 1048576}

var defaultTCPBuffers = map[pkg.RadioTech]string{
	pkg.RadioTechGSM:     "4092,8760,48000,4096,8760,48000",
	pkg.RadioTech1XRTT:   "16384,32768,131072,4096,16384,102400",
	pkg.RadioTechWCDMA:   "58254,349525,1048576,58254,349525,1048576",
	pkg.RadioTechHSPA:    "40778,244668,734003,16777,100663,301990",
	pkg.RadioTechHSPAP:   "122334,734003,2202010,32040,192239,576717",
	pkg.RadioTechTDSCDMA: "58254,349525,1048576,58254,349525,1048576",
	pkg.RadioTechEVDO:    "4094,87380,262144,4096,16384,262144",
	pkg.RadioTechEHRPD:   "131072,262144,1048576,4096,16384,524288",
	pkg.RadioTechLTE:     "524288,1048576,2097152,262144,524288,1048576",
	pkg.RadioTechLTECA:   "4096,6291456,12582912,4096,1048576,2097152",
	pkg.RadioTechIWLAN:   "524288,1048576,2097152,262144,524288,1048576",
	pkg.RadioTechNR:      "2097152,6291456,16777216,512000,2097152,8388608",
}

type builtinLinkConfig struct{}

// BuiltinLinkConfig returns the link parameters used without operator config
func BuiltinLinkConfig() LinkConfig {
	return builtinLinkConfig{}
}

func (builtinLinkConfig) Bandwidth(tech pkg.RadioTech, nrConnected bool) (uint32, uint32) {
	return BuiltinBandwidth(tech, nrConnected)
}

func (builtinLinkConfig) TCPBufferSizes(tech pkg.RadioTech) string {
	return defaultTCPBuffers[tech]
}

func (builtinLinkConfig) DefaultMTU() int {
	return DefaultMTU
}

// BuiltinBandwidth returns the default bandwidth of a RAT. LTE with a
// connected NR leg reports the NSA figures.
func BuiltinBandwidth(tech pkg.RadioTech, nrConnected bool) (uint32, uint32) {
	if nrConnected && (tech == pkg.RadioTechLTE || tech == pkg.RadioTechLTECA) {
		return nrNsaBandwidth.up, nrNsaBandwidth.down
	}
	bw := defaultBandwidth[tech]
	return bw.up, bw.down
}

// BuiltinTCPBufferSizes returns the default TCP buffer sizes of a RAT
func BuiltinTCPBufferSizes(tech pkg.RadioTech) string {
	return defaultTCPBuffers[tech]
}
