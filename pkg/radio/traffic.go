package radio

import (
	"fmt"
	"sync"

	"github.com/vishvananda/netlink"
)

// NetlinkTraffic reads interface statistics through rtnetlink
type NetlinkTraffic struct {
	mu     sync.RWMutex
	ifaces map[int]string
}

// NewNetlinkTraffic creates a source for the slot to interface mapping
func NewNetlinkTraffic(ifaces map[int]string) *NetlinkTraffic {
	m := make(map[int]string, len(ifaces))
	for slot, name := range ifaces {
		m[slot] = name
	}
	return &NetlinkTraffic{ifaces: m}
}

// SetInterface changes the interface counted for slotID, usually once the
// modem reported the data interface of a new call.
func (t *NetlinkTraffic) SetInterface(slotID int, iface string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ifaces[slotID] = iface
}

// Counters returns the current counters of the slot's interface
func (t *NetlinkTraffic) Counters(slotID int) (Counters, error) {
	t.mu.RLock()
	iface, ok := t.ifaces[slotID]
	t.mu.RUnlock()
	if !ok || iface == "" {
		return Counters{}, fmt.Errorf("no data interface configured for slot %d", slotID)
	}

	link, err := netlink.LinkByName(iface)
	if err != nil {
		return Counters{}, fmt.Errorf("failed to get handle for interface %s: %w", iface, err)
	}
	stats := link.Attrs().Statistics
	if stats == nil {
		return Counters{}, fmt.Errorf("no statistics for interface %s", iface)
	}
	return Counters{
		TxPackets: stats.TxPackets,
		RxPackets: stats.RxPackets,
		TxBytes:   stats.TxBytes,
		RxBytes:   stats.RxBytes,
	}, nil
}
