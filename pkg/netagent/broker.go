// Package netagent publishes cellular network suppliers, their availability
// and their link configuration to the system network broker.
package netagent

import (
	"context"
	"errors"
	"time"

	"github.com/markus-lassfolk/celldata/pkg"
)

// ErrUnknownSupplier is returned for updates to a supplier that was never registered
var ErrUnknownSupplier = errors.New("unknown net supplier")

// SupplierInfo is the availability record of one (slot, capability) supplier
type SupplierInfo struct {
	Available    bool      `json:"available"`
	Roaming      bool      `json:"roaming"`
	InCall       bool      `json:"in_call"`
	LinkUpKbps   uint32    `json:"link_up_kbps"`
	LinkDownKbps uint32    `json:"link_down_kbps"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Address is one IP address, DNS server or gateway
type Address struct {
	Address   string `json:"address"`
	Family    int    `json:"family"`
	PrefixLen int    `json:"prefix_len"`
	Netmask   string `json:"netmask,omitempty"`
}

// Route is a route installed for the data interface
type Route struct {
	Iface       string  `json:"iface"`
	Destination Address `json:"destination"`
	Gateway     Address `json:"gateway"`
}

// LinkInfo is the layer 3 configuration of an active data connection
type LinkInfo struct {
	Iface          string    `json:"iface"`
	Addresses      []Address `json:"addresses"`
	DNS            []Address `json:"dns"`
	Routes         []Route   `json:"routes"`
	MTU            int       `json:"mtu"`
	TCPBufferSizes string    `json:"tcp_buffer_sizes,omitempty"`
	HTTPProxy      string    `json:"http_proxy,omitempty"`
	Domain         string    `json:"domain,omitempty"`
}

// Supplier identifies a registered supplier
type Supplier struct {
	ID         string            `json:"id"`
	SlotID     int               `json:"slot_id"`
	Capability pkg.NetCapability `json:"capability"`
	Ident      string            `json:"ident"`
}

// Broker is the system network broker. Implementations must be safe for
// concurrent use: every slot loop publishes through the same broker.
type Broker interface {
	RegisterNetSupplier(ctx context.Context, s Supplier) error
	UnregisterNetSupplier(ctx context.Context, supplierID string) error
	UpdateNetSupplierInfo(supplierID string, info SupplierInfo) error
	UpdateNetLinkInfo(supplierID string, link LinkInfo) error
	RegisterSlotType(supplierID string, tech pkg.RadioTech) error
}
