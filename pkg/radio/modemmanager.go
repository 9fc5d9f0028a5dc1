package radio

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"gopkg.in/tomb.v2"

	"github.com/markus-lassfolk/celldata/pkg"
	"github.com/markus-lassfolk/celldata/pkg/logx"
)

// ModemManager D-Bus names
const (
	mmService       = "org.freedesktop.ModemManager1"
	mmModemIface    = "org.freedesktop.ModemManager1.Modem"
	mmSimpleIface   = "org.freedesktop.ModemManager1.Modem.Simple"
	mm3gppIface     = "org.freedesktop.ModemManager1.Modem.Modem3gpp"
	mmBearerIface   = "org.freedesktop.ModemManager1.Bearer"
	mmSimIface      = "org.freedesktop.ModemManager1.Sim"
	dbusPropsIface  = "org.freedesktop.DBus.Properties"
	propertiesEvent = "PropertiesChanged"
)

// MMModemState values
const (
	mmStateRegistered = 8
)

// MMModem3gppRegistrationState values that mean roaming
var mmRoamingStates = map[uint32]bool{5: true, 7: true, 10: true}

// MMModemPowerState values
const (
	mmPowerOff = 1
	mmPowerOn  = 3
)

// MMModemAccessTechnology bits
const (
	mmAccessGSM        = 1 << 1
	mmAccessGSMCompact = 1 << 2
	mmAccessGPRS       = 1 << 3
	mmAccessEDGE       = 1 << 4
	mmAccessUMTS       = 1 << 5
	mmAccessHSDPA      = 1 << 6
	mmAccessHSUPA      = 1 << 7
	mmAccessHSPA       = 1 << 8
	mmAccessHSPAPlus   = 1 << 9
	mmAccess1XRTT      = 1 << 10
	mmAccessEVDO0      = 1 << 11
	mmAccessEVDOA      = 1 << 12
	mmAccessEVDOB      = 1 << 13
	mmAccessLTE        = 1 << 14
	mmAccess5GNR       = 1 << 15
)

// MMBearerIpFamily and MMBearerAllowedAuth values
const (
	mmIPFamilyV4   = 1
	mmIPFamilyV6   = 2
	mmIPFamilyV4V6 = 4

	mmAuthNone = 1 << 0
	mmAuthPAP  = 1 << 1
	mmAuthCHAP = 1 << 2
)

const mmCallTimeout = 3 * time.Minute

type bearerRef struct {
	slot int
	cid  int
}

// ModemManager drives modems through the ModemManager D-Bus API. Each slot
// maps to one modem object path.
type ModemManager struct {
	conn   *dbus.Conn
	logger *logx.Logger

	modems map[int]dbus.ObjectPath
	slots  map[dbus.ObjectPath]int

	mu        sync.Mutex
	bearers   map[dbus.ObjectPath]bearerRef
	nextCid   int
	attached  map[int]bool
	roaming   map[int]bool
	tech      map[int]pkg.RadioTech
	listeners []func(Event)

	tomb    tomb.Tomb
	started bool
	signals chan *dbus.Signal
}

// ConnectModemManager opens the system bus and returns a backend for modemPaths
func ConnectModemManager(modemPaths map[int]string, logger *logx.Logger) (*ModemManager, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	return NewModemManager(conn, modemPaths, logger), nil
}

// NewModemManager creates a backend on an open bus connection
func NewModemManager(conn *dbus.Conn, modemPaths map[int]string, logger *logx.Logger) *ModemManager {
	m := &ModemManager{
		conn:     conn,
		logger:   logger,
		modems:   make(map[int]dbus.ObjectPath),
		slots:    make(map[dbus.ObjectPath]int),
		bearers:  make(map[dbus.ObjectPath]bearerRef),
		nextCid:  1,
		attached: make(map[int]bool),
		roaming:  make(map[int]bool),
		tech:     make(map[int]pkg.RadioTech),
		signals:  make(chan *dbus.Signal, 32),
	}
	for slot, path := range modemPaths {
		p := dbus.ObjectPath(path)
		m.modems[slot] = p
		m.slots[p] = slot
	}
	return m
}

// Start subscribes to property changes and emits the initial modem state
func (m *ModemManager) Start() error {
	if m.conn == nil {
		return ErrNotConnected
	}
	err := m.conn.AddMatchSignal(
		dbus.WithMatchSender(mmService),
		dbus.WithMatchInterface(dbusPropsIface),
		dbus.WithMatchMember(propertiesEvent),
	)
	if err != nil {
		return fmt.Errorf("failed to add ModemManager signal match: %w", err)
	}
	m.conn.Signal(m.signals)

	for slot := range m.modems {
		m.refresh(slot)
	}

	m.started = true
	m.tomb.Go(func() error {
		for {
			select {
			case sig, ok := <-m.signals:
				if !ok {
					return nil
				}
				m.handleSignal(sig)
			case <-m.tomb.Dying():
				return nil
			}
		}
	})
	return nil
}

// Stop ends signal processing and closes the bus connection
func (m *ModemManager) Stop() error {
	var err error
	if m.started {
		m.tomb.Kill(nil)
		err = m.tomb.Wait()
	}
	if m.conn != nil {
		m.conn.RemoveSignal(m.signals)
		m.conn.Close()
	}
	return err
}

func (m *ModemManager) Subscribe(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *ModemManager) emit(ev Event) {
	m.mu.Lock()
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

func (m *ModemManager) modem(slotID int) (dbus.BusObject, error) {
	path, ok := m.modems[slotID]
	if !ok || m.conn == nil {
		return nil, ErrNotConnected
	}
	return m.conn.Object(mmService, path), nil
}

func (m *ModemManager) ActivatePdpContext(ctx context.Context, req ActivateRequest, done func(ActivateResult)) error {
	modem, err := m.modem(req.SlotID)
	if err != nil {
		return err
	}
	props := connectProperties(req)

	go func() {
		callCtx, cancel := context.WithTimeout(context.Background(), mmCallTimeout)
		defer cancel()

		var bearerPath dbus.ObjectPath
		if err := modem.CallWithContext(callCtx, mmSimpleIface+".Connect", 0, props).Store(&bearerPath); err != nil {
			m.logger.Warn("modem connect failed", "slot", req.SlotID, "apn", req.Profile.Apn, "error", err)
			done(ActivateResult{ConnectID: req.ConnectID, Call: DataCall{
				ConnectID: req.ConnectID,
				Reason:    connectErrorCause(err),
			}})
			return
		}

		call, err := m.readBearer(bearerPath)
		if err != nil {
			m.logger.Warn("failed to read bearer settings", "slot", req.SlotID, "bearer", string(bearerPath), "error", err)
			done(ActivateResult{ConnectID: req.ConnectID, Error: RequestInvalidResponse})
			return
		}

		m.mu.Lock()
		call.Cid = m.nextCid
		m.nextCid++
		m.bearers[bearerPath] = bearerRef{slot: req.SlotID, cid: call.Cid}
		m.mu.Unlock()

		call.ConnectID = req.ConnectID
		call.Active = true
		done(ActivateResult{ConnectID: req.ConnectID, Call: call})
	}()
	return nil
}

func (m *ModemManager) DeactivatePdpContext(ctx context.Context, req DeactivateRequest, done func(DeactivateResult)) error {
	modem, err := m.modem(req.SlotID)
	if err != nil {
		return err
	}
	bearerPath, ok := m.findBearer(req.SlotID, req.Cid)
	if !ok {
		go done(DeactivateResult{ConnectID: req.ConnectID, Cid: req.Cid})
		return nil
	}

	go func() {
		callCtx, cancel := context.WithTimeout(context.Background(), mmCallTimeout)
		defer cancel()

		res := DeactivateResult{ConnectID: req.ConnectID, Cid: req.Cid}
		if err := modem.CallWithContext(callCtx, mmSimpleIface+".Disconnect", 0, bearerPath).Store(); err != nil {
			m.logger.Warn("modem disconnect failed", "slot", req.SlotID, "cid", req.Cid, "error", err)
			res.Error = RequestGenericFailure
		}
		m.mu.Lock()
		delete(m.bearers, bearerPath)
		m.mu.Unlock()
		done(res)
	}()
	return nil
}

func (m *ModemManager) findBearer(slotID, cid int) (dbus.ObjectPath, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for path, ref := range m.bearers {
		if ref.slot == slotID && ref.cid == cid {
			return path, true
		}
	}
	return "", false
}

func (m *ModemManager) readBearer(path dbus.ObjectPath) (DataCall, error) {
	bearer := m.conn.Object(mmService, path)
	ifname, err := bearer.GetProperty(mmBearerIface + ".Interface")
	if err != nil {
		return DataCall{}, err
	}
	ip4, err := bearer.GetProperty(mmBearerIface + ".Ip4Config")
	if err != nil {
		return DataCall{}, err
	}
	ip6, err := bearer.GetProperty(mmBearerIface + ".Ip6Config")
	if err != nil {
		return DataCall{}, err
	}
	name, _ := ifname.Value().(string)
	v4, _ := ip4.Value().(map[string]dbus.Variant)
	v6, _ := ip6.Value().(map[string]dbus.Variant)
	return dataCallFromBearer(name, v4, v6), nil
}

func (m *ModemManager) RequestPdpContextList(ctx context.Context, slotID int) error {
	if _, err := m.modem(slotID); err != nil {
		return err
	}
	go m.emit(Event{SlotID: slotID, Kind: EventDataCallList, DataCalls: m.activeCalls(slotID)})
	return nil
}

func (m *ModemManager) activeCalls(slotID int) []DataCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var calls []DataCall
	for _, ref := range m.bearers {
		if ref.slot == slotID {
			calls = append(calls, DataCall{Cid: ref.cid, Active: true})
		}
	}
	return calls
}

func (m *ModemManager) SetInitialApn(ctx context.Context, slotID int, p Profile) error {
	modem, err := m.modem(slotID)
	if err != nil {
		return err
	}
	settings := map[string]dbus.Variant{
		"apn":     dbus.MakeVariant(p.Apn),
		"ip-type": dbus.MakeVariant(ipFamily(p.Protocol)),
	}
	if err := modem.CallWithContext(ctx, mm3gppIface+".SetInitialEpsBearerSettings", 0, settings).Store(); err != nil {
		return fmt.Errorf("failed to set initial eps bearer: %w", err)
	}
	return nil
}

// SetDataPermitted has no ModemManager counterpart; data is permitted by
// connecting a bearer.
func (m *ModemManager) SetDataPermitted(ctx context.Context, slotID int, permitted bool) error {
	if _, err := m.modem(slotID); err != nil {
		return err
	}
	m.logger.Debug("data permitted", "slot", slotID, "permitted", permitted)
	return nil
}

func (m *ModemManager) SetRadioPower(ctx context.Context, slotID int, on bool) error {
	modem, err := m.modem(slotID)
	if err != nil {
		return err
	}
	if err := modem.CallWithContext(ctx, mmModemIface+".Enable", 0, on).Store(); err != nil {
		return fmt.Errorf("failed to set modem power %v: %w", on, err)
	}
	return nil
}

func (m *ModemManager) Reregister(ctx context.Context, slotID int) error {
	modem, err := m.modem(slotID)
	if err != nil {
		return err
	}
	if err := modem.CallWithContext(ctx, mm3gppIface+".Register", 0, "").Store(); err != nil {
		return fmt.Errorf("failed to reregister: %w", err)
	}
	return nil
}

// refresh reads the current modem properties and emits them as events
func (m *ModemManager) refresh(slot int) {
	modem, err := m.modem(slot)
	if err != nil {
		return
	}
	if v, err := modem.GetProperty(mmModemIface + ".PowerState"); err == nil {
		m.handleModemProperty(slot, "PowerState", v)
	}
	if v, err := modem.GetProperty(mmModemIface + ".Sim"); err == nil {
		m.handleModemProperty(slot, "Sim", v)
	}
	if v, err := modem.GetProperty(mmModemIface + ".AccessTechnologies"); err == nil {
		m.handleModemProperty(slot, "AccessTechnologies", v)
	}
	if v, err := modem.GetProperty(mm3gppIface + ".RegistrationState"); err == nil {
		m.handle3gppProperty(slot, "RegistrationState", v)
	}
	if v, err := modem.GetProperty(mmModemIface + ".State"); err == nil {
		m.handleModemProperty(slot, "State", v)
	}
}

func (m *ModemManager) handleSignal(sig *dbus.Signal) {
	if sig.Name != dbusPropsIface+"."+propertiesEvent || len(sig.Body) < 2 {
		return
	}
	iface, _ := sig.Body[0].(string)
	changed, _ := sig.Body[1].(map[string]dbus.Variant)

	if iface == mmBearerIface {
		m.handleBearerChange(sig.Path, changed)
		return
	}
	slot, ok := m.slots[sig.Path]
	if !ok {
		return
	}
	for name, v := range changed {
		switch iface {
		case mmModemIface:
			m.handleModemProperty(slot, name, v)
		case mm3gppIface:
			m.handle3gppProperty(slot, name, v)
		}
	}
}

func (m *ModemManager) handleBearerChange(path dbus.ObjectPath, changed map[string]dbus.Variant) {
	v, ok := changed["Connected"]
	if !ok {
		return
	}
	if connected, _ := v.Value().(bool); connected {
		return
	}
	m.mu.Lock()
	ref, known := m.bearers[path]
	delete(m.bearers, path)
	m.mu.Unlock()
	if !known {
		return
	}
	m.logger.Info("bearer lost", "slot", ref.slot, "cid", ref.cid, "bearer", string(path))
	m.emit(Event{SlotID: ref.slot, Kind: EventDataCallList, DataCalls: m.activeCalls(ref.slot)})
}

func (m *ModemManager) handleModemProperty(slot int, name string, v dbus.Variant) {
	switch name {
	case "State":
		state, _ := v.Value().(int32)
		attached := state >= mmStateRegistered
		m.mu.Lock()
		was, seen := m.attached[slot]
		m.attached[slot] = attached
		m.mu.Unlock()
		if seen && was == attached {
			return
		}
		kind := EventPsDetached
		if attached {
			kind = EventPsAttached
		}
		m.emit(Event{SlotID: slot, Kind: kind})
	case "AccessTechnologies":
		bits, _ := v.Value().(uint32)
		tech := accessTechToRadioTech(bits)
		m.mu.Lock()
		prev, seen := m.tech[slot]
		m.tech[slot] = tech
		m.mu.Unlock()
		if seen && prev == tech {
			return
		}
		m.emit(Event{SlotID: slot, Kind: EventRatChanged, RadioTech: tech})
		if prev == pkg.RadioTechNR || tech == pkg.RadioTechNR {
			m.emit(Event{SlotID: slot, Kind: EventNrStateChanged, NrConnected: tech == pkg.RadioTechNR})
		}
	case "PowerState":
		ps, _ := v.Value().(uint32)
		power := pkg.RadioPowerUnavailable
		switch ps {
		case mmPowerOn:
			power = pkg.RadioPowerOn
		case mmPowerOff, 2:
			power = pkg.RadioPowerOff
		}
		m.emit(Event{SlotID: slot, Kind: EventRadioPowerChanged, RadioPower: power})
	case "Sim":
		path, _ := v.Value().(dbus.ObjectPath)
		m.handleSim(slot, path)
	}
}

func (m *ModemManager) handle3gppProperty(slot int, name string, v dbus.Variant) {
	if name != "RegistrationState" {
		return
	}
	reg, _ := v.Value().(uint32)
	roaming := mmRoamingStates[reg]
	m.mu.Lock()
	was, seen := m.roaming[slot]
	m.roaming[slot] = roaming
	m.mu.Unlock()
	if seen && was == roaming {
		return
	}
	kind := EventRoamingOff
	if roaming {
		kind = EventRoamingOn
	}
	m.emit(Event{SlotID: slot, Kind: kind})
}

func (m *ModemManager) handleSim(slot int, path dbus.ObjectPath) {
	if path == "" || path == "/" {
		m.emit(Event{SlotID: slot, Kind: EventSimStateChanged, SimState: pkg.SimStateNotPresent})
		return
	}
	sim := m.conn.Object(mmService, path)
	ev := Event{SlotID: slot, Kind: EventSimRecordsLoaded, SimState: pkg.SimStateLoaded}
	if v, err := sim.GetProperty(mmSimIface + ".OperatorIdentifier"); err == nil {
		ev.Numeric, _ = v.Value().(string)
	}
	if v, err := sim.GetProperty(mmSimIface + ".SimIdentifier"); err == nil {
		ev.ICCID, _ = v.Value().(string)
	}
	m.emit(Event{SlotID: slot, Kind: EventSimStateChanged, SimState: pkg.SimStateReady})
	m.emit(ev)
}

func connectProperties(req ActivateRequest) map[string]dbus.Variant {
	protocol := req.Profile.Protocol
	if req.IsRoaming && req.Profile.RoamingProtocol != "" {
		protocol = req.Profile.RoamingProtocol
	}
	props := map[string]dbus.Variant{
		"apn":           dbus.MakeVariant(req.Profile.Apn),
		"ip-type":       dbus.MakeVariant(ipFamily(protocol)),
		"allow-roaming": dbus.MakeVariant(req.AllowRoaming),
	}
	if auth := allowedAuth(req.Profile.AuthType); auth != 0 {
		props["allowed-auth"] = dbus.MakeVariant(auth)
	}
	if req.Profile.User != "" {
		props["user"] = dbus.MakeVariant(req.Profile.User)
		props["password"] = dbus.MakeVariant(req.Profile.Password)
	}
	return props
}

func ipFamily(protocol string) uint32 {
	switch strings.ToUpper(protocol) {
	case "IP", "IPV4":
		return mmIPFamilyV4
	case "IPV6":
		return mmIPFamilyV6
	default:
		return mmIPFamilyV4V6
	}
}

// allowedAuth maps the APN auth type (-1 none, 1 pap, 2 chap, 3 pap or chap)
func allowedAuth(authType int) uint32 {
	switch authType {
	case -1, 0:
		return mmAuthNone
	case 1:
		return mmAuthPAP
	case 2:
		return mmAuthCHAP
	case 3:
		return mmAuthPAP | mmAuthCHAP
	}
	return 0
}

func accessTechToRadioTech(bits uint32) pkg.RadioTech {
	switch {
	case bits&mmAccess5GNR != 0:
		return pkg.RadioTechNR
	case bits&mmAccessLTE != 0:
		return pkg.RadioTechLTE
	case bits&mmAccessHSPAPlus != 0:
		return pkg.RadioTechHSPAP
	case bits&(mmAccessHSPA|mmAccessHSDPA|mmAccessHSUPA) != 0:
		return pkg.RadioTechHSPA
	case bits&mmAccessUMTS != 0:
		return pkg.RadioTechWCDMA
	case bits&(mmAccessEVDO0|mmAccessEVDOA|mmAccessEVDOB) != 0:
		return pkg.RadioTechEVDO
	case bits&mmAccess1XRTT != 0:
		return pkg.RadioTech1XRTT
	case bits&(mmAccessGSM|mmAccessGSMCompact|mmAccessGPRS|mmAccessEDGE) != 0:
		return pkg.RadioTechGSM
	}
	return pkg.RadioTechUnknown
}

// dataCallFromBearer converts bearer Ip4Config/Ip6Config dictionaries
func dataCallFromBearer(ifname string, ip4, ip6 map[string]dbus.Variant) DataCall {
	call := DataCall{Ifname: ifname}
	var addrs, dns, gws []string
	for _, cfg := range []map[string]dbus.Variant{ip4, ip6} {
		if len(cfg) == 0 {
			continue
		}
		addr := variantString(cfg, "address")
		if addr == "" {
			continue
		}
		if prefix := variantUint(cfg, "prefix"); prefix > 0 {
			addr = fmt.Sprintf("%s/%d", addr, prefix)
		}
		addrs = append(addrs, addr)
		if gw := variantString(cfg, "gateway"); gw != "" {
			gws = append(gws, gw)
		}
		for _, key := range []string{"dns1", "dns2", "dns3"} {
			if d := variantString(cfg, key); d != "" && net.ParseIP(d) != nil {
				dns = append(dns, d)
			}
		}
		if mtu := variantUint(cfg, "mtu"); mtu > 0 && call.MTU == 0 {
			call.MTU = int(mtu)
		}
	}
	call.Addresses = strings.Join(addrs, " ")
	call.DNS = strings.Join(dns, " ")
	call.Gateway = strings.Join(gws, " ")
	switch {
	case len(ip4) > 0 && variantString(ip4, "address") != "" && len(ip6) > 0 && variantString(ip6, "address") != "":
		call.Type = "IPV4V6"
	case len(ip6) > 0 && variantString(ip6, "address") != "":
		call.Type = "IPV6"
	default:
		call.Type = "IP"
	}
	return call
}

func variantString(cfg map[string]dbus.Variant, key string) string {
	v, ok := cfg[key]
	if !ok {
		return ""
	}
	s, _ := v.Value().(string)
	return s
}

func variantUint(cfg map[string]dbus.Variant, key string) uint32 {
	v, ok := cfg[key]
	if !ok {
		return 0
	}
	n, _ := v.Value().(uint32)
	return n
}

// connectErrorCause maps a Simple.Connect D-Bus error onto a PDP cause
func connectErrorCause(err error) pkg.PdpCause {
	var name string
	switch derr := err.(type) {
	case dbus.Error:
		name = derr.Name
	case *dbus.Error:
		name = derr.Name
	default:
		return pkg.PdpCauseRadioRequestFailed
	}
	switch {
	case strings.HasSuffix(name, "MissingOrUnknownApn"):
		return pkg.PdpCauseMissingOrUnknownApn
	case strings.HasSuffix(name, "UserAuthenticationFailed"):
		return pkg.PdpCauseUserAuthentication
	case strings.HasSuffix(name, "ServiceOptionNotSubscribed"):
		return pkg.PdpCauseServiceOptionNotSubscribed
	case strings.HasSuffix(name, "ServiceOptionNotSupported"):
		return pkg.PdpCauseServiceOptionNotSupported
	case strings.HasSuffix(name, "ServiceOptionOutOfOrder"):
		return pkg.PdpCauseServiceOptionOutOfOrder
	case strings.HasSuffix(name, "UnknownPdpAddressOrType"):
		return pkg.PdpCauseUnknownPdpAddrOrType
	case strings.HasSuffix(name, "OperatorDeterminedBarring"):
		return pkg.PdpCauseOperatorBarring
	case strings.HasSuffix(name, "InsufficientResources"):
		return pkg.PdpCauseShortageResources
	}
	return pkg.PdpCauseUnknown
}
