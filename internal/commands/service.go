// Package commands implements the named command surface of tradfrid and the
// HTTP and MQTT transports that dispatch to it.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/tradfrid/internal/gateway"
	"github.com/dokzlo13/tradfrid/internal/ledger"
	"github.com/dokzlo13/tradfrid/internal/lifecycle"
	"github.com/dokzlo13/tradfrid/internal/topology"
)

// Command names.
const (
	CmdGenerateAppSecret   = "generateAppSecret"
	CmdCollectInformation  = "collectInformation"
	CmdCollectBatteryPower = "collectBatteryPower"
	CmdReboot              = "reboot"
	CmdReconnect           = "reconnect"
	CmdSetLight            = "setLight"
	CmdSetOutlet           = "setOutlet"
	CmdSetGroup            = "setGroup"
	CmdGetGatewayInfo      = "getGatewayInfo"
	CmdGetHistory          = "getHistory"
)

const (
	maxBrightness = 10
	maxDimmer     = 254

	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// Lifecycle is the part of the connection manager commands use.
type Lifecycle interface {
	Session() *lifecycle.Session
	Config() lifecycle.Config
	State() lifecycle.State
	Reconnect(ctx context.Context) error
	Refresh(ctx context.Context) (*topology.Snapshot, error)
	Detach(reason string)
}

// History reads the audit ledger.
type History interface {
	GetBySubject(subject string, limit int) ([]*ledger.Entry, error)
	GetByType(eventType ledger.EventType, limit int) ([]*ledger.Entry, error)
}

// Service holds the command handlers.
type Service struct {
	lc      Lifecycle
	factory gateway.Factory
	limiter *rate.Limiter
	history History
}

// NewService creates the command handlers. Device commands are throttled to
// rps requests per second; rps <= 0 disables throttling. history may be nil.
func NewService(lc Lifecycle, factory gateway.Factory, rps float64, history History) *Service {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return &Service{lc: lc, factory: factory, limiter: limiter, history: history}
}

// Register adds every command to the registry.
func (s *Service) Register(r *Registry) error {
	handlers := map[string]Handler{
		CmdGenerateAppSecret:   s.generateAppSecret,
		CmdCollectInformation:  s.collectInformation,
		CmdCollectBatteryPower: s.collectBatteryPower,
		CmdReboot:              s.reboot,
		CmdReconnect:           s.reconnect,
		CmdSetLight:            s.setLight,
		CmdSetOutlet:           s.setOutlet,
		CmdSetGroup:            s.setGroup,
		CmdGetGatewayInfo:      s.getGatewayInfo,
	}
	if s.history != nil {
		handlers[CmdGetHistory] = s.getHistory
	}

	for name, h := range handlers {
		if err := r.Register(name, h); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) session() (*lifecycle.Session, error) {
	session := s.lc.Session()
	if session == nil {
		return nil, lifecycle.ErrNotAttached
	}
	return session, nil
}

// throttle waits for the device command limiter.
func (s *Service) throttle(ctx context.Context) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("command throttled: %w", err)
	}
	return nil
}

// --- generateAppSecret ---

type generateAppSecretRequest struct {
	GatewaySecret string `json:"gatewaySecret"`
}

// GenerateAppSecretResponse carries the new application secret.
type GenerateAppSecretResponse struct {
	Status
	AppSecret string `json:"appSecret,omitempty"`
}

// generateAppSecret uses a transient client, independent of the attached
// session, bound to the configured gateway.
func (s *Service) generateAppSecret(ctx context.Context, payload json.RawMessage) Reply {
	var req generateAppSecretRequest
	if err := decode(payload, &req); err != nil {
		return Fail(err)
	}
	if req.GatewaySecret == "" {
		return Fail(fmt.Errorf("%w: gatewaySecret is required", ErrInvalidRequest))
	}

	cfg := s.lc.Config()
	if cfg.GatewayName == "" || cfg.Address == "" || cfg.Identity() == "" {
		return Fail(errors.New("gateway name, address and module identity must be configured"))
	}

	client := s.factory(cfg.GatewayName, cfg.Address)
	defer client.Close()

	secret, err := client.GenerateSecret(ctx, req.GatewaySecret, cfg.Identity())
	if err != nil {
		return Fail(fmt.Errorf("failed to generate app secret: %w", err))
	}

	log.Info().Int("length", len(secret)).Msg("Application secret generated")
	return GenerateAppSecretResponse{Status: OK(), AppSecret: secret}
}

// --- collectInformation ---

type collectInformationRequest struct {
	Filter  string `json:"filter"`
	Refresh bool   `json:"refresh"`
}

// GroupView is a group with its devices as an ordered list.
type GroupView struct {
	ID         int64              `json:"id"`
	Name       string             `json:"name"`
	LightState int64              `json:"lightState"`
	ActiveMood int64              `json:"activeMood"`
	Devices    []*topology.Device `json:"devices"`
}

// CollectInformationResponse lists the matching groups.
type CollectInformationResponse struct {
	Status
	Groups []GroupView `json:"groups"`
}

func (s *Service) collectInformation(ctx context.Context, payload json.RawMessage) Reply {
	var req collectInformationRequest
	if err := decode(payload, &req); err != nil {
		return Fail(err)
	}

	session, err := s.session()
	if err != nil {
		return Fail(err)
	}

	snapshot := session.Topology.Snapshot()
	if req.Refresh {
		snapshot, err = s.lc.Refresh(ctx)
		if err != nil {
			return Fail(fmt.Errorf("topology refresh failed: %w", err))
		}
	}

	groups := snapshot.Filter(req.Filter)
	resp := CollectInformationResponse{Status: OK(), Groups: make([]GroupView, 0, len(groups))}
	for _, g := range groups {
		resp.Groups = append(resp.Groups, GroupView{
			ID:         g.ID,
			Name:       g.Name,
			LightState: g.LightState,
			ActiveMood: g.ActiveMood,
			Devices:    g.DeviceList(),
		})
	}
	return resp
}

// --- collectBatteryPower ---

type collectBatteryPowerRequest struct {
	All bool `json:"all"`
}

// DevicesResponse lists devices.
type DevicesResponse struct {
	Status
	Devices []*topology.Device `json:"devices"`
}

// collectBatteryPower reads devices straight from the gateway, bypassing the
// cache. Unless all is set, battery powered devices are left out.
func (s *Service) collectBatteryPower(ctx context.Context, payload json.RawMessage) Reply {
	var req collectBatteryPowerRequest
	if err := decode(payload, &req); err != nil {
		return Fail(err)
	}

	session, err := s.session()
	if err != nil {
		return Fail(err)
	}

	devices, err := session.Client.Devices(ctx)
	if err != nil {
		return Fail(fmt.Errorf("failed to list devices: %w", err))
	}

	resp := DevicesResponse{Status: OK(), Devices: make([]*topology.Device, 0, len(devices))}
	for i := range devices {
		if !req.All && devices[i].Info.PowerSource.IsBattery() {
			continue
		}
		resp.Devices = append(resp.Devices, topology.FromGateway(&devices[i]))
	}
	sort.Slice(resp.Devices, func(i, j int) bool { return resp.Devices[i].ID < resp.Devices[j].ID })
	return resp
}

// --- reboot / reconnect ---

func (s *Service) reboot(ctx context.Context, payload json.RawMessage) Reply {
	session, err := s.session()
	if err != nil {
		return Fail(err)
	}
	if err := s.throttle(ctx); err != nil {
		return Fail(err)
	}

	if err := session.Client.Reboot(ctx); err != nil {
		return Fail(fmt.Errorf("reboot failed: %w", err))
	}

	s.lc.Detach("reboot")
	return OK()
}

// ConnectionResponse reports the connection state after a reconnect.
type ConnectionResponse struct {
	Status
	State      string `json:"state"`
	Generation uint64 `json:"generation,omitempty"`
}

func (s *Service) reconnect(ctx context.Context, payload json.RawMessage) Reply {
	err := s.lc.Reconnect(ctx)
	switch {
	case errors.Is(err, lifecycle.ErrAttachInProgress):
		// Folded into the running attempt
		return ConnectionResponse{Status: OK(), State: lifecycle.Attaching.String()}
	case err != nil:
		return ConnectionResponse{Status: Fail(err), State: s.lc.State().String()}
	}

	resp := ConnectionResponse{Status: OK(), State: s.lc.State().String()}
	if session := s.lc.Session(); session != nil {
		resp.Generation = session.Generation
	}
	return resp
}

// --- setLight / setOutlet / setGroup ---

type setLightRequest struct {
	ID         int64   `json:"id"`
	Color      *string `json:"color"`
	Brightness *int    `json:"brightness"`
	State      *bool   `json:"state"`
}

type setOutletRequest struct {
	ID    int64 `json:"id"`
	State *bool `json:"state"`
}

type setGroupRequest struct {
	ID         int64 `json:"id"`
	Brightness *int  `json:"brightness"`
	State      *bool `json:"state"`
}

// ScaleBrightness converts a 0-10 brightness to the gateway's 0-254 dimmer.
func ScaleBrightness(v int) (int, error) {
	if v < 0 || v > maxBrightness {
		return 0, fmt.Errorf("%w: brightness must be between 0 and %d", ErrInvalidRequest, maxBrightness)
	}
	return v * 10 * maxDimmer / 100, nil
}

// device fetches a device and checks its kind.
func (s *Service) device(ctx context.Context, session *lifecycle.Session, id int64, kind gateway.DeviceKind) (*gateway.Device, error) {
	if id == 0 {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidRequest)
	}
	d, err := session.Client.Device(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Kind != kind {
		return nil, fmt.Errorf("%w: device %d is a %s, not a %s", ErrNotFound, id, d.Kind, kind)
	}
	return d, nil
}

func (s *Service) setLight(ctx context.Context, payload json.RawMessage) Reply {
	var req setLightRequest
	if err := decode(payload, &req); err != nil {
		return Fail(err)
	}

	session, err := s.session()
	if err != nil {
		return Fail(err)
	}

	var update gateway.LightUpdate
	if req.Brightness != nil {
		dimmer, err := ScaleBrightness(*req.Brightness)
		if err != nil {
			return Fail(err)
		}
		update.Dimmer = &dimmer
	}
	if req.Color != nil {
		hex, err := ResolveColor(*req.Color, session.Config.RawHexColors)
		if err != nil {
			return Fail(err)
		}
		update.ColorHex = &hex
	}
	update.On = req.State

	if err := s.throttle(ctx); err != nil {
		return Fail(err)
	}
	if _, err := s.device(ctx, session, req.ID, gateway.KindLight); err != nil {
		return Fail(err)
	}
	if update.On == nil && update.Dimmer == nil && update.ColorHex == nil {
		return OK()
	}

	if err := session.Client.SetLight(ctx, req.ID, update); err != nil {
		return Fail(fmt.Errorf("failed to set light %d: %w", req.ID, err))
	}
	return OK()
}

func (s *Service) setOutlet(ctx context.Context, payload json.RawMessage) Reply {
	var req setOutletRequest
	if err := decode(payload, &req); err != nil {
		return Fail(err)
	}

	session, err := s.session()
	if err != nil {
		return Fail(err)
	}
	if err := s.throttle(ctx); err != nil {
		return Fail(err)
	}
	if _, err := s.device(ctx, session, req.ID, gateway.KindOutlet); err != nil {
		return Fail(err)
	}
	if req.State == nil {
		return OK()
	}

	if err := session.Client.SetOutlet(ctx, req.ID, *req.State); err != nil {
		return Fail(fmt.Errorf("failed to set outlet %d: %w", req.ID, err))
	}
	return OK()
}

func (s *Service) setGroup(ctx context.Context, payload json.RawMessage) Reply {
	var req setGroupRequest
	if err := decode(payload, &req); err != nil {
		return Fail(err)
	}

	session, err := s.session()
	if err != nil {
		return Fail(err)
	}

	var update gateway.GroupUpdate
	if req.Brightness != nil {
		dimmer, err := ScaleBrightness(*req.Brightness)
		if err != nil {
			return Fail(err)
		}
		update.Dimmer = &dimmer
	}
	update.On = req.State

	if _, ok := session.Topology.Snapshot().Group(req.ID); !ok {
		return Fail(fmt.Errorf("%w: group %d", ErrNotFound, req.ID))
	}
	if err := s.throttle(ctx); err != nil {
		return Fail(err)
	}
	if update.On == nil && update.Dimmer == nil {
		return OK()
	}

	if err := session.Client.SetGroup(ctx, req.ID, update); err != nil {
		return Fail(fmt.Errorf("failed to set group %d: %w", req.ID, err))
	}
	return OK()
}

// --- getGatewayInfo ---

// GatewayInfoResponse is the gateway metadata.
type GatewayInfoResponse struct {
	Status
	CommissioningMode     int64  `json:"commissioningMode"`
	CurrentTimeISO8601    string `json:"currentTimeISO8601"`
	Firmware              string `json:"firmware"`
	GatewayID             string `json:"gatewayID"`
	GatewayTimeSource     int64  `json:"gatewayTimeSource"`
	GatewayUpdateProgress int64  `json:"gatewayUpdateProgress"`
	HomekitID             string `json:"homekitID"`
	NTP                   string `json:"ntp"`
	OTAType               int64  `json:"otaType"`
	OTAUpdateState        int64  `json:"otaUpdateState"`
}

func (s *Service) getGatewayInfo(ctx context.Context, payload json.RawMessage) Reply {
	session, err := s.session()
	if err != nil {
		return Fail(err)
	}

	info, err := session.Client.Info(ctx)
	if err != nil {
		return Fail(fmt.Errorf("failed to query gateway info: %w", err))
	}

	return GatewayInfoResponse{
		Status:                OK(),
		CommissioningMode:     info.CommissioningMode,
		CurrentTimeISO8601:    info.CurrentTimeISO8601,
		Firmware:              info.Firmware,
		GatewayID:             info.GatewayID,
		GatewayTimeSource:     info.GatewayTimeSource,
		GatewayUpdateProgress: info.GatewayUpdateProgress,
		HomekitID:             info.HomekitID,
		NTP:                   info.NTP,
		OTAType:               info.OTAType,
		OTAUpdateState:        info.OTAUpdateState,
	}
}

// --- getHistory ---

type getHistoryRequest struct {
	Subject   string `json:"subject"`
	EventType string `json:"eventType"`
	Limit     int    `json:"limit"`
}

// HistoryResponse lists ledger entries, newest first.
type HistoryResponse struct {
	Status
	Entries []*ledger.Entry `json:"entries"`
}

// getHistory returns audit entries for one subject (device or group id) or
// of one event type.
func (s *Service) getHistory(ctx context.Context, payload json.RawMessage) Reply {
	var req getHistoryRequest
	if err := decode(payload, &req); err != nil {
		return Fail(err)
	}
	if (req.Subject == "") == (req.EventType == "") {
		return Fail(fmt.Errorf("%w: exactly one of subject or eventType is required", ErrInvalidRequest))
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	var entries []*ledger.Entry
	var err error
	if req.Subject != "" {
		entries, err = s.history.GetBySubject(req.Subject, limit)
	} else {
		entries, err = s.history.GetByType(ledger.EventType(req.EventType), limit)
	}
	if err != nil {
		return Fail(fmt.Errorf("failed to read history: %w", err))
	}
	if entries == nil {
		entries = []*ledger.Entry{}
	}
	return HistoryResponse{Status: OK(), Entries: entries}
}
