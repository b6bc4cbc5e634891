// Package nest exposes Google Nest thermostats, reached through the Smart
// Device Management API, as a control provider.  State changes arrive on a
// Google Cloud pub/sub subscription which the handle pulls while subscribed.
package nest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"golang.org/x/oauth2"

	"github.com/jake-scott/controlsd/internal/pkg/controls"
	"github.com/jake-scott/controlsd/internal/pkg/logging"
	"github.com/jake-scott/controlsd/internal/pkg/provider"
	"github.com/jake-scott/controlsd/internal/pkg/pubsubapi"
	"github.com/jake-scott/controlsd/internal/pkg/sdmapi"
)

var googleEndpoint = oauth2.Endpoint{
	AuthURL:  "https://accounts.google.com/o/oauth2/auth",
	TokenURL: "https://oauth2.googleapis.com/token",
}

const pullRetryDelay = time.Second * 5

func init() {
	viper.SetDefault("nest.api-timeout", time.Second*15)
	viper.SetDefault("nest.pubsub.max-message-age", time.Second*1200)
}

type Config struct {
	Project      string
	ClientID     string
	ClientSecret string
	RefreshToken string
	APITimeout   time.Duration

	PubSubProject      string
	PubSubSubscription string
	PubSubCredsFile    string
	MaxMessageAge      time.Duration
	LogMessages        bool
}

func ConfigFromViper(v *viper.Viper) Config {
	return Config{
		Project:            v.GetString("nest.project"),
		ClientID:           v.GetString("nest.client-id"),
		ClientSecret:       v.GetString("nest.client-secret"),
		RefreshToken:       v.GetString("nest.refresh-token"),
		APITimeout:         v.GetDuration("nest.api-timeout"),
		PubSubProject:      v.GetString("nest.pubsub.project-id"),
		PubSubSubscription: v.GetString("nest.pubsub.subscription-id"),
		PubSubCredsFile:    v.GetString("nest.pubsub.creds-file"),
		MaxMessageAge:      v.GetDuration("nest.pubsub.max-message-age"),
		LogMessages:        v.GetBool("logging.log-messages"),
	}
}

// Dialer connects to the Nest provider.  All handles share the API clients.
type Dialer struct {
	sdm    sdmapi.SmartDeviceManagement
	pubsub pubsubapi.PubSub
}

// NewDialer builds the live API clients.  Without a pub/sub subscription the
// provider still works, but only learns state when it is asked.
func NewDialer(cfg Config) (*Dialer, error) {
	if cfg.Project == "" {
		return nil, errors.New("nest: no Device Access project configured")
	}
	if cfg.RefreshToken == "" {
		return nil, errors.New("nest: no refresh token configured")
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     googleEndpoint,
	}
	tokens := oauthCfg.TokenSource(context.Background(), &oauth2.Token{RefreshToken: cfg.RefreshToken})

	d := &Dialer{
		sdm: sdmapi.NewLiveClient(cfg.Project, oauth2.ReuseTokenSource(nil, tokens)).WithTimeout(cfg.APITimeout),
	}

	if cfg.PubSubSubscription != "" {
		ps := pubsubapi.NewLiveClient(cfg.Project, cfg.PubSubProject, cfg.PubSubSubscription).
			WithServiceAccountCreds(cfg.PubSubCredsFile).
			WithMaxMessageAge(cfg.MaxMessageAge).
			WithTimeout(cfg.APITimeout)
		if cfg.LogMessages {
			ps = ps.WithLogMessages()
		}
		d.pubsub = ps
	}

	return d, nil
}

// NewDialerWith uses the given API clients; pubsub may be nil
func NewDialerWith(sdm sdmapi.SmartDeviceManagement, pubsub pubsubapi.PubSub) *Dialer {
	return &Dialer{sdm: sdm, pubsub: pubsub}
}

// Dial lists the thermostats to prove the credentials work.  Credentials the
// API turns down are a refusal.
func (d *Dialer) Dial(ctx context.Context, entry controls.ProviderEntry, l provider.Listener) (provider.Handle, error) {
	devices, err := d.sdm.Devices(ctx)
	if err != nil {
		if sdmapi.Unauthorized(err) {
			return nil, errors.Wrapf(controls.ErrBindRefused, "provider %s: %v", entry.ID, err)
		}
		return nil, errors.Wrapf(err, "provider %s", entry.ID)
	}

	h := &Handle{
		d:          d,
		providerID: entry.ID,
		devices:    make(map[string]*sdmapi.Device, len(devices)),
		seen:       make(map[string]time.Time, len(devices)),
	}
	for i := range devices {
		dev := devices[i]
		h.devices[dev.ID] = &dev
		h.order = append(h.order, dev.ID)
	}
	sort.Strings(h.order)

	logging.Logger(logging.WithProvider(ctx, entry.ID)).Infof("found %d Nest devices", len(devices))
	return h, nil
}

// Handle is a session with the Nest provider.  The API is stateless, so a
// handle never reports a disconnect; an API outage shows up as failed
// subscription renewals instead.
type Handle struct {
	d          *Dialer
	providerID string

	mu      sync.Mutex
	devices map[string]*sdmapi.Device
	seen    map[string]time.Time
	order   []string
	sub     *pullLoop
	closed  bool
}

func (h *Handle) Load(ctx context.Context) ([]controls.Info, error) {
	devices, err := h.d.sdm.Devices(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "loading Nest devices")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.order = h.order[:0]
	for i := range devices {
		dev := devices[i]
		h.devices[dev.ID] = &dev
		h.order = append(h.order, dev.ID)
	}
	sort.Strings(h.order)

	infos := make([]controls.Info, 0, len(h.order))
	for _, id := range h.order {
		infos = append(infos, controls.Info{
			ID:          id,
			Title:       h.devices[id].Title(),
			DisplayType: "thermostat",
		})
	}

	return infos, nil
}

// Subscribe fetches the current state of each control and then follows the
// pub/sub stream.  Sequences are event timestamps in nanoseconds.
func (h *Handle) Subscribe(ctx context.Context, controlIDs []string) (<-chan controls.StateUpdate, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, controls.ErrProviderDisconnected
	}
	old := h.sub
	h.sub = nil
	h.mu.Unlock()

	if old != nil {
		old.stop()
	}

	ch := make(chan controls.StateUpdate, 64+len(controlIDs))
	ids := make(map[string]struct{}, len(controlIDs))

	for _, id := range controlIDs {
		dev, err := h.d.sdm.GetDevice(ctx, id)
		if err != nil {
			if sdmapi.Rejected(err) {
				logging.Logger(ctx).WithError(err).Warnf("not subscribing to unknown device %s", id)
				continue
			}
			return nil, errors.Wrap(err, "fetching initial device state")
		}

		ids[id] = struct{}{}
		ch <- h.remember(dev, time.Now())
	}

	loop := &pullLoop{
		h:    h,
		ch:   ch,
		ids:  ids,
		done: make(chan struct{}),
	}
	var loopCtx context.Context
	loopCtx, loop.cancel = context.WithCancel(logging.WithProvider(context.Background(), h.providerID))

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		loop.cancel()
		close(ch)
		return nil, controls.ErrProviderDisconnected
	}
	h.sub = loop
	h.mu.Unlock()

	go loop.run(loopCtx)

	return ch, nil
}

func (h *Handle) Unsubscribe(ctx context.Context) error {
	h.mu.Lock()
	loop := h.sub
	h.sub = nil
	h.mu.Unlock()

	if loop != nil {
		loop.stop()
	}

	return nil
}

// SendAction runs the SDM commands for the action and reads back the device
func (h *Handle) SendAction(ctx context.Context, controlID string, action controls.Action) (controls.Ack, error) {
	cmds, err := sdmapi.ActionCommands(action)
	if err != nil {
		return controls.Ack{Reason: err.Error()}, nil
	}

	for _, cmd := range cmds {
		if err := h.d.sdm.SendCommand(ctx, controlID, cmd); err != nil {
			if sdmapi.Rejected(err) {
				return controls.Ack{Reason: err.Error()}, nil
			}
			return controls.Ack{}, err
		}
	}

	dev, err := h.d.sdm.GetDevice(ctx, controlID)
	if err != nil {
		logging.Logger(ctx).WithError(err).Warn("reading back device after command")
		return controls.Ack{OK: true}, nil
	}

	u := h.remember(dev, time.Now())
	return controls.Ack{OK: true, Update: &u}, nil
}

func (h *Handle) Close() error {
	h.mu.Lock()
	h.closed = true
	loop := h.sub
	h.sub = nil
	h.mu.Unlock()

	if loop != nil {
		loop.stop()
	}

	return nil
}

// remember caches a freshly read device and returns its state
func (h *Handle) remember(dev *sdmapi.Device, at time.Time) controls.StateUpdate {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.devices[dev.ID] = dev
	h.seen[dev.ID] = at

	return controls.StateUpdate{
		ControlID:  dev.ID,
		ProviderID: h.providerID,
		Sequence:   uint64(at.UnixNano()),
		State:      dev.Traits.State(),
		Timestamp:  at,
	}
}

// apply merges a partial pub/sub update into the cached device.  Events older
// than what we last read are dropped.
func (h *Handle) apply(event pubsubapi.SdmEvent) (controls.StateUpdate, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	dev, ok := h.devices[event.DeviceID]
	if !ok || !event.Timestamp.After(h.seen[event.DeviceID]) {
		return controls.StateUpdate{}, false
	}
	dev.Traits.Merge(event.Traits)
	h.seen[event.DeviceID] = event.Timestamp

	return controls.StateUpdate{
		ControlID:  dev.ID,
		ProviderID: h.providerID,
		Sequence:   uint64(event.Timestamp.UnixNano()),
		State:      dev.Traits.State(),
		Timestamp:  event.Timestamp,
	}, true
}

// pullLoop follows the pub/sub subscription for one Subscribe call
type pullLoop struct {
	h      *Handle
	ch     chan controls.StateUpdate
	ids    map[string]struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

func (l *pullLoop) stop() {
	l.cancel()
	<-l.done
}

func (l *pullLoop) run(ctx context.Context) {
	defer close(l.done)
	defer close(l.ch)

	// without pub/sub the subscription goes quiet, and each renewal
	// re-reads the devices
	ps := l.h.d.pubsub
	if ps == nil {
		<-ctx.Done()
		return
	}

	for {
		events, err := ps.Pull(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logging.Logger(ctx).WithError(err).Errorf("pulling subscription messages, sleeping %s", pullRetryDelay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pullRetryDelay):
			}
			continue
		}

		// a quiet pull still proves the stream is alive
		if len(events) == 0 {
			l.send(ctx, controls.StateUpdate{Timestamp: time.Now()})
			continue
		}

		ackIDs := make([]string, 0, len(events))
		for _, event := range events {
			ackIDs = append(ackIDs, event.AckID)

			u, ok := l.h.apply(event)
			if !ok {
				continue
			}
			if _, wanted := l.ids[u.ControlID]; wanted {
				l.send(ctx, u)
			}
		}

		if err := ps.AckMessages(ctx, ackIDs); err != nil {
			logging.Logger(ctx).WithError(err).Warnf("acknowledging %d events", len(ackIDs))
		}
	}
}

func (l *pullLoop) send(ctx context.Context, u controls.StateUpdate) {
	select {
	case l.ch <- u:
	case <-ctx.Done():
	}
}
