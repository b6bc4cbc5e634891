package sim

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jake-scott/controlsd/internal/pkg/controls"
	"github.com/jake-scott/controlsd/internal/pkg/provider"
)

var lightsEntry = controls.ProviderEntry{
	ID:        "lights",
	Transport: "sim",
	Options:   map[string]string{"controls": "lamp:toggle:Desk lamp, porch:toggle", "keepalive": "0s"},
}

func next(t *testing.T, ch <-chan controls.StateUpdate) controls.StateUpdate {
	select {
	case u, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return u
	case <-time.After(time.Second):
		t.Fatal("no update")
	}
	return controls.StateUpdate{}
}

func TestLoadAndActions(t *testing.T) {
	d := NewDialer()
	h, err := d.Dial(context.Background(), lightsEntry, nil)
	require.NoError(t, err)
	defer h.Close()

	infos, err := h.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []controls.Info{
		{ID: "lamp", DisplayType: "toggle", Title: "Desk lamp"},
		{ID: "porch", DisplayType: "toggle"},
	}, infos)

	ch, err := h.Subscribe(context.Background(), []string{"lamp", "unknown"})
	require.NoError(t, err)

	first := next(t, ch)
	assert.Equal(t, "lamp", first.ControlID)
	assert.Equal(t, "OFF", first.State["status"])
	assert.NotZero(t, first.Sequence)

	ack, err := h.SendAction(context.Background(), "lamp", controls.Action{Command: "toggle"})
	require.NoError(t, err)
	require.True(t, ack.OK)
	require.NotNil(t, ack.Update)
	assert.Equal(t, "ON", ack.Update.State["status"])
	assert.Greater(t, ack.Update.Sequence, first.Sequence)

	pushed := next(t, ch)
	assert.Equal(t, ack.Update.Sequence, pushed.Sequence)

	ack, err = h.SendAction(context.Background(), "lamp", controls.Action{Command: "explode"})
	require.NoError(t, err)
	assert.False(t, ack.OK)
	assert.Contains(t, ack.Reason, "unsupported")

	ack, err = h.SendAction(context.Background(), "nope", controls.Action{Command: "on"})
	require.NoError(t, err)
	assert.False(t, ack.OK)

	// porch is not subscribed
	p, err := d.Provider(lightsEntry)
	require.NoError(t, err)
	require.NoError(t, p.Set("porch", controls.StateBlob{"status": "ON"}))
	select {
	case u := <-ch:
		t.Fatalf("unexpected update %+v", u)
	case <-time.After(time.Millisecond * 20):
	}

	require.NoError(t, h.Unsubscribe(context.Background()))
	_, ok := <-ch
	assert.False(t, ok)
}

func TestStateSurvivesReconnect(t *testing.T) {
	d := NewDialer()
	h, err := d.Dial(context.Background(), lightsEntry, nil)
	require.NoError(t, err)

	_, err = h.SendAction(context.Background(), "lamp", controls.Action{Command: "on"})
	require.NoError(t, err)
	require.NoError(t, h.Close())

	_, err = h.SendAction(context.Background(), "lamp", controls.Action{Command: "off"})
	assert.True(t, errors.Is(err, controls.ErrProviderDisconnected))

	h, err = d.Dial(context.Background(), lightsEntry, nil)
	require.NoError(t, err)
	defer h.Close()

	ch, err := h.Subscribe(context.Background(), []string{"lamp"})
	require.NoError(t, err)
	assert.Equal(t, "ON", next(t, ch).State["status"])
}

func TestSetParams(t *testing.T) {
	p := New("climate", Device{Info: controls.Info{ID: "heat", DisplayType: "thermostat"}})
	h, err := p.Connect(context.Background(), nil)
	require.NoError(t, err)
	defer h.Close()

	ack, err := h.SendAction(context.Background(), "heat", controls.Action{Command: "set", Params: map[string]interface{}{"value": 22.5}})
	require.NoError(t, err)
	require.True(t, ack.OK)
	assert.Equal(t, 22.5, ack.Update.State["value"])

	ack, err = h.SendAction(context.Background(), "heat", controls.Action{Command: "set"})
	require.NoError(t, err)
	assert.False(t, ack.OK)
}

func TestRefuse(t *testing.T) {
	entry := controls.ProviderEntry{ID: "grumpy", Transport: "sim", Options: map[string]string{"refuse": "true"}}
	_, err := NewDialer().Dial(context.Background(), entry, nil)
	assert.True(t, errors.Is(err, controls.ErrBindRefused))

	entry.Options["refuse"] = "perhaps"
	_, err = FromEntry(entry)
	assert.Error(t, err)
}

func TestLatencyHonoursContext(t *testing.T) {
	entry := controls.ProviderEntry{ID: "slow", Transport: "sim", Options: map[string]string{"latency": "1s"}}

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*20)
	defer cancel()

	_, err := NewDialer().Dial(ctx, entry, nil)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestCrash(t *testing.T) {
	var lost string
	l := provider.ListenerFunc(func(providerID string, err error) {
		lost = providerID
	})

	d := NewDialer()
	h, err := d.Dial(context.Background(), lightsEntry, l)
	require.NoError(t, err)
	ch, err := h.Subscribe(context.Background(), []string{"lamp"})
	require.NoError(t, err)
	next(t, ch)

	p, _ := d.Provider(lightsEntry)
	p.Crash()

	assert.Equal(t, "lights", lost)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestKeepAlive(t *testing.T) {
	p := New("lights", Device{Info: controls.Info{ID: "lamp", DisplayType: "toggle"}})
	p.keepAlive = time.Millisecond * 10

	h, err := p.Connect(context.Background(), nil)
	require.NoError(t, err)
	defer h.Close()

	ch, err := h.Subscribe(context.Background(), []string{"lamp"})
	require.NoError(t, err)
	next(t, ch)

	assert.True(t, next(t, ch).KeepAlive())
}
