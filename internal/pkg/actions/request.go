package actions

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/jake-scott/controlsd/internal/pkg/controls"
)

// RequestState is the lifecycle state of an action request
type RequestState int

const (
	StatePending RequestState = iota
	StateAwaitingConfirmation
	StateSentToProvider
	StateSucceeded
	StateTimedOut
	StateFailed
	StateCancelled
)

var requestStateNames = []string{
	"pending",
	"awaitingConfirmation",
	"sentToProvider",
	"succeeded",
	"timedOut",
	"failed",
	"cancelled",
}

func (s RequestState) String() string {
	if int(s) < 0 || int(s) >= len(requestStateNames) {
		return "unknown"
	}

	return requestStateNames[s]
}

func (s RequestState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *RequestState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}

	for i, val := range requestStateNames {
		if val == name {
			*s = RequestState(i)
			return nil
		}
	}

	return errors.Errorf("unknown request state %q", name)
}

// Terminal reports whether no further transitions are possible
func (s RequestState) Terminal() bool {
	return s >= StateSucceeded
}

// Request is a snapshot of one action request
type Request struct {
	ID          string              `json:"id"`
	ControlID   string              `json:"control_id"`
	ProviderID  string              `json:"provider_id"`
	Kind        controls.ActionKind `json:"kind"`
	Command     string              `json:"command"`
	SubmittedAt time.Time           `json:"submitted_at"`
	FinishedAt  time.Time           `json:"finished_at,omitempty"`
	State       RequestState        `json:"state"`
	Error       string              `json:"error,omitempty"`
}

// Config holds the coordinator's timeouts
type Config struct {
	// Timeout bounds the wait for a provider's ack once an action is sent
	Timeout time.Duration

	// ConfirmWindow is how long a confirmRequired action waits for confirmation
	ConfirmWindow time.Duration

	// History is the number of finished requests kept for lookups
	History int
}

func init() {
	viper.SetDefault("actions.timeout", time.Second*10)
	viper.SetDefault("actions.confirm-window", time.Second*5)
	viper.SetDefault("actions.history", 256)
}

func DefaultConfig() Config {
	return Config{
		Timeout:       time.Second * 10,
		ConfirmWindow: time.Second * 5,
		History:       256,
	}
}

// ConfigFromViper reads the actions.* keys
func ConfigFromViper(v *viper.Viper) Config {
	return Config{
		Timeout:       v.GetDuration("actions.timeout"),
		ConfirmWindow: v.GetDuration("actions.confirm-window"),
		History:       v.GetInt("actions.history"),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.ConfirmWindow <= 0 {
		c.ConfirmWindow = d.ConfirmWindow
	}
	if c.History <= 0 {
		c.History = d.History
	}

	return c
}
