package controls

import (
	"encoding/json"
	"time"
)

/*
 *  Types shared by the binding manager, state cache and action coordinator
 */

// StateBlob is the provider-defined state of a control, eg. {"status": "ON"}.
// A nil StateBlob means the state is not known yet.
type StateBlob map[string]interface{}

// Clone returns a shallow copy of the blob
func (s StateBlob) Clone() StateBlob {
	if s == nil {
		return nil
	}

	c := make(StateBlob, len(s))
	for k, v := range s {
		c[k] = v
	}

	return c
}

// Control is the cached view of one remotely implemented control
type Control struct {
	ID          string    `json:"id"`
	ProviderID  string    `json:"provider_id"`
	Title       string    `json:"title,omitempty"`
	DisplayType string    `json:"display_type,omitempty"`
	Favorite    bool      `json:"favorite"`
	State       StateBlob `json:"state"`
	Pending     StateBlob `json:"pending,omitempty"`
	Sequence    uint64    `json:"sequence"`
	LastUpdated time.Time `json:"last_updated,omitempty"`
	Stale       bool      `json:"stale"`
}

// Known reports whether a provider has ever reported a state for the control
func (c Control) Known() bool {
	return c.State != nil
}

// Displayed is the state that presentation should show: the optimistic
// overlay while an action is in flight, otherwise the last confirmed state
func (c Control) Displayed() StateBlob {
	if c.Pending != nil {
		return c.Pending
	}

	return c.State
}

// Info describes a control as reported by a provider's load()
type Info struct {
	ID          string `json:"id"`
	Title       string `json:"title,omitempty"`
	DisplayType string `json:"display_type,omitempty"`
}

// StateUpdate is one pushed or acknowledged state for a control.  An update
// with an empty ControlID is a subscription keep-alive and carries no state.
type StateUpdate struct {
	ControlID  string    `json:"control_id"`
	ProviderID string    `json:"provider_id,omitempty"`
	Sequence   uint64    `json:"sequence"`
	State      StateBlob `json:"state"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
}

// KeepAlive reports whether the update only refreshes the subscription
func (u StateUpdate) KeepAlive() bool {
	return u.ControlID == ""
}

// ActionKind selects how the action coordinator handles a request
type ActionKind int

const (
	ActionImmediate ActionKind = iota
	ActionRangeAdjust
	ActionConfirmRequired
)

var actionKindNames = []string{
	"immediate",
	"rangeAdjust",
	"confirmRequired",
}

func (k ActionKind) String() string {
	if int(k) < 0 || int(k) >= len(actionKindNames) {
		return "unknown"
	}

	return actionKindNames[k]
}

// ParseActionKind converts a kind name to its value
func ParseActionKind(name string) (ActionKind, bool) {
	for i, val := range actionKindNames {
		if val == name {
			return ActionKind(i), true
		}
	}

	return ActionImmediate, false
}

func (k ActionKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *ActionKind) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}

	kind, ok := ParseActionKind(name)
	if !ok {
		return ErrUnknownActionKind
	}

	*k = kind
	return nil
}

// Action is a user initiated command against a control
type Action struct {
	Kind    ActionKind             `json:"kind"`
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`

	// Optimistic is shown by presentation until the provider answers
	Optimistic StateBlob `json:"optimistic,omitempty"`
}

// Ack is a provider's answer to an action.  A nack has OK false and a reason.
type Ack struct {
	OK     bool         `json:"ok"`
	Reason string       `json:"reason,omitempty"`
	Update *StateUpdate `json:"update,omitempty"`
}

// Favorite is one persisted favorites entry, in display order
type Favorite struct {
	ControlID   string `json:"control_id" yaml:"control_id"`
	ProviderID  string `json:"provider_id" yaml:"provider_id"`
	Title       string `json:"title,omitempty" yaml:"title,omitempty"`
	DisplayType string `json:"display_type,omitempty" yaml:"display_type,omitempty"`
}

// ProviderEntry is the listing collaborator's description of a provider
type ProviderEntry struct {
	ID              string            `json:"id" yaml:"id"`
	PackageIdentity string            `json:"package" yaml:"package"`
	Transport       string            `json:"transport" yaml:"transport"`
	Address         string            `json:"address,omitempty" yaml:"address,omitempty"`
	Options         map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
}
