package binding

import (
	"encoding/json"
	"time"

	"github.com/spf13/viper"
)

// State is the connection state of one provider binding
type State int

const (
	StateUnbound State = iota
	StateBinding
	StateBound
	StateSubscribed
	StateUnbinding
)

// String returns a human-readable state name
func (s State) String() string {
	switch s {
	case StateUnbound:
		return "UNBOUND"
	case StateBinding:
		return "BINDING"
	case StateBound:
		return "BOUND"
	case StateSubscribed:
		return "SUBSCRIBED"
	case StateUnbinding:
		return "UNBINDING"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Snapshot is a point-in-time copy of a binding, for reporting
type Snapshot struct {
	ProviderID     string    `json:"provider_id"`
	State          State     `json:"state"`
	Subscriptions  []string  `json:"subscriptions"`
	LastActivity   time.Time `json:"last_activity"`
	PendingActions int       `json:"pending_actions"`
	Interest       int       `json:"interest"`
}

// Config holds the binding manager's limits and timeouts
type Config struct {
	// MaxBound caps simultaneously bound providers
	MaxBound int

	// BindTimeout bounds connect+load, and any remote call made without a deadline
	BindTimeout time.Duration

	// IdleTimeout is how long an unused binding lingers before teardown
	IdleTimeout time.Duration

	// SubscriptionTTL is how long a subscription may stay silent before it is renewed
	SubscriptionTTL time.Duration

	// ResubscribeDelay is the pause before retrying a failed renewal
	ResubscribeDelay time.Duration

	// TeardownTimeout bounds the unsubscribe/close exchange on teardown
	TeardownTimeout time.Duration
}

func init() {
	viper.SetDefault("bindings.max-bound", 8)
	viper.SetDefault("bindings.bind-timeout", time.Second*10)
	viper.SetDefault("bindings.idle-timeout", time.Second*15)
	viper.SetDefault("bindings.subscription-ttl", time.Second*60)
	viper.SetDefault("bindings.resubscribe-delay", time.Second)
	viper.SetDefault("bindings.teardown-timeout", time.Second*5)
}

// DefaultConfig returns the built-in limits
func DefaultConfig() Config {
	return Config{
		MaxBound:         8,
		BindTimeout:      time.Second * 10,
		IdleTimeout:      time.Second * 15,
		SubscriptionTTL:  time.Second * 60,
		ResubscribeDelay: time.Second,
		TeardownTimeout:  time.Second * 5,
	}
}

// ConfigFromViper reads the bindings.* keys
func ConfigFromViper(v *viper.Viper) Config {
	return Config{
		MaxBound:         v.GetInt("bindings.max-bound"),
		BindTimeout:      v.GetDuration("bindings.bind-timeout"),
		IdleTimeout:      v.GetDuration("bindings.idle-timeout"),
		SubscriptionTTL:  v.GetDuration("bindings.subscription-ttl"),
		ResubscribeDelay: v.GetDuration("bindings.resubscribe-delay"),
		TeardownTimeout:  v.GetDuration("bindings.teardown-timeout"),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxBound <= 0 {
		c.MaxBound = d.MaxBound
	}
	if c.BindTimeout <= 0 {
		c.BindTimeout = d.BindTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.SubscriptionTTL <= 0 {
		c.SubscriptionTTL = d.SubscriptionTTL
	}
	if c.ResubscribeDelay <= 0 {
		c.ResubscribeDelay = d.ResubscribeDelay
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = d.TeardownTimeout
	}

	return c
}
