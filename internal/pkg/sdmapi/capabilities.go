package sdmapi

import (
	"encoding/json"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/jake-scott/controlsd/internal/pkg/controls"
	"github.com/jake-scott/controlsd/internal/pkg/logging"
)

/*
 *  A thermostat's traits, decoded only as far as the control state needs
 *  them.  Every field is nil until its trait has been seen, so a pub/sub
 *  event carrying a few traits merges cleanly over the full set.
 */
type Traits struct {
	customName  *string
	online      *bool
	fan         *fanTimer
	humidity    *float64
	temperature *float64
	fahrenheit  *bool
	mode        *string
	hvac        *string
	eco         *ecoSetpoints
	setpoint    *setpoints
}

type setpoints struct {
	heat float64
	cool float64
}

type ecoSetpoints struct {
	on bool
	setpoints
}

type fanTimer struct {
	on    bool
	until time.Time
}

type traitDecoder func(t *Traits, data json.RawMessage) error

// keyed by SDM trait name; anything else is ignored
var traitDecoders = map[string]traitDecoder{
	"sdm.devices.traits.Info": func(t *Traits, data json.RawMessage) error {
		var v struct {
			CustomName string `json:"customName"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		t.customName = &v.CustomName
		return nil
	},

	"sdm.devices.traits.Connectivity": func(t *Traits, data json.RawMessage) error {
		var v struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		online := v.Status == "ONLINE"
		t.online = &online
		return nil
	},

	"sdm.devices.traits.Fan": func(t *Traits, data json.RawMessage) error {
		var v struct {
			TimerMode    string `json:"timerMode"`
			TimerTimeout string `json:"timerTimeout"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		fan := &fanTimer{on: v.TimerMode == "ON"}
		if until, err := time.Parse(time.RFC3339, v.TimerTimeout); err == nil {
			fan.until = until
		}
		t.fan = fan
		return nil
	},

	"sdm.devices.traits.Humidity": func(t *Traits, data json.RawMessage) error {
		var v struct {
			Percent float64 `json:"ambientHumidityPercent"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		t.humidity = &v.Percent
		return nil
	},

	"sdm.devices.traits.Temperature": func(t *Traits, data json.RawMessage) error {
		var v struct {
			Celsius float64 `json:"ambientTemperatureCelsius"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		c := roundTenth(v.Celsius)
		t.temperature = &c
		return nil
	},

	"sdm.devices.traits.Settings": func(t *Traits, data json.RawMessage) error {
		var v struct {
			Scale string `json:"temperatureScale"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		f := v.Scale == "FAHRENHEIT"
		t.fahrenheit = &f
		return nil
	},

	"sdm.devices.traits.ThermostatMode": func(t *Traits, data json.RawMessage) error {
		var v struct {
			Mode string `json:"mode"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		mode := modeNames[v.Mode]
		t.mode = &mode
		return nil
	},

	"sdm.devices.traits.ThermostatHvac": func(t *Traits, data json.RawMessage) error {
		var v struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		hvac := hvacNames[v.Status]
		t.hvac = &hvac
		return nil
	},

	"sdm.devices.traits.ThermostatEco": func(t *Traits, data json.RawMessage) error {
		var v struct {
			Mode string  `json:"mode"`
			Heat float64 `json:"heatCelsius"`
			Cool float64 `json:"coolCelsius"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		t.eco = &ecoSetpoints{
			on:        v.Mode != "OFF",
			setpoints: setpoints{heat: roundTenth(v.Heat), cool: roundTenth(v.Cool)},
		}
		return nil
	},

	"sdm.devices.traits.ThermostatTemperatureSetpoint": func(t *Traits, data json.RawMessage) error {
		var v struct {
			Heat float64 `json:"heatCelsius"`
			Cool float64 `json:"coolCelsius"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		t.setpoint = &setpoints{heat: roundTenth(v.Heat), cool: roundTenth(v.Cool)}
		return nil
	},
}

var modeNames = map[string]string{
	"OFF":      "off",
	"HEAT":     "heat",
	"COOL":     "cool",
	"HEATCOOL": "auto",
}

var hvacNames = map[string]string{
	"OFF":     "idle",
	"HEATING": "heating",
	"COOLING": "cooling",
}

func NewTraits() Traits {
	return Traits{}
}

// Parse decodes an SDM traits object into the set.  Traits the state has no
// use for are skipped.
func (t *Traits) Parse(data []byte) error {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return errors.Wrap(err, "decoding traits")
	}

	for name, raw := range all {
		decode, ok := traitDecoders[name]
		if !ok {
			logging.Logger(nil).Debugf("Ignoring unimplemented trait [%s]", name)
			continue
		}

		if err := decode(t, raw); err != nil {
			return errors.Wrapf(err, "decoding %s", name)
		}
	}

	return nil
}

// Merge overlays the traits of a partial update, as carried by pub/sub
// events, onto the set
func (t *Traits) Merge(update Traits) {
	if update.customName != nil {
		t.customName = update.customName
	}
	if update.online != nil {
		t.online = update.online
	}
	if update.fan != nil {
		t.fan = update.fan
	}
	if update.humidity != nil {
		t.humidity = update.humidity
	}
	if update.temperature != nil {
		t.temperature = update.temperature
	}
	if update.fahrenheit != nil {
		t.fahrenheit = update.fahrenheit
	}
	if update.mode != nil {
		t.mode = update.mode
	}
	if update.hvac != nil {
		t.hvac = update.hvac
	}
	if update.eco != nil {
		t.eco = update.eco
	}
	if update.setpoint != nil {
		t.setpoint = update.setpoint
	}
}

// State composes the control state of a device from its traits, eg.
//
//	{"online": true, "mode": "heat", "hvac": "heating", "temperature": 19.5,
//	 "heat": 20, "value": 20}
//
// "value" is the setpoint the thermostat is currently working towards.
func (t Traits) State() controls.StateBlob {
	state := controls.StateBlob{}
	eco := t.eco != nil && t.eco.on

	if t.online != nil {
		state["online"] = *t.online
	}
	if t.fan != nil {
		state["fan"] = t.fan.on
		if t.fan.on && !t.fan.until.IsZero() {
			state["fanUntil"] = t.fan.until
		}
	}
	if t.humidity != nil {
		state["humidity"] = *t.humidity
	}
	if t.temperature != nil {
		state["temperature"] = *t.temperature
	}
	if t.fahrenheit != nil {
		state["scale"] = "C"
		if *t.fahrenheit {
			state["scale"] = "F"
		}
	}

	if t.mode != nil {
		mode := *t.mode
		if eco {
			logging.Logger(nil).Debugf("Overriding mode %s to eco", mode)
			mode = "eco"
		}
		state["mode"] = mode
	}

	if t.hvac != nil {
		hvac := *t.hvac
		if hvac == "idle" && t.fan != nil && t.fan.on {
			hvac = "fan only"
		}
		state["hvac"] = hvac
	}

	if t.setpoint != nil {
		sp := *t.setpoint
		if eco {
			sp = t.eco.setpoints
		}
		if sp.cool > 0 {
			state["cool"] = sp.cool
		}
		if sp.heat > 0 {
			state["heat"] = sp.heat
		}
	}

	switch state["mode"] {
	case "cool":
		if v, ok := state["cool"]; ok {
			state["value"] = v
		}
	default:
		if v, ok := state["heat"]; ok {
			state["value"] = v
		} else if v, ok := state["cool"]; ok {
			state["value"] = v
		}
	}

	return state
}

func roundTenth(v float64) float64 {
	return math.Round(v*10) / 10
}
