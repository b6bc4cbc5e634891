package sdmapi

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/jake-scott/controlsd/internal/pkg/controls"
)

// ErrUnsupportedCommand is returned for actions a thermostat cannot perform
var ErrUnsupportedCommand = errors.New("unsupported command")

const defaultFanDuration = time.Hour

type command struct {
	command string
}

func newCommand(name string) command {
	return command{
		command: name,
	}
}

func (c command) commandName() string {
	return c.command
}

type devicesFanCommandParams struct {
	command
	TimerMode string `json:"timerMode"`
	Duration  string `json:"duration,omitempty"`
}

func NewFanCommand(timerEnabled bool, duration time.Duration) Command {
	mode := "OFF"
	var durString string
	if timerEnabled {
		mode = "ON"
		durString = fmt.Sprintf("%.0fs", duration.Seconds())
	}

	return devicesFanCommandParams{
		command:   newCommand("sdm.devices.commands.Fan.SetTimer"),
		TimerMode: mode,
		Duration:  durString,
	}
}

type devicesThermostatEcoCommandParams struct {
	command
	Mode string `json:"mode"`
}

func NewThermostatEcoCommand(enabled bool) Command {
	mode := "OFF"
	if enabled {
		mode = "MANUAL_ECO"
	}

	return devicesThermostatEcoCommandParams{
		command: newCommand("sdm.devices.commands.ThermostatEco.SetMode"),
		Mode:    mode,
	}
}

type thermostatMode int

const (
	thermostatModeOff thermostatMode = iota
	thermostatModeHeat
	thermostatModeCool
	thermostatModeHeatCool
)

type devicesThermostatModeCommandParams struct {
	command
	Mode string `json:"mode"`
}

func NewThermostatModeCommand(mode thermostatMode) Command {
	var modeStr string
	switch mode {
	case thermostatModeOff:
		modeStr = "OFF"
	case thermostatModeCool:
		modeStr = "COOL"
	case thermostatModeHeat:
		modeStr = "HEAT"
	case thermostatModeHeatCool:
		modeStr = "HEATCOOL"
	}

	return devicesThermostatModeCommandParams{
		command: newCommand("sdm.devices.commands.ThermostatMode.SetMode"),
		Mode:    modeStr,
	}
}

type devicesThermostatTemperatureSetpointHeatCommandParams struct {
	command
	HeatCelsius float32 `json:"heatCelsius"`
}
type devicesThermostatTemperatureSetpointCoolCommandParams struct {
	command
	CoolCelsius float32 `json:"coolCelsius"`
}
type devicesThermostatTemperatureSetpointRangeCommandParams struct {
	command
	HeatCelsius float32 `json:"heatCelsius"`
	CoolCelsius float32 `json:"coolCelsius"`
}

func NewThermostatTemperatureSetpointHeatCommand(temp float32) Command {
	return devicesThermostatTemperatureSetpointHeatCommandParams{
		command:     newCommand("sdm.devices.commands.ThermostatTemperatureSetpoint.SetHeat"),
		HeatCelsius: temp,
	}
}
func NewThermostatTemperatureSetpointCoolCommand(temp float32) Command {
	return devicesThermostatTemperatureSetpointCoolCommandParams{
		command:     newCommand("sdm.devices.commands.ThermostatTemperatureSetpoint.SetCool"),
		CoolCelsius: temp,
	}
}
func NewThermostatTemperatureSetpointRangeCommand(heatTemp, coolTemp float32) Command {
	return devicesThermostatTemperatureSetpointRangeCommandParams{
		command:     newCommand("sdm.devices.commands.ThermostatTemperatureSetpoint.SetRange"),
		HeatCelsius: heatTemp,
		CoolCelsius: coolTemp,
	}
}

// ActionCommands translates a control action into the SDM commands that
// carry it out.  Supported commands:
//
//	setMode   {"mode": "off|heat|cool|auto|eco"}
//	set       {"value": 20.5}            heating setpoint, as for any range control
//	setHeat   {"value": 20.5}
//	setCool   {"value": 24}
//	setRange  {"heat": 19, "cool": 24}
//	fan       {"enabled": true, "duration": "30m"}
//	off                                  same as setMode off
func ActionCommands(action controls.Action) ([]Command, error) {
	switch action.Command {
	case "setMode":
		mode, err := stringParam(action.Params, "mode")
		if err != nil {
			return nil, err
		}
		return modeCommands(mode)

	case "off":
		return modeCommands("off")

	case "set", "setHeat":
		temp, err := floatParam(action.Params, "value")
		if err != nil {
			return nil, err
		}
		return []Command{NewThermostatTemperatureSetpointHeatCommand(temp)}, nil

	case "setCool":
		temp, err := floatParam(action.Params, "value")
		if err != nil {
			return nil, err
		}
		return []Command{NewThermostatTemperatureSetpointCoolCommand(temp)}, nil

	case "setRange":
		heat, err := floatParam(action.Params, "heat")
		if err != nil {
			return nil, err
		}
		cool, err := floatParam(action.Params, "cool")
		if err != nil {
			return nil, err
		}
		if heat >= cool {
			return nil, errors.Errorf("heat setpoint %.1f must be below cool setpoint %.1f", heat, cool)
		}
		return []Command{NewThermostatTemperatureSetpointRangeCommand(heat, cool)}, nil

	case "fan":
		enabled, ok := action.Params["enabled"].(bool)
		if !ok {
			return nil, errors.New("expected boolean parameter 'enabled'")
		}
		duration := defaultFanDuration
		if v, ok := action.Params["duration"]; ok {
			s, _ := v.(string)
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, errors.Wrapf(err, "bad fan duration %v", v)
			}
			duration = d
		}
		return []Command{NewFanCommand(enabled, duration)}, nil
	}

	return nil, errors.Wrapf(ErrUnsupportedCommand, "command %q", action.Command)
}

// modeCommands switches eco off as well unless eco is wanted, since the
// thermostat ignores its mode while in eco
func modeCommands(mode string) ([]Command, error) {
	var m thermostatMode
	switch strings.ToLower(mode) {
	case "off":
		m = thermostatModeOff
	case "heat":
		m = thermostatModeHeat
	case "cool":
		m = thermostatModeCool
	case "auto", "heatcool":
		m = thermostatModeHeatCool
	case "eco":
		return []Command{NewThermostatEcoCommand(true)}, nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedCommand, "thermostat mode %q", mode)
	}

	return []Command{NewThermostatEcoCommand(false), NewThermostatModeCommand(m)}, nil
}

func stringParam(params map[string]interface{}, name string) (string, error) {
	s, ok := params[name].(string)
	if !ok {
		return "", fmt.Errorf("expected string parameter '%s'", name)
	}

	return s, nil
}

func floatParam(params map[string]interface{}, name string) (float32, error) {
	switch v := params[name].(type) {
	case float64:
		return float32(v), nil
	case float32:
		return v, nil
	case int:
		return float32(v), nil
	case string:
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return 0, errors.Wrapf(err, "parameter '%s'", name)
		}
		return float32(f), nil
	case nil:
		return 0, fmt.Errorf("missing parameter '%s'", name)
	default:
		return 0, fmt.Errorf("expected numeric parameter '%s', have %T", name, v)
	}
}
