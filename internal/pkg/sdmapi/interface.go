package sdmapi

import "context"

type Device struct {
	ID         string
	DeviceType string
	Traits     Traits
}

// Title is the device's custom name, if it has one
func (d Device) Title() string {
	if d.Traits.customName != nil {
		return *d.Traits.customName
	}

	return ""
}

type Command interface {
	commandName() string
}

type SmartDeviceManagement interface {
	Devices(ctx context.Context) ([]Device, error)
	GetDevice(ctx context.Context, deviceID string) (*Device, error)
	SendCommand(ctx context.Context, deviceID string, command Command) error
}
