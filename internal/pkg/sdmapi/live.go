package sdmapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	apioption "google.golang.org/api/option"
	sdmv1 "google.golang.org/api/smartdevicemanagement/v1"

	"github.com/jake-scott/controlsd/internal/pkg/logging"
)

// Live talks to the Google Smart Device Management REST API
type Live struct {
	sdmProjectID string
	tokens       oauth2.TokenSource
	timeout      time.Duration
}

func NewLiveClient(sdmProjectID string, tokens oauth2.TokenSource) *Live {
	return &Live{
		sdmProjectID: "enterprises/" + sdmProjectID,
		tokens:       tokens,
	}
}

func (c *Live) WithTimeout(d time.Duration) *Live {
	nc := *c
	nc.timeout = d
	return &nc
}

func (c *Live) api(ctx context.Context) (*sdmv1.Service, error) {
	sdm, err := sdmv1.NewService(ctx, apioption.WithTokenSource(c.tokens))
	if err != nil {
		return nil, errors.Wrap(err, "initialising the api")
	}

	return sdm, nil
}

func (c *Live) makeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}

	return ctx, func() {}
}

func (c *Live) Devices(ctx context.Context) ([]Device, error) {
	ctx, cancel := c.makeContext(ctx)
	defer cancel()

	s, err := c.api(ctx)
	if err != nil {
		return nil, err
	}

	deviceList, err := s.Enterprises.Devices.List(c.sdmProjectID).Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrap(err, "listing devices")
	}

	var items []Device
	for _, d := range deviceList.Devices {
		item, err := c.device(d)
		if err != nil {
			return nil, err
		}

		items = append(items, *item)
	}

	return items, nil
}

func (c *Live) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	ctx, cancel := c.makeContext(ctx)
	defer cancel()

	s, err := c.api(ctx)
	if err != nil {
		return nil, err
	}

	device, err := s.Enterprises.Devices.Get(c.longDeviceName(deviceID)).Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrapf(err, "fetching device %s", deviceID)
	}

	return c.device(device)
}

func (c *Live) device(d *sdmv1.GoogleHomeEnterpriseSdmV1Device) (*Device, error) {
	t := NewTraits()
	if err := t.Parse(d.Traits); err != nil {
		return nil, errors.Wrapf(err, "parsing traits of %s", d.Name)
	}

	return &Device{
		ID:         c.shortDeviceName(d.Name),
		DeviceType: d.Type,
		Traits:     t,
	}, nil
}

func (c *Live) shortDeviceName(longName string) string {
	return strings.TrimPrefix(longName, c.sdmProjectID+"/devices/")
}

func (c *Live) longDeviceName(shortName string) string {
	return c.sdmProjectID + "/devices/" + shortName
}

func (c *Live) SendCommand(ctx context.Context, deviceID string, command Command) error {
	ctx, cancel := c.makeContext(ctx)
	defer cancel()

	s, err := c.api(ctx)
	if err != nil {
		return err
	}

	cmdParams, err := json.Marshal(command)
	if err != nil {
		return errors.Wrap(err, "marshaling command parameters")
	}

	cmdRequest := sdmv1.GoogleHomeEnterpriseSdmV1ExecuteDeviceCommandRequest{
		Command: command.commandName(),
		Params:  cmdParams,
	}

	logging.Logger(ctx).Debugf("sending command: %s, params %s", cmdRequest.Command, string(cmdRequest.Params))

	resp, err := s.Enterprises.Devices.ExecuteCommand(c.longDeviceName(deviceID), &cmdRequest).Context(ctx).Do()
	if err != nil {
		return errors.Wrapf(err, "executing command: %s, params %s", cmdRequest.Command, string(cmdRequest.Params))
	}

	if resp.HTTPStatusCode != http.StatusOK {
		return fmt.Errorf("command response error: HTTP status %d, %s", resp.HTTPStatusCode, string(resp.Results))
	}

	return nil
}

// Rejected reports whether the API refused a call outright (bad arguments,
// permissions) as opposed to failing to answer it
func Rejected(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}

	return apiErr.Code >= 400 && apiErr.Code < 500
}

// Unauthorized reports whether the API declined our credentials
func Unauthorized(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}

	return apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden
}
