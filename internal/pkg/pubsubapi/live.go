package pubsubapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	apioption "google.golang.org/api/option"
	pubsubv1 "google.golang.org/api/pubsub/v1"

	"github.com/jake-scott/controlsd/internal/pkg/logging"
	"github.com/jake-scott/controlsd/internal/pkg/sdmapi"
)

// Live pulls Device Access events from a Google Cloud pub/sub subscription
type Live struct {
	sdmProjectID   string
	gcpProjectID   string
	subscriptionID string
	credsFile      string
	timeout        time.Duration
	maxMessageAge  time.Duration
	logMessages    bool
}

func NewLiveClient(sdmProjectID string, gcpProjectID string, subscriptionID string) *Live {
	return &Live{
		sdmProjectID:   sdmProjectID,
		gcpProjectID:   gcpProjectID,
		subscriptionID: subscriptionID,
		maxMessageAge:  time.Second * 120,
	}
}

func (c *Live) WithServiceAccountCreds(credsFile string) *Live {
	nc := *c
	nc.credsFile = credsFile
	return &nc
}

func (c *Live) WithTimeout(d time.Duration) *Live {
	nc := *c
	nc.timeout = d
	return &nc
}

func (c *Live) WithMaxMessageAge(d time.Duration) *Live {
	nc := *c
	nc.maxMessageAge = d
	return &nc
}

func (c *Live) WithLogMessages() *Live {
	nc := *c
	nc.logMessages = true
	return &nc
}

func (c *Live) api(ctx context.Context) (*pubsubv1.Service, error) {
	var opts []apioption.ClientOption
	if c.credsFile != "" {
		opts = append(opts, apioption.WithCredentialsFile(c.credsFile))
	}

	pubsub, err := pubsubv1.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "initialising the api")
	}

	return pubsub, nil
}

func (c *Live) makeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}

	return ctx, func() {}
}

func (c *Live) subscription() string {
	return "projects/" + c.gcpProjectID + "/subscriptions/" + c.subscriptionID
}

/*
  Message format for resource updates:

{
	"eventId" : "0120ecc7-3b57-4eb4-9941-91609f189fb4",
	"timestamp" : "2019-01-01T00:00:01Z",
	"resourceUpdate" : {
	  "name" : "enterprises/project-id/devices/device-id",
	  "traits" : {
		"sdm.devices.traits.ThermostatMode" : {
		  "mode" : "COOL"
		}
	  }
	},
	"userId": "AVPHwEuBfnPOnTqzVFT4IONX2Qqhu9EJ4ubO-bNnQ-yi"
}
*/

type sdmResourceUpdate struct {
	Name   string          `json:"name"`
	Traits json.RawMessage `json:"traits"`
}

type sdmEvent struct {
	EventID        string             `json:"eventId"`
	Timestamp      time.Time          `json:"timestamp"`
	ResourceUpdate *sdmResourceUpdate `json:"resourceUpdate,omitempty"`
	UserID         string             `json:"userId"`
}

func (c *Live) AckMessages(ctx context.Context, ackIDs []string) error {
	ctx, cancel := c.makeContext(ctx)
	defer cancel()

	s, err := c.api(ctx)
	if err != nil {
		return err
	}

	ackRequest := pubsubv1.AcknowledgeRequest{
		AckIds: ackIDs,
	}

	_, err = s.Projects.Subscriptions.Acknowledge(c.subscription(), &ackRequest).Context(ctx).Do()
	if err != nil {
		return errors.Wrap(err, "executing acknowledge call")
	}

	logging.Logger(ctx).Debugf("sent ACK %v", ackIDs)

	return nil
}

func (c *Live) parseReceivedMessages(messages []*pubsubv1.ReceivedMessage) (toAck []string, events []SdmEvent, err error) {
	for _, message := range messages {
		logging.Logger(nil).Debugf("pubsub message: ID %s, delivery attempt %d", message.Message.MessageId, message.DeliveryAttempt)

		// event data is base64 encoded
		data, err := base64.StdEncoding.DecodeString(message.Message.Data)
		if err != nil {
			logging.Logger(nil).WithError(err).Error("decoding base64-encoded data field")
			continue
		}
		if c.logMessages {
			logging.Logger(nil).Debugf("message data (ID %s): %s", message.Message.MessageId, data)
		}

		// retrieve the message publish time
		publishTime, err := time.Parse(time.RFC3339Nano, message.Message.PublishTime)
		if err != nil {
			logging.Logger(nil).WithError(err).Warnf("parsing message publish time (`%s`)", message.Message.PublishTime)
		} else {
			if time.Now().After(publishTime.Add(c.maxMessageAge)) {
				logging.Logger(nil).Warnf("ignoring message ID %s, older than %s (%s)", message.Message.MessageId, c.maxMessageAge, publishTime)
				toAck = append(toAck, message.AckId)
				continue
			}
		}

		event := sdmEvent{}
		if err := json.Unmarshal(data, &event); err != nil {
			logging.Logger(nil).WithError(err).Error("parsing SDM event")
			continue
		}

		if event.ResourceUpdate == nil {
			logging.Logger(nil).Warnf("ignoring message ID %s, not a resource update (%s)", message.Message.MessageId, message.Message.Data)
			toAck = append(toAck, message.AckId)
			continue
		}

		t := sdmapi.NewTraits()
		if err := t.Parse(event.ResourceUpdate.Traits); err != nil {
			logging.Logger(nil).WithError(err).Error("parsing device traits")
			continue
		}

		parsedEvent := SdmEvent{
			AckID:     message.AckId,
			Timestamp: event.Timestamp,
			DeviceID:  c.shortDeviceName(event.ResourceUpdate.Name),
			Traits:    t,
		}
		events = append(events, parsedEvent)
	}

	return
}

func (c *Live) shortDeviceName(longName string) string {
	return strings.TrimPrefix(longName, "enterprises/"+c.sdmProjectID+"/devices/")
}

// Pull waits for the next batch of events.  An empty batch with no error
// means the pull timed out quietly.
func (c *Live) Pull(ctx context.Context) ([]SdmEvent, error) {
	pullCtx, cancel := c.makeContext(ctx)
	defer cancel()

	s, err := c.api(pullCtx)
	if err != nil {
		return nil, err
	}

	pullRequest := pubsubv1.PullRequest{
		MaxMessages: 10,
	}

	response, err := s.Projects.Subscriptions.Pull(c.subscription(), &pullRequest).Context(pullCtx).Do()
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "pulling messages from topic subscription")
	}

	messagesToAck, events, err := c.parseReceivedMessages(response.ReceivedMessages)

	// Ack messages we declined to process
	if len(messagesToAck) > 0 {
		if err := c.AckMessages(ctx, messagesToAck); err != nil {
			logging.Logger(nil).WithError(err).Warnf("acknowledging %d old messages", len(messagesToAck))
		}
	}

	return events, err
}
