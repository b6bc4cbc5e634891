// Package wsprovider talks to control providers over a websocket carrying
// JSON messages, one per text frame.
//
// The client opens the connection and sends "hello" naming the provider it
// wants; the server answers with a result, refused set if it declines.  The
// client then sends "load", "subscribe", "unsubscribe" and "action" requests,
// each answered by a "result" with the same id.  Unsolicited "update" and
// "keepalive" messages carry the subscription stream.
package wsprovider

import (
	"time"

	"github.com/jake-scott/controlsd/internal/pkg/controls"
)

const (
	opHello       = "hello"
	opLoad        = "load"
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
	opAction      = "action"
	opResult      = "result"
	opUpdate      = "update"
	opKeepAlive   = "keepalive"
)

const (
	writeWait      = time.Second * 10
	maxMessageSize = 1 << 20
)

type message struct {
	ID       uint64                `json:"id,omitempty"`
	Op       string                `json:"op"`
	Provider string                `json:"provider,omitempty"`
	Controls []string              `json:"controls,omitempty"`
	Control  string                `json:"control,omitempty"`
	Action   *controls.Action      `json:"action,omitempty"`
	OK       bool                  `json:"ok,omitempty"`
	Refused  bool                  `json:"refused,omitempty"`
	Error    string                `json:"error,omitempty"`
	Infos    []controls.Info       `json:"infos,omitempty"`
	Ack      *controls.Ack         `json:"ack,omitempty"`
	Update   *controls.StateUpdate `json:"update,omitempty"`
}
