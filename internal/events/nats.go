package events

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
)

// Bridge republishes in-process breach events on NATS subjects so external
// integrations (UI summaries, downstream hooks) can consume them without
// touching the engine's store.
type Bridge struct {
	Conn *nats.Conn
}

func NewBridge(url string) (*Bridge, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	return &Bridge{Conn: conn}, nil
}

func (b *Bridge) Close() {
	if b.Conn != nil {
		b.Conn.Drain()
		b.Conn.Close()
	}
}

// HandleEvent satisfies the bus Handler contract; subjects are prefixed with
// "dq." (breach.detected -> dq.breach.detected).
func (b *Bridge) HandleEvent(evt Event) {
	body := map[string]any{"type": evt.Type, "occurred_at": evt.OccurredAt}
	for k, v := range evt.Payload {
		body[k] = v
	}
	data, err := json.Marshal(body)
	if err != nil {
		return
	}
	_ = b.Conn.Publish("dq."+evt.Type, data)
}

type RunRequest struct {
	ExpectationIDs []string `json:"expectation_ids"`
}

// SubscribeRunRequests triggers an evaluation run when the scheduler asks
// for one over NATS.
func (b *Bridge) SubscribeRunRequests(subject string, handler func(RunRequest)) (*nats.Subscription, error) {
	return b.Conn.Subscribe(subject, func(msg *nats.Msg) {
		var req RunRequest
		_ = json.Unmarshal(msg.Data, &req)
		handler(req)
	})
}
