package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cdiperi/datacompass/internal/events"
	"github.com/cdiperi/datacompass/internal/metrics"
	"github.com/cdiperi/datacompass/internal/storage"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

type ChannelResolver interface {
	GetChannel(ctx context.Context, id string) (storage.ChannelRecord, error)
}

type AuditLog interface {
	AppendNotification(ctx context.Context, rec storage.NotificationRecord) error
}

type DeliveryOutcome struct {
	Success  bool
	Attempts int
	Err      error
}

// Dispatcher delivers a rendered notification to a rule's channel. Transient
// failures are retried with bounded attempts and backoff; the audit log
// receives exactly one row per dispatch, the terminal outcome only.
type Dispatcher struct {
	senders        map[string]Sender
	channels       ChannelResolver
	audit          AuditLog
	maxAttempts    int
	backoff        time.Duration
	attemptTimeout time.Duration
	logger         *slog.Logger
}

type DispatcherConfig struct {
	MaxAttempts    int
	Backoff        time.Duration
	AttemptTimeout time.Duration
}

func NewDispatcher(senders map[string]Sender, channels ChannelResolver, audit AuditLog, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 5 * time.Second
	}
	return &Dispatcher{
		senders:        senders,
		channels:       channels,
		audit:          audit,
		maxAttempts:    cfg.MaxAttempts,
		backoff:        cfg.Backoff,
		attemptTimeout: cfg.AttemptTimeout,
		logger:         logger,
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, rule Rule, evt events.Event) DeliveryOutcome {
	channel, err := d.channels.GetChannel(ctx, rule.ChannelID)
	if err != nil {
		return d.finish(ctx, rule, "", "unknown", evt, DeliveryOutcome{Err: fmt.Errorf("resolve channel %s: %w", rule.ChannelID, err)})
	}
	sender, ok := d.senders[channel.Type]
	if !ok {
		return d.finish(ctx, rule, channel.ID, channel.Type, evt, DeliveryOutcome{Err: fmt.Errorf("no sender for channel type %q", channel.Type)})
	}
	var cfg ChannelConfig
	if err := json.Unmarshal(channel.ConfigJSON, &cfg); err != nil {
		return d.finish(ctx, rule, channel.ID, channel.Type, evt, DeliveryOutcome{Err: fmt.Errorf("channel %s config: %w", channel.ID, err)})
	}
	msg, err := Render(rule, evt)
	if err != nil {
		// Rendering failures are delivery failures, not caller errors.
		return d.finish(ctx, rule, channel.ID, channel.Type, evt, DeliveryOutcome{Err: err})
	}

	outcome := DeliveryOutcome{}
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		outcome.Attempts = attempt
		attemptCtx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
		err := sender.Send(attemptCtx, cfg, msg)
		cancel()
		if err == nil {
			outcome.Success = true
			outcome.Err = nil
			break
		}
		outcome.Err = err
		if IsPermanent(err) || attempt == d.maxAttempts || ctx.Err() != nil {
			break
		}
		select {
		case <-time.After(d.backoff * time.Duration(attempt)):
		case <-ctx.Done():
		}
	}
	return d.finish(ctx, rule, channel.ID, channel.Type, evt, outcome)
}

func (d *Dispatcher) finish(ctx context.Context, rule Rule, channelID, channelType string, evt events.Event, outcome DeliveryOutcome) DeliveryOutcome {
	status := OutcomeSuccess
	errText := ""
	if !outcome.Success {
		status = OutcomeFailure
		if outcome.Err != nil {
			errText = outcome.Err.Error()
		}
		d.logger.Warn("notification delivery failed",
			slog.String("rule_id", rule.ID),
			slog.String("channel_type", channelType),
			slog.Int("attempts", outcome.Attempts),
			slog.String("error", errText))
	}
	metrics.ObserveDelivery(channelType, status)
	payload, _ := json.Marshal(evt.Payload)
	rec := storage.NotificationRecord{
		RuleID:      rule.ID,
		ChannelID:   channelID,
		EventType:   evt.Type,
		PayloadJSON: payload,
		Outcome:     status,
		Error:       errText,
		CreatedAt:   time.Now().UTC(),
	}
	if err := d.audit.AppendNotification(ctx, rec); err != nil {
		d.logger.Error("failed to append notification log", slog.String("rule_id", rule.ID), slog.String("error", err.Error()))
	}
	return outcome
}

// Notifier bridges the event bus to the dispatcher: it matches rules for a
// published event and fans out one independent delivery per matched rule.
type Notifier struct {
	matcher    *Matcher
	dispatcher *Dispatcher
	timeout    time.Duration
}

func NewNotifier(matcher *Matcher, dispatcher *Dispatcher, timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Notifier{matcher: matcher, dispatcher: dispatcher, timeout: timeout}
}

func (n *Notifier) HandleEvent(evt events.Event) {
	rules := n.matcher.Match(evt)
	if len(rules) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	var wg sync.WaitGroup
	for _, rule := range rules {
		wg.Add(1)
		go func(rule Rule) {
			defer wg.Done()
			n.dispatcher.Dispatch(ctx, rule, evt)
		}(rule)
	}
	wg.Wait()
}
