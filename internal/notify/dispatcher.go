package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kylemclaren/browser-tasks/internal/webhook"
)

// DeliveryError wraps a failed send on one channel
type DeliveryError struct {
	Channel string
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("notification delivery via %s failed: %v", e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Dispatcher sends decisions in the background. Failures are logged and never returned.
type Dispatcher struct {
	email   webhook.Sender
	slack   func(url string) webhook.Sender
	discord func(url string) webhook.Sender
	timeout time.Duration
	logger  zerolog.Logger
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher. email may be nil to disable mail delivery.
func NewDispatcher(email webhook.Sender, timeout time.Duration, logger zerolog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		email:   email,
		slack:   func(url string) webhook.Sender { return webhook.NewSlack(url) },
		discord: func(url string) webhook.Sender { return webhook.NewDiscord(url) },
		timeout: timeout,
		logger:  logger,
	}
}

// Dispatch starts delivery of d and returns immediately
func (d *Dispatcher) Dispatch(decision Decision) {
	if !decision.ShouldSendNow {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		d.deliver(ctx, decision)
	}()
}

// Wait blocks until in-flight deliveries finish
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Str("run_id", decision.Message.RunID).Msg("notification delivery panicked")
		}
	}()

	type target struct {
		channel string
		sender  webhook.Sender
	}
	var targets []target
	if d.email != nil && decision.Message.To != "" {
		targets = append(targets, target{"email", d.email})
	}
	if decision.SlackWebhook != "" {
		targets = append(targets, target{"slack", d.slack(decision.SlackWebhook)})
	}
	if decision.DiscordWebhook != "" {
		targets = append(targets, target{"discord", d.discord(decision.DiscordWebhook)})
	}

	sent := 0
	for _, t := range targets {
		if err := t.sender.Send(ctx, decision.Message); err != nil {
			d.logger.Warn().Err(&DeliveryError{Channel: t.channel, Err: err}).
				Str("channel", t.channel).
				Str("run_id", decision.Message.RunID).
				Str("task_id", decision.Message.TaskID).
				Msg("notification not delivered")
			continue
		}
		sent++
	}
	if sent > 0 {
		d.logger.Info().Str("run_id", decision.Message.RunID).Int("channels", sent).Msg("notification sent")
	}
}
