package poller

import (
	"context"
	"log/slog"
	"time"

	"github.com/miradorstack/mirador-investigator/internal/models"
)

// MessageSource loads agent memory messages.
type MessageSource interface {
	GetMessage(ctx context.Context, messageID string) (models.Message, error)
}

// MessagePoller follows one memory message until its response is populated.
type MessagePoller struct {
	source   MessageSource
	interval time.Duration
	poller   *Poller[models.Message]
}

// NewMessagePoller constructs a MessagePoller that fetches every interval.
func NewMessagePoller(source MessageSource, interval time.Duration, logger *slog.Logger) *MessagePoller {
	return &MessagePoller{
		source:   source,
		interval: interval,
		poller: New(
			WithLogger[models.Message](logger),
			WithResource[models.Message]("message"),
		),
	}
}

// IsMessageTerminal reports whether the message has a response.
func IsMessageTerminal(msg models.Message) bool {
	return msg.Response != ""
}

// Start polls messageID. Polling the same id again while running is a no-op.
func (p *MessagePoller) Start(ctx context.Context, messageID string) {
	fetch := func(ctx context.Context) (models.Message, error) {
		return p.source.GetMessage(ctx, messageID)
	}
	p.poller.Start(ctx, messageID, fetch, p.interval, func(msg models.Message) bool {
		return !IsMessageTerminal(msg)
	})
}

// Stop cancels polling and clears the current message.
func (p *MessagePoller) Stop(reason string) { p.poller.Stop(reason) }

// State reports the poller lifecycle state.
func (p *MessagePoller) State() State { return p.poller.State() }

// Current returns the latest observed message.
func (p *MessagePoller) Current() (models.Message, bool) { return p.poller.Current() }

// Terminal reports whether the message has a response.
func (p *MessagePoller) Terminal() bool { return p.poller.Terminal() }

// Wait blocks until the message has a response.
func (p *MessagePoller) Wait(ctx context.Context) (models.Message, error) {
	return p.poller.Wait(ctx)
}

// Subscribe registers fn for every change of the observed message.
func (p *MessagePoller) Subscribe(fn func(models.Message)) func() {
	return p.poller.Subscribe(fn)
}

// SubscribeTerminal registers fn for changes of the terminal flag.
func (p *MessagePoller) SubscribeTerminal(fn func(bool)) func() {
	return Derive(p.poller, IsMessageTerminal, fn)
}
