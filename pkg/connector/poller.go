// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// UpdateSource delivers Telegram updates. *tgbotapi.BotAPI implements it.
type UpdateSource interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Poller long-polls Telegram and hands each update to the router, one at a
// time in delivery order.
type Poller struct {
	Source  UpdateSource
	Handle  func(ctx context.Context, update tgbotapi.Update) error
	Timeout int

	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
	log      zerolog.Logger
}

func NewPoller(source UpdateSource, router *Router, timeout int, log zerolog.Logger) *Poller {
	return &Poller{
		Source:   source,
		Handle:   router.HandleGroupUpdate,
		Timeout:  timeout,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
		log:      log.With().Str("component", "poller").Logger(),
	}
}

// Run polls until ctx is canceled or Stop is called.
func (p *Poller) Run(ctx context.Context) {
	defer close(p.done)
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = p.Timeout
	cfg.AllowedUpdates = []string{"message"}
	updates := p.Source.GetUpdatesChan(cfg)
	p.log.Info().Int("timeout", p.Timeout).Msg("Polling Telegram updates")
	for {
		select {
		case <-ctx.Done():
			p.drain(ctx, updates)
			return
		case <-p.stopChan:
			p.drain(ctx, updates)
			return
		case update, ok := <-updates:
			if !ok {
				p.log.Warn().Msg("Update channel closed")
				return
			}
			// Errors are logged and counted by the router.
			_ = p.Handle(ctx, update)
		}
	}
}

// drain stops receiving and handles the updates that were already fetched.
// Their offsets are confirmed to Telegram by the next poll, so dropping them
// would lose them.
func (p *Poller) drain(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	p.Source.StopReceivingUpdates()
	drained := 0
	for update := range updates {
		_ = p.Handle(ctx, update)
		drained++
	}
	if drained > 0 {
		p.log.Info().Int("updates", drained).Msg("Handled buffered updates before stopping")
	}
}

// Stop ends polling and waits until the buffered updates are handled. The
// update channel closes once the poll in flight returns, so this can take up
// to the poll timeout.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})
	<-p.done
}
