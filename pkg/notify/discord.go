package notify

import (
	"fmt"
	"math/big"
	"net/http"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/catalogfi/fusion/pkg/swap"
	"go.uber.org/zap"
)

const queueSize = 64

// Discord posts terminal swap outcomes to a webhook. Notify never blocks;
// messages are sent in order by a single worker.
type Discord interface {
	Start()
	Stop()
	Notify(s swap.Swap)
}

type Option func(*discord)

func WithHTTPClient(client *http.Client) Option {
	return func(d *discord) {
		d.session.Client = client
	}
}

type discord struct {
	webhookID string
	token     string
	session   *discordgo.Session
	logger    *zap.Logger

	queue chan swap.Swap
	quit  chan struct{}
	wg    *sync.WaitGroup
}

func NewDiscord(webhookID, token string, logger *zap.Logger, opts ...Option) (Discord, error) {
	session, err := discordgo.New("")
	if err != nil {
		return nil, err
	}
	d := &discord{
		webhookID: webhookID,
		token:     token,
		session:   session,
		logger:    logger.Named("discord"),
		queue:     make(chan swap.Swap, queueSize),
		wg:        new(sync.WaitGroup),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *discord) Start() {
	d.quit = make(chan struct{})
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case s := <-d.queue:
				d.send(s)
			case <-d.quit:
				// flush what is already queued
				for {
					select {
					case s := <-d.queue:
						d.send(s)
					default:
						return
					}
				}
			}
		}
	}()
}

func (d *discord) Stop() {
	if d.quit != nil {
		close(d.quit)
		d.wg.Wait()
		d.quit = nil
	}
}

func (d *discord) Notify(s swap.Swap) {
	if !s.Status.Terminal() {
		return
	}
	select {
	case d.queue <- s:
	default:
		d.logger.Warn("notification dropped", zap.String("swap", s.ID), zap.Stringer("status", s.Status))
	}
}

func (d *discord) send(s swap.Swap) {
	params := &discordgo.WebhookParams{
		Username: "fusion",
		Embeds:   []*discordgo.MessageEmbed{Embed(s)},
	}
	if _, err := d.session.WebhookExecute(d.webhookID, d.token, true, params); err != nil {
		d.logger.Error("failed to post notification", zap.String("swap", s.ID), zap.Error(err))
	}
}

// Embed renders a swap outcome.
func Embed(s swap.Swap) *discordgo.MessageEmbed {
	color := 0x2ecc71
	switch s.Status {
	case swap.Refunded:
		color = 0xf1c40f
	case swap.Failed:
		color = 0xe74c3c
	}
	fields := []*discordgo.MessageEmbedField{
		{Name: "Direction", Value: string(s.Direction), Inline: true},
		{Name: "Lock amount", Value: amount(s.LockAmount), Inline: true},
		{Name: "Settle amount", Value: amount(s.SettleAmount), Inline: true},
		{Name: "Initiator", Value: s.Initiator},
	}
	if s.RefundTxRef != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Refund", Value: s.RefundTxRef})
	}
	return &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("Swap %v", s.Status),
		Description: s.ID,
		Color:       color,
		Fields:      fields,
	}
}

func amount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
