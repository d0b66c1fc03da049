package app

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Chorus/internal/authz"
	"github.com/dkeye/Chorus/internal/domain"
	"github.com/dkeye/Chorus/internal/protocol"
)

// OutboxStore is the slice of the store the dispatcher needs.
type OutboxStore interface {
	ClaimOutbox(ctx context.Context, token string, max int, lease time.Duration) ([]domain.OutboxEvent, error)
	MarkPublished(ctx context.Context, ids []domain.EventID, token string) error
	ReleaseOutbox(ctx context.Context, ids []domain.EventID, token string) error
	MarkDead(ctx context.Context, id domain.EventID, token string) error
}

type DispatcherConfig struct {
	Poll           time.Duration
	Batch          int
	Lease          time.Duration
	PublishTimeout time.Duration
	MaxAttempts    int
}

// Dispatcher claims committed outbox events and publishes them to every local
// session whose current channel matches the event key. Publication is
// at-least-once; consumers dedupe on the event id.
type Dispatcher struct {
	store    OutboxStore
	registry *Registry
	router   *Router
	resolver *authz.Resolver
	metrics  *Metrics
	cfg      DispatcherConfig
	token    string
}

func NewDispatcher(store OutboxStore, registry *Registry, router *Router, resolver *authz.Resolver, metrics *Metrics, cfg DispatcherConfig) *Dispatcher {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	return &Dispatcher{
		store:    store,
		registry: registry,
		router:   router,
		resolver: resolver,
		metrics:  metrics,
		cfg:      cfg,
		token:    "gw-" + uuid.NewString(),
	}
}

// Run polls until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	log.Info().Str("module", "app.dispatcher").Str("token", d.token).Msg("outbox dispatcher started")
	for {
		n, err := d.Cycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Str("module", "app.dispatcher").Msg("dispatch cycle failed")
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.cfg.Poll):
			}
		}
	}
}

// Cycle claims and publishes one batch, returning how many events it
// processed. Split out of Run so tests can drive it synchronously.
func (d *Dispatcher) Cycle(ctx context.Context) (int, error) {
	batch, err := d.store.ClaimOutbox(ctx, d.token, d.cfg.Batch, d.cfg.Lease)
	if err != nil {
		return 0, fmt.Errorf("claim outbox: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	var published []domain.EventID
	for i := range batch {
		ev := &batch[i]

		if ctx.Err() != nil {
			// Shutting down mid-batch: hand the rest back instead of
			// sitting on the claims until the lease runs out.
			var rest []domain.EventID
			for _, r := range batch[i:] {
				rest = append(rest, r.ID)
			}
			releaseCtx, releaseCancel := context.WithTimeout(context.Background(), time.Second)
			_ = d.store.ReleaseOutbox(releaseCtx, rest, d.token)
			releaseCancel()
			break
		}

		if d.cfg.MaxAttempts > 0 && ev.Attempts > d.cfg.MaxAttempts {
			log.Warn().Str("module", "app.dispatcher").Str("event", string(ev.ID)).Int("attempts", ev.Attempts).Msg("poison event retired")
			if err := d.store.MarkDead(ctx, ev.ID, d.token); err != nil {
				log.Error().Err(err).Str("module", "app.dispatcher").Msg("mark dead failed")
			}
			d.metrics.EventsDead.Add(1)
			continue
		}

		pubCtx, cancel := context.WithTimeout(ctx, d.cfg.PublishTimeout)
		err := d.publish(pubCtx, ev)
		cancel()
		if err != nil {
			// Leave the claim in place; the lease expiry re-offers the event.
			log.Error().Err(err).Str("module", "app.dispatcher").Str("event", string(ev.ID)).Msg("publish failed")
			continue
		}
		published = append(published, ev.ID)
	}

	if err := d.store.MarkPublished(ctx, published, d.token); err != nil {
		return len(batch), fmt.Errorf("mark published: %w", err)
	}
	d.metrics.EventsPublished.Add(uint64(len(published)))
	return len(batch), nil
}

func (d *Dispatcher) publish(ctx context.Context, ev *domain.OutboxEvent) error {
	switch ev.Topic {
	case domain.TopicPresence:
		return d.publishPresence(ev)
	case domain.TopicChat:
		return d.publishChat(ev)
	case domain.TopicModeration:
		return d.publishModeration(ctx, ev)
	case domain.TopicChannel:
		return d.publishChannel(ev)
	default:
		// Unknown topics are acked, not retried forever.
		log.Warn().Str("module", "app.dispatcher").Str("topic", ev.Topic).Msg("unknown outbox topic")
		return nil
	}
}

func (d *Dispatcher) publishPresence(ev *domain.OutboxEvent) error {
	var p domain.PresencePayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("presence payload: %w", err)
	}

	// Keep the local voice state in step before fanning out, so the router
	// applies mute/deafen no later than peers learn about it.
	if p.Kind == domain.PresenceMute || p.Kind == domain.PresenceDeafen {
		if sess, ok := d.registry.Lookup(p.UserID); ok {
			sess.SetVoiceState(p.Muted, p.Deafened)
		}
	}

	frame, err := protocol.NewFrame(protocol.TypePresenceEvent, 0, protocol.PresenceEvent{
		EventID:     ev.ID,
		Kind:        protocol.PresenceKind(p.Kind),
		ChannelID:   p.ChannelID,
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		Muted:       p.Muted,
		Deafened:    p.Deafened,
		At:          ev.CreatedAt,
	})
	if err != nil {
		return err
	}
	d.pushToChannel(p.ChannelID, frame)
	return nil
}

func (d *Dispatcher) publishChat(ev *domain.OutboxEvent) error {
	var p domain.ChatPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("chat payload: %w", err)
	}
	frame, err := protocol.NewFrame(protocol.TypeChatEvent, 0, protocol.ChatEvent{
		EventID: ev.ID,
		Message: p.Message,
	})
	if err != nil {
		return err
	}
	d.pushToChannel(p.Message.ChannelID, frame)
	return nil
}

func (d *Dispatcher) publishModeration(ctx context.Context, ev *domain.OutboxEvent) error {
	var p domain.ModerationPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("moderation payload: %w", err)
	}

	if p.Kind == domain.ModerationCapsChanged {
		d.resolver.Invalidate(p.TargetUserID)
		if sess, ok := d.registry.Lookup(p.TargetUserID); ok {
			ch, _ := sess.Channel()
			caps, err := d.resolver.Snapshot(ctx, p.TargetUserID, ch)
			if err != nil {
				return fmt.Errorf("refresh caps snapshot: %w", err)
			}
			sess.SetCaps(caps)
		}
		return nil
	}

	frame, err := protocol.NewFrame(protocol.TypeModerationEvent, 0, protocol.ModerationEvent{
		EventID:      ev.ID,
		Kind:         p.Kind,
		ChannelID:    p.ChannelID,
		ActorUserID:  p.ActorUserID,
		TargetUserID: p.TargetUserID,
		Muted:        p.Muted,
		At:           ev.CreatedAt,
	})
	if err != nil {
		return err
	}
	d.pushToChannel(p.ChannelID, frame)
	return nil
}

func (d *Dispatcher) publishChannel(ev *domain.OutboxEvent) error {
	var p domain.ChannelPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("channel payload: %w", err)
	}
	if p.Kind == domain.ChannelCreated && p.Channel.MaxTalkers != nil {
		d.router.SetMaxTalkers(p.Channel.ID, *p.Channel.MaxTalkers)
	}
	return nil
}

func (d *Dispatcher) pushToChannel(channel domain.ChannelID, frame *protocol.Frame) {
	for _, sess := range d.registry.EnumerateChannel(channel) {
		if err := sess.Push(frame); err != nil {
			d.metrics.PushDrops.Add(1)
		}
	}
}

// ClaimToken identifies this dispatcher in outbox rows; exposed for tests.
func (d *Dispatcher) ClaimToken() string { return d.token }
