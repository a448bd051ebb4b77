// Package pubsub implements the Pub/Sub Publisher (spec.md §4.8): handlers
// publish a payload to a channel name, and every FD subscribed to that
// channel (spec.md §3's Subscriptions table) receives it as a push frame.
//
// The NATS connection is built with reconnect options and
// disconnect/reconnect/error handlers so a transient broker outage degrades
// to logging instead of crashing the process, and a single wildcard
// subscription fans every channel out through one generic subject scheme
// keyed by channel name rather than a fixed set of typed subjects.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/relaygate/channelserver/internal/logger"
	"github.com/relaygate/channelserver/internal/sharedtables"
)

// Config holds the NATS connection URL plus optional basic auth.
type Config struct {
	URL      string
	User     string
	Password string
}

// subjectPrefix namespaces every channel under one NATS subject tree so a
// single wildcard subscription picks up all of them.
const subjectPrefix = "channelserver.channel."

// Deliverer pushes a channel payload to one FD. internal/wsconn.Manager
// implements this; declared here instead of imported to keep pubsub and
// wsconn independent of each other.
type Deliverer interface {
	Deliver(fd uint64, channel string, payload interface{}) bool
}

// Publisher fans a published payload out to this process's local
// subscribers immediately, and, when NATS is configured, to every other
// process's subscribers via a shared subject tree. With no NATS_URL
// configured it degrades to local-only delivery instead of failing to
// start.
type Publisher struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	subs    *sharedtables.Subscriptions
	deliver Deliverer
	enabled bool
}

// New builds a Publisher backed by subs for local fan-out and, if cfg.URL is
// set, a NATS connection for cross-process fan-out.
func New(cfg Config, subs *sharedtables.Subscriptions, deliverer Deliverer) (*Publisher, error) {
	if cfg.URL == "" {
		logger.PubSub().Warn().Msg("NATS_URL not configured; pub/sub delivery is local-process only")
		return &Publisher{subs: subs, deliver: deliverer, enabled: false}, nil
	}

	opts := []nats.Option{
		nats.Name("channelserver-pubsub"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(10),
		// The local deliverLocal call already serves this process's own
		// subscribers before Publish reaches NATS; echoing the same message
		// back from the server would double-deliver to them.
		nats.NoEcho(),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.PubSub().Warn().Err(err).Msg("NATS pubsub disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.PubSub().Info().Str("url", nc.ConnectedUrl()).Msg("NATS pubsub reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.PubSub().Error().Err(err).Msg("NATS pubsub error")
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		logger.PubSub().Warn().Err(err).Str("url", cfg.URL).
			Msg("failed to connect to NATS; pub/sub delivery is local-process only")
		return &Publisher{subs: subs, deliver: deliverer, enabled: false}, nil
	}

	logger.PubSub().Info().Str("url", conn.ConnectedUrl()).Msg("pub/sub connected to NATS")
	return &Publisher{conn: conn, subs: subs, deliver: deliverer, enabled: true}, nil
}

// Start subscribes to the shared subject tree so messages published by other
// processes reach this process's local subscribers too. No-op if NATS isn't
// configured.
func (p *Publisher) Start(ctx context.Context) error {
	if !p.enabled {
		return nil
	}
	sub, err := p.conn.Subscribe(subjectPrefix+">", func(msg *nats.Msg) {
		channel := strings.TrimPrefix(msg.Subject, subjectPrefix)
		var payload interface{}
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			logger.PubSub().Warn().Err(err).Str("channel", channel).Msg("failed to decode pubsub message")
			return
		}
		p.deliverLocal(channel, payload)
	})
	if err != nil {
		return fmt.Errorf("pubsub: subscribe to %s: %w", subjectPrefix+">", err)
	}
	p.sub = sub
	return nil
}

// Publish delivers payload to every FD subscribed to channel in this
// process, then (if NATS is configured) broadcasts it for every other
// process's subscribers.
func (p *Publisher) Publish(channel string, payload interface{}) error {
	p.deliverLocal(channel, payload)
	if !p.enabled {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("pubsub: marshal payload: %w", err)
	}
	return p.conn.Publish(subjectPrefix+channel, data)
}

func (p *Publisher) deliverLocal(channel string, payload interface{}) {
	if p.subs == nil || p.deliver == nil {
		return
	}
	for _, fd := range p.subs.Subscribers(channel) {
		p.deliver.Deliver(fd, channel, payload)
	}
}

// Close unsubscribes and drains the NATS connection, if any.
func (p *Publisher) Close() {
	if p.sub != nil {
		p.sub.Unsubscribe()
	}
	if p.conn != nil {
		p.conn.Drain()
		p.conn.Close()
	}
}

// Enabled reports whether a live NATS connection backs this Publisher.
func (p *Publisher) Enabled() bool { return p.enabled }
