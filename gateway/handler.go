package main

import (
	"errors"
	"log"

	"github.com/alternate/docstream/broker"
	"github.com/alternate/docstream/observability"
	"github.com/alternate/docstream/protocol"
	"github.com/alternate/docstream/session"
)

// Gateway drives the protocol against the broker and the session registry.
// One instance serves every connection; per-connection state lives in
// clientSession and the registry.
type Gateway struct {
	broker   *broker.Broker
	registry *session.Registry
	limiter  *TokenBucketLimiter
}

// NewGateway wires a Gateway over its collaborators.
func NewGateway(b *broker.Broker, r *session.Registry, limiter *TokenBucketLimiter) *Gateway {
	return &Gateway{broker: b, registry: r, limiter: limiter}
}

// handleFrame decodes and dispatches one inbound frame. Protocol errors are
// always converted into an unsuccessful RESPONSE, never a closed socket.
func (g *Gateway) handleFrame(sess *clientSession, data []byte) {
	if !g.limiter.Allow(sess.id) {
		observability.CommandsRateLimited.Inc()
		g.reply(sess, protocol.ErrorResponse(protocol.ErrRateLimited))
		return
	}

	cmd, err := protocol.DecodeCommand(data)
	if err != nil {
		observability.CommandsReceived.WithLabelValues("unknown", "malformed").Inc()
		g.reply(sess, protocol.ErrorResponse(protocol.ErrInvalidBody))
		return
	}

	switch cmd.Type {
	case protocol.CommandPublish:
		g.handlePublish(sess, &cmd)
	case protocol.CommandSubscribe:
		g.handleSubscribe(sess, &cmd)
	case protocol.CommandHeartbeat:
		observability.CommandsReceived.WithLabelValues("heartbeat", "ok").Inc()
		g.reply(sess, protocol.HeartbeatMessage())
	default:
		observability.CommandsReceived.WithLabelValues("unknown", "unsupported").Inc()
		g.reply(sess, protocol.ErrorResponse(protocol.ErrUnsupportedCommand))
	}
}

func (g *Gateway) handlePublish(sess *clientSession, cmd *protocol.Command) {
	topic := cmd.Topic()
	if topic == "" || cmd.Content == nil {
		observability.CommandsReceived.WithLabelValues("publish", "invalid").Inc()
		g.reply(sess, protocol.ErrorResponse(protocol.ErrInvalidBody))
		return
	}

	// The body was valid here; a refused publish (broker shutting down)
	// gets its own message.
	if err := g.broker.Publish(topic, cmd.Content); err != nil {
		observability.CommandsReceived.WithLabelValues("publish", "error").Inc()
		g.reply(sess, protocol.ErrorResponse(protocol.ErrPublishFailed))
		return
	}

	observability.CommandsReceived.WithLabelValues("publish", "ok").Inc()
	log.Printf("gateway: client %s published to topic %s", sess.id, topic)
	g.reply(sess, protocol.SuccessResponse())
}

func (g *Gateway) handleSubscribe(sess *clientSession, cmd *protocol.Command) {
	topic := cmd.Topic()
	if topic == "" {
		observability.CommandsReceived.WithLabelValues("subscribe", "invalid").Inc()
		g.reply(sess, protocol.ErrorResponse(protocol.ErrInvalidBody))
		return
	}

	sub, err := g.broker.Subscribe(topic, broker.Filter(cmd.Filter()))
	if err != nil {
		observability.CommandsReceived.WithLabelValues("subscribe", "error").Inc()
		g.reply(sess, protocol.ErrorResponse(protocol.ErrInvalidBody))
		return
	}

	// Delivery pump: one goroutine per subscription, alive until the
	// subscription is cancelled. A failed send is logged and isolated; it
	// neither cancels the subscription nor touches other subscribers.
	go func() {
		for payload := range sub.Events() {
			if err := sess.send(protocol.EventMessage(payload)); err != nil {
				observability.DeliveryFailures.Inc()
				log.Printf("gateway: failed to deliver message to client %s on topic %s: %v",
					sess.id, sub.Topic(), err)
			}
		}
	}()

	if err := g.registry.SubscribeTopic(sess.id, topic, sub); err != nil {
		// Subscribe raced connection teardown; the registry already
		// cancelled the handle.
		if !errors.Is(err, session.ErrSessionClosed) {
			log.Printf("gateway: failed to register subscription for client %s: %v", sess.id, err)
		}
		return
	}

	observability.CommandsReceived.WithLabelValues("subscribe", "ok").Inc()
	log.Printf("gateway: client %s subscribed to topic %s", sess.id, topic)
	g.reply(sess, protocol.SuccessResponse())
}

// reply sends a frame, logging transport failures. The connection's read
// pump notices actual disconnects; nothing to do here.
func (g *Gateway) reply(sess *clientSession, msg protocol.Message) {
	if err := sess.send(msg); err != nil {
		log.Printf("gateway: failed to send frame to client %s: %v", sess.id, err)
	}
}
