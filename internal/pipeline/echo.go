// Package pipeline connects the conversation queues to the external agent
// pipeline. Echo answers in-process for development; Transport hands
// envelopes to a remote pipeline over watermill and pumps its results back
// into the stream back-channels.
package pipeline

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dayuer/nanobot-hub/internal/bus"
)

// Deliverer pushes one fragment onto a stream's back-channel.
type Deliverer interface {
	Deliver(ctx context.Context, streamID string, f bus.ResultFragment) error
}

// EchoFragments is the reply Echo produces for env.
func EchoFragments(env bus.InboundEnvelope) []bus.ResultFragment {
	frags := []bus.ResultFragment{bus.Plain("echo: ", true), bus.Plain(env.Content, true)}
	for _, m := range env.Media {
		frags = append(frags, bus.Image(m))
	}
	return append(frags, bus.Complete(""))
}

// Echo is a development listener that writes every inbound message back to
// its stream.
type Echo struct {
	out    Deliverer
	logger zerolog.Logger
}

// NewEcho creates an Echo delivering through out.
func NewEcho(out Deliverer, logger *zerolog.Logger) *Echo {
	e := &Echo{out: out, logger: log.With().Str("component", "pipeline.echo").Logger()}
	if logger != nil {
		e.logger = *logger
	}
	return e
}

// Listen handles one envelope. Messages without a stream are logged and
// dropped.
func (e *Echo) Listen(ctx context.Context, env bus.InboundEnvelope) error {
	if env.StreamID == "" {
		e.logger.Debug().Str("conversation_id", env.ConversationKey()).Msg("no stream, nothing to answer")
		return nil
	}
	for _, f := range EchoFragments(env) {
		if err := e.out.Deliver(ctx, env.StreamID, f); err != nil {
			return errors.Wrapf(err, "echo to stream %s", env.StreamID)
		}
	}
	return nil
}
