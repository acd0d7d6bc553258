// Package channel is the in-process event log backend used for tests and
// single-node development.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/chainflow/transport"
)

// TransportName is the pubsub.system value selecting this backend.
const TransportName = "channel"

// Factory builds the underlying pub/sub. Tests may replace it.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	ps := gochannel.NewGoChannel(cfg, logger)
	return ps, ps
}

func init() {
	Register()
}

// Register adds the backend to the default registry.
func Register() {
	transport.Register(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a persistent go channel so subscribers that attach after a
// record was appended still receive it. Every consumer group receives every
// record.
func Build(_ context.Context, _ transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pub, sub := Factory(gochannel.Config{
		OutputChannelBuffer: 64,
		Persistent:          true,
	}, logger)
	return transport.Transport{
		Publisher:     pub,
		NewSubscriber: transport.Shared(sub),
		Closer:        sub.Close,
	}, nil
}
