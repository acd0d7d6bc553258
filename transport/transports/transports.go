// Package transports links every built-in event log backend into the
// binary. Import it for its side effects before calling transport.Build.
package transports

import (
	// each backend registers itself in init
	_ "github.com/drblury/chainflow/transport/aws"
	_ "github.com/drblury/chainflow/transport/channel"
	_ "github.com/drblury/chainflow/transport/http"
	_ "github.com/drblury/chainflow/transport/io"
	_ "github.com/drblury/chainflow/transport/jetstream"
	_ "github.com/drblury/chainflow/transport/kafka"
	_ "github.com/drblury/chainflow/transport/nats"
	_ "github.com/drblury/chainflow/transport/postgres"
	_ "github.com/drblury/chainflow/transport/rabbitmq"
	_ "github.com/drblury/chainflow/transport/sqlite"
)
