package transport_test

import (
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/chainflow/transport"
	"github.com/drblury/chainflow/transport/transporttest"
)

func TestSharedIgnoresGroup(t *testing.T) {
	sub := &transporttest.Subscriber{}
	tr := transport.Transport{NewSubscriber: transport.Shared(sub)}

	a, err := tr.Subscriber("indexer")
	require.NoError(t, err)
	b, err := tr.Subscriber("scorer")
	require.NoError(t, err)
	assert.Same(t, sub, a)
	assert.Same(t, sub, b)
}

func TestSubscriberWithoutFactory(t *testing.T) {
	_, err := transport.Transport{}.Subscriber("g")
	assert.Error(t, err)
}

func TestCloseClosesPublisherThenShared(t *testing.T) {
	pub := &transporttest.Publisher{}
	var order []string
	tr := transport.Transport{
		Publisher: pub,
		Closer: func() error {
			order = append(order, "shared")
			assert.True(t, pub.Closed, "publisher should be closed first")
			return errors.New("conn already closed")
		},
	}

	err := tr.Close()
	assert.EqualError(t, err, "conn already closed")
	assert.Equal(t, []string{"shared"}, order)
}

func TestConfigDoubleSatisfiesInterface(t *testing.T) {
	var _ transport.Config = (*transporttest.Config)(nil)
	var _ message.Publisher = (*transporttest.Publisher)(nil)
	var _ message.Subscriber = (*transporttest.Subscriber)(nil)
}
