package broker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"unsgateway/internal/logging"
)

func TestTopicAllowed(t *testing.T) {
	allowed := []string{"out/+/status", "out/fixed"}
	require.True(t, topicAllowed("out/a/status", allowed))
	require.True(t, topicAllowed("out/fixed", allowed))
	require.False(t, topicAllowed("in/a/status", allowed))
}

func TestPublishUnknownBroker(t *testing.T) {
	p := NewPool(logging.NewLogger())
	err := p.Publish(context.Background(), "missing", "a/b", []byte("x"), 0, false)
	require.ErrorIs(t, err, ErrUnknown)
}

func TestPublishUnavailableWhenNeverConnected(t *testing.T) {
	p := NewPool(logging.NewLogger())
	err := p.StartAll(context.Background(), []Config{{
		ID:                   "b1",
		Endpoint:             "tcp://127.0.0.1:1", // unreachable, connection stays down
		Subscriptions:        []string{"a/#"},
		PublishAllowedTopics: []string{"a/#"},
	}})
	require.NoError(t, err)
	defer p.StopAll()

	err = p.Publish(context.Background(), "b1", "a/b", []byte("x"), 0, false)
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestPublishNotAllowedTopic(t *testing.T) {
	p := NewPool(logging.NewLogger())
	err := p.StartAll(context.Background(), []Config{{
		ID:                   "b1",
		Endpoint:             "tcp://127.0.0.1:1",
		Subscriptions:        []string{"a/#"},
		PublishAllowedTopics: []string{"out/#"},
	}})
	require.NoError(t, err)
	defer p.StopAll()

	err = p.Publish(context.Background(), "b1", "in/secret", []byte("x"), 0, false)
	require.ErrorIs(t, err, ErrNotAllowed)
}

func TestStopAllIsIdempotent(t *testing.T) {
	p := NewPool(logging.NewLogger())
	require.NoError(t, p.StartAll(context.Background(), nil))
	p.StopAll()
	p.StopAll() // must not panic or block
}

func TestStatusAllReflectsDisconnectedByDefault(t *testing.T) {
	p := NewPool(logging.NewLogger())
	err := p.StartAll(context.Background(), []Config{{
		ID:            "b1",
		Endpoint:      "tcp://127.0.0.1:1",
		Subscriptions: []string{"a/#"},
	}})
	require.NoError(t, err)
	defer p.StopAll()

	require.False(t, p.IsConnected("b1"))
	statuses := p.StatusAll()
	require.Len(t, statuses, 1)
	require.Equal(t, "b1", statuses[0].BrokerID)
	require.False(t, statuses[0].Connected)
}

func TestStartAllRejectsBadPattern(t *testing.T) {
	p := NewPool(logging.NewLogger())
	err := p.StartAll(context.Background(), []Config{{
		ID:            "b1",
		Endpoint:      "tcp://127.0.0.1:1",
		Subscriptions: []string{"a/#/b"},
	}})
	require.Error(t, err)
}
