package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxcore/internal/mock"
	"fxcore/internal/model"
	"fxcore/pkg/logging"
)

func TestDeclareArgsDeadLetterRouting(t *testing.T) {
	args := declareArgs("confirmation_dlq")
	assert.Equal(t, "", args["x-dead-letter-exchange"])
	assert.Equal(t, "confirmation_dlq", args["x-dead-letter-routing-key"])

	assert.Nil(t, declareArgs(""))
}

func TestDeadErrorCarriesReason(t *testing.T) {
	err := Dead("missing_order_data")

	var dead *deadLetter
	require.True(t, errors.As(err, &dead))
	assert.Equal(t, "missing_order_data", dead.reason)

	// Wrapping survives extraction.
	wrapped := fmt.Errorf("routing: %w", err)
	dead = nil
	require.True(t, errors.As(wrapped, &dead))
	assert.Equal(t, "missing_order_data", dead.reason)
}

func TestHeaderIntCoercesBrokerNumerics(t *testing.T) {
	cases := []struct {
		in   any
		want int
	}{
		{int(2), 2},
		{int8(2), 2},
		{int16(2), 2},
		{int32(2), 2},
		{int64(2), 2},
		{float64(2), 2},
		{"2", 0},
		{nil, 0},
	}
	for _, c := range cases {
		got := headerInt(amqp.Table{retryCountHeader: c.in}, retryCountHeader)
		assert.Equal(t, c.want, got, "input %T(%v)", c.in, c.in)
	}
	assert.Zero(t, headerInt(nil, retryCountHeader))
}

func TestDBUpdatePublisherEncodesEnvelope(t *testing.T) {
	sink := mock.NewMockQueuePublisher()
	p := NewDBUpdatePublisher(sink, "order_db_update_queue", logging.NewNop())

	u := model.NewDBUpdate(model.DBOrderOpenConfirmed, "ord-1", map[string]string{
		"user":   "live:42",
		"margin": "110.003",
	})
	require.NoError(t, p.PublishDBUpdate(context.Background(), u))

	body := sink.Last("order_db_update_queue")
	require.NotNil(t, body)
	var got model.DBUpdate
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, model.DBOrderOpenConfirmed, got.Type)
	assert.Equal(t, "ord-1", got.OrderID)
	assert.Equal(t, "110.003", got.Payload["margin"])
	assert.NotZero(t, got.TsMs)
}

func TestDBUpdatePublisherPropagatesBrokerErrors(t *testing.T) {
	sink := mock.NewMockQueuePublisher()
	sink.SetErr(errors.New("broker down"))
	p := NewDBUpdatePublisher(sink, "order_db_update_queue", logging.NewNop())

	err := p.PublishDBUpdate(context.Background(), model.NewDBUpdate(model.DBOrderRejected, "ord-2", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}
