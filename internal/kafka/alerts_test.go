package kafka

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/IBM/sarama/mocks"
	"github.com/gamestats-mongo/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlertPublisher_PublishesEvent(t *testing.T) {
	producer := mocks.NewAsyncProducer(t, nil)
	event := domain.QuarantineEvent{
		Namespace:    "ffa",
		Player:       "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
		Error:        "stats document corrupted: expected integer",
		QuarantineID: "65f0c0ffee",
		Timestamp:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	producer.ExpectInputWithCheckerFunctionAndSucceed(func(val []byte) error {
		var got domain.QuarantineEvent
		if err := json.Unmarshal(val, &got); err != nil {
			return err
		}
		assert.Equal(t, event, got)
		return nil
	})

	publisher := newAlertPublisher(producer, "stats-corruption", zerolog.Nop())
	publisher.StatsQuarantined(context.Background(), event)

	require.NoError(t, publisher.Close())
}

func TestAlertPublisher_ProducerErrorIsLogged(t *testing.T) {
	producer := mocks.NewAsyncProducer(t, nil)
	producer.ExpectInputAndFail(assert.AnError)

	publisher := newAlertPublisher(producer, "stats-corruption", zerolog.Nop())
	publisher.StatsQuarantined(context.Background(), domain.QuarantineEvent{Namespace: "ffa", Global: true})

	assert.NoError(t, publisher.Close())
}
