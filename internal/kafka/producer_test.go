package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	batches [][]kafka.Message
	err     error
	closed  bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.batches = append(w.batches, msgs)
	return w.err
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestPublishWritesOneBatch(t *testing.T) {
	w := &recordingWriter{}
	p := NewProducerWithWriter(w, nil, nil)

	err := p.Publish(context.Background(),
		Envelope{Topic: "vote-saga.compensate-yuan", Key: "S1", Type: "VoteSagaCompensateYuan", SagaID: "S1",
			Payload: map[string]string{"sagaId": "S1"}},
		Envelope{Topic: "vote-saga.failed", Key: "S1", Type: "VoteSagaFailed", SagaID: "S1",
			Payload: map[string]string{"sagaId": "S1", "reason": "self-vote"}},
	)
	require.NoError(t, err)
	require.Len(t, w.batches, 1)

	batch := w.batches[0]
	require.Len(t, batch, 2)
	assert.Equal(t, "vote-saga.compensate-yuan", batch[0].Topic)
	assert.Equal(t, "vote-saga.failed", batch[1].Topic)
	assert.Equal(t, []byte("S1"), batch[1].Key)

	headers := map[string]string{}
	for _, h := range batch[1].Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "VoteSagaFailed", headers[HeaderEventType])
	assert.Equal(t, "S1", headers[HeaderSagaID])

	var payload map[string]string
	require.NoError(t, json.Unmarshal(batch[1].Value, &payload))
	assert.Equal(t, "self-vote", payload["reason"])
}

func TestPublishOmitsSagaHeaderWhenEmpty(t *testing.T) {
	w := &recordingWriter{}
	p := NewProducerWithWriter(w, nil, nil)

	require.NoError(t, p.Publish(context.Background(),
		Envelope{Topic: "novel-vote-count-events", Key: "7", Type: "NovelVoteCountUpdate", Payload: struct{}{}}))

	require.Len(t, w.batches[0][0].Headers, 1)
	assert.Equal(t, HeaderEventType, w.batches[0][0].Headers[0].Key)
}

func TestPublishPropagatesWriteError(t *testing.T) {
	boom := errors.New("leader not available")
	w := &recordingWriter{err: boom}
	p := NewProducerWithWriter(w, nil, nil)

	err := p.Publish(context.Background(), Envelope{Topic: "t", Key: "k", Type: "x", Payload: 1})
	assert.ErrorIs(t, err, boom)
}

func TestPublishRejectsUnencodablePayload(t *testing.T) {
	w := &recordingWriter{}
	p := NewProducerWithWriter(w, nil, nil)

	err := p.Publish(context.Background(), Envelope{Topic: "t", Payload: make(chan int)})
	assert.Error(t, err)
	assert.Empty(t, w.batches)
}

func TestPublishNothingIsNoop(t *testing.T) {
	w := &recordingWriter{}
	p := NewProducerWithWriter(w, nil, nil)
	require.NoError(t, p.Publish(context.Background()))
	assert.Empty(t, w.batches)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}
