package events

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestMemoryStreamRoundTrip(t *testing.T) {
	t.Parallel()

	stream := NewMemoryStream(8)
	defer stream.Close()

	payload := JobCreated{
		JobID:     1,
		Master:    common.HexToAddress("0xaa"),
		Worker:    common.HexToAddress("0xbb"),
		Price:     big.NewInt(1000),
		Deadline:  1_700_003_600,
		Timestamp: 1_700_000_000,
	}
	envelope, err := NewEnvelope(KindJobCreated, payload)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if envelope.ID == "" {
		t.Fatal("expected envelope id")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var received []Envelope
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = stream.Consume(ctx, 1, func(_ context.Context, e Envelope) error {
			mu.Lock()
			received = append(received, e)
			mu.Unlock()
			cancel()
			return nil
		})
	}()

	if err := stream.Publish(context.Background(), envelope); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for consumer")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("received %d envelopes, want 1", len(received))
	}
	if received[0].Kind != KindJobCreated {
		t.Fatalf("kind = %s, want %s", received[0].Kind, KindJobCreated)
	}

	var decoded JobCreated
	if err := received[0].Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.JobID != 1 || decoded.Price.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func TestMemoryStreamPublishAfterClose(t *testing.T) {
	t.Parallel()

	stream := NewMemoryStream(1)
	_ = stream.Close()

	envelope, err := NewEnvelope(KindJobAccepted, JobAccepted{JobID: 1})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if err := stream.Publish(context.Background(), envelope); err == nil {
		t.Fatal("expected publish on closed stream to fail")
	}
}
