package events

import (
	"context"
)

// Handler 处理来自事件流的单个信封。
type Handler func(ctx context.Context, envelope Envelope) error

// Publisher 负责向事件流发布协议事件。
type Publisher interface {
	Publish(ctx context.Context, envelope Envelope) error
	Close() error
}

// Consumer 负责从事件流中消费事件。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Stream 同时具备发布与消费能力。
type Stream interface {
	Publisher
	Consumer
}
