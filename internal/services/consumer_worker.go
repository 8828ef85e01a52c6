package services

import (
	"context"

	"github.com/pulseproof/pulseproof/internal/eventbus"
	"github.com/pulseproof/pulseproof/internal/worker"
)

// ConsumerWorker runs a bus consumer group as a supervised worker.
type ConsumerWorker struct {
	name     string
	consumer *eventbus.Consumer
}

var _ worker.Worker = &ConsumerWorker{}

func NewConsumerWorker(name string, consumer *eventbus.Consumer) *ConsumerWorker {
	return &ConsumerWorker{name: name, consumer: consumer}
}

func (w *ConsumerWorker) Name() string { return w.name }

func (w *ConsumerWorker) Run(ctx context.Context) error {
	return w.consumer.Run(ctx)
}
