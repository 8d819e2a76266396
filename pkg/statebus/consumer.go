// Package statebus carries entitlement rule-change events between gateway
// instances.
package statebus

import "context"

type Message struct {
	Key   []byte
	Value []byte
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}
