package cdr

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/valkey-io/valkey-go"
)

// DefaultChannel is the pub/sub channel correlation events are sent on.
const DefaultChannel = "calldoc:cdr"

// ValkeyPublisher publishes correlation events as JSON over valkey pub/sub.
type ValkeyPublisher struct {
	client  valkey.Client
	channel string
}

// NewValkeyPublisher connects to addr and verifies the connection.
func NewValkeyPublisher(ctx context.Context, addr, password string, db int) (*ValkeyPublisher, error) {
	opts := valkey.ClientOption{
		InitAddress: []string{addr},
		SelectDB:    db,
	}
	if password != "" {
		opts.Password = password
	}

	client, err := valkey.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("creating valkey client: %w", err)
	}
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging valkey: %w", err)
	}

	return &ValkeyPublisher{client: client, channel: DefaultChannel}, nil
}

// Publish sends ev on the configured channel.
func (p *ValkeyPublisher) Publish(ctx context.Context, ev CorrelationEvent) error {
	msg, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	cmd := p.client.B().Publish().Channel(p.channel).Message(msg).Build()
	if err := p.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("publishing cdr %d to valkey: %w", ev.CDRID, err)
	}
	return nil
}

// Close closes the valkey client.
func (p *ValkeyPublisher) Close() {
	p.client.Close()
}

func encodeEvent(ev CorrelationEvent) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("encoding correlation event: %w", err)
	}
	return string(data), nil
}
