package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const relayChannel = "codealong:broadcast"

// relayFrame is the message exchanged between instances over Redis. The
// instance id lets subscribers drop their own publications.
type relayFrame struct {
	Instance  string          `json:"instance"`
	SessionID uint            `json:"sessionId"`
	Message   json.RawMessage `json:"message"`
}

// Relay bridges hub broadcasts across server instances through Redis
// pub/sub, so observers connected to different instances all see the same
// live stream. Best-effort, like the rest of the broadcast edge: a dropped
// relay message is repaired by the consumer's catch-up.
type Relay struct {
	client   *redis.Client
	instance string
	cancel   context.CancelFunc
}

// NewRelay connects to Redis and verifies the connection.
func NewRelay(ctx context.Context, addr string) (*Relay, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Relay{
		client:   client,
		instance: uuid.NewString(),
	}, nil
}

// Start subscribes to the relay channel and injects frames from other
// instances into the local hub.
func (r *Relay) Start(hub *Hub) {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	pubsub := r.client.Subscribe(ctx, relayChannel)
	go func() {
		defer pubsub.Close()
		for msg := range pubsub.Channel() {
			var frame relayFrame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				log.Printf("relay: undecodable frame: %v", err)
				continue
			}
			if frame.Instance == r.instance {
				continue // our own publication echoed back
			}
			hub.deliverLocal(frame.SessionID, frame.Message)
		}
	}()
	log.Println("✓ Redis broadcast relay started")
}

// Publish mirrors a local broadcast to the other instances.
func (r *Relay) Publish(sessionID uint, message []byte) {
	frame, err := json.Marshal(relayFrame{
		Instance:  r.instance,
		SessionID: sessionID,
		Message:   json.RawMessage(message),
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := r.client.Publish(ctx, relayChannel, frame).Err(); err != nil {
		log.Printf("relay: publish failed: %v", err)
	}
}

// Stop tears down the subscription and the connection.
func (r *Relay) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.client.Close()
}
