package pubsub

import (
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/nats-io/nats.go"

	"github.com/flashfusion/collab-relay/internal"
)

var logger = internal.NewLogger()

// envelope is the NATS wire format: the payload type and its CBOR encoded body.
type envelope struct {
	Type string          `cbor:"1,keyasint"`
	Body cbor.RawMessage `cbor:"2,keyasint"`
}

func encodePayload(p Payload) ([]byte, error) {
	body, err := cbor.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encodePayload: %w", err)
	}
	return cbor.Marshal(envelope{
		Type: p.Type(),
		Body: body,
	})
}

func decodePayload(data []byte) (Payload, error) {
	var env envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decodePayload: %w", err)
	}
	switch env.Type {
	case RelayBroadcast{}.Type():
		var rb RelayBroadcast
		if err := cbor.Unmarshal(env.Body, &rb); err != nil {
			return nil, fmt.Errorf("decodePayload: %s: %w", env.Type, err)
		}
		return &rb, nil
	default:
		return nil, fmt.Errorf("decodePayload: unknown payload type %q", env.Type)
	}
}

// NATSBus is a Notifier and Listener backed by a NATS server, used when more than one relay
// node serves the same projects. Channel names are mapped to subjects under subjectPrefix.
type NATSBus struct {
	nc            *nats.Conn
	subjectPrefix string

	mu     sync.Mutex
	subs   []*nats.Subscription
	done   chan struct{}
	closed bool
}

func NewNATSBus(url, subjectPrefix string) (*NATSBus, error) {
	nc, err := nats.Connect(url,
		nats.Name("collab-relay"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATSBus: disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("NATSBus: reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("NewNATSBus: connect %s: %w", url, err)
	}
	return &NATSBus{
		nc:            nc,
		subjectPrefix: subjectPrefix,
		done:          make(chan struct{}),
	}, nil
}

func (b *NATSBus) subject(chanName string) string {
	return b.subjectPrefix + "." + chanName
}

func (b *NATSBus) Notify(chanName string, p Payload) error {
	data, err := encodePayload(p)
	if err != nil {
		return err
	}
	return b.nc.Publish(b.subject(chanName), data)
}

// Listen subscribes to chanName and blocks until Close is called. NATS invokes the callback
// from one goroutine per subscription, so payloads arrive in publish order.
func (b *NATSBus) Listen(chanName string, fn func(p Payload)) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	sub, err := b.nc.Subscribe(b.subject(chanName), func(m *nats.Msg) {
		p, err := decodePayload(m.Data)
		if err != nil {
			logger.Err(err).Str("subject", m.Subject).Msg("NATSBus: dropping undecodable payload")
			return
		}
		fn(p)
	})
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("NATSBus.Listen: subscribe %s: %w", chanName, err)
	}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	<-b.done
	return nil
}

func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			logger.Warn().Err(err).Str("subject", sub.Subject).Msg("NATSBus: failed to unsubscribe")
		}
	}
	close(b.done)
	b.nc.Close()
	return nil
}
