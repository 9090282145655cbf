package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Publisher is the subset of a NATS connection the relay needs; tests
// substitute a recording fake.
type Publisher interface {
	Publish(subject string, data []byte) error
	Close()
}

// NATSConfig holds the relay connection settings.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	ReconnectWait int    `yaml:"reconnect_wait_ms"`
	MaxReconnects int    `yaml:"max_reconnects"`
}

// Relay republishes selected bus events to NATS so host-side components
// outside this process can react to wallet lifecycle changes.
type Relay struct {
	pub     Publisher
	prefix  string
	cancels []func()
}

// relayedEvent is the wire shape published to NATS.
type relayedEvent struct {
	Kind    string `json:"kind"`
	Address string `json:"address,omitempty"`
	ChainID uint64 `json:"chain_id,omitempty"`
	At      int64  `json:"at"`
}

// ConnectNATS dials the NATS server with the relay's standard options.
func ConnectNATS(cfg NATSConfig) (Publisher, error) {
	opts := []nats.Option{
		nats.Name("meridian-gateway"),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWait) * time.Millisecond),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

// NewRelay subscribes to every lifecycle kind on bus and forwards events to
// subjects of the form "<prefix>.<kind>".
func NewRelay(bus *Bus, pub Publisher, subjectPrefix string) *Relay {
	if subjectPrefix == "" {
		subjectPrefix = "meridian.wallet"
	}
	r := &Relay{pub: pub, prefix: subjectPrefix}

	for _, kind := range []Kind{KindAccountChanged, KindChainChanged, KindDisconnected} {
		ch, cancel := bus.Subscribe(kind)
		r.cancels = append(r.cancels, cancel)
		go r.forward(ch)
	}
	return r
}

func (r *Relay) forward(ch <-chan Event) {
	for ev := range ch {
		payload, err := json.Marshal(relayedEvent{
			Kind:    string(ev.Kind),
			Address: ev.Address,
			ChainID: ev.ChainID,
			At:      time.Now().Unix(),
		})
		if err != nil {
			continue
		}
		subject := r.prefix + "." + string(ev.Kind)
		if err := r.pub.Publish(subject, payload); err != nil {
			log.Warn().Err(err).Str("subject", subject).Msg("Failed to relay event")
		}
	}
}

// Close unsubscribes from the bus. The publisher is owned by the caller.
func (r *Relay) Close() {
	for _, cancel := range r.cancels {
		cancel()
	}
}
