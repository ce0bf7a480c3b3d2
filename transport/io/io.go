// Package io is a file backed pubsub for local development. Every published
// message is appended to the file as one JSON line; subscribers tail the
// file from the beginning and receive the lines of their topic.
package io

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/outrigger/internal/runtime/jsoncodec"
	"github.com/drblury/outrigger/transport"
)

const TransportName = "io"

// Metadata keys.
const (
	PropertyFile         = "file"
	PropertyPollInterval = "pollInterval"
)

const (
	DefaultFilePath     = "messages.log"
	DefaultPollInterval = 50 * time.Millisecond
)

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.IOCapabilities)
}

func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	path := cfg.Metadata.String(PropertyFile, DefaultFilePath)
	poll, err := cfg.Metadata.Duration(PropertyPollInterval, DefaultPollInterval)
	if err != nil {
		return transport.Transport{}, err
	}
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return transport.Transport{
		Publisher:  &Publisher{path: path},
		Subscriber: &Subscriber{path: path, poll: poll, logger: logger},
	}, nil
}

func Capabilities() transport.Capabilities {
	return transport.IOCapabilities
}

type record struct {
	UUID     string            `json:"uuid"`
	Topic    string            `json:"topic"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Payload  []byte            `json:"payload"`
}

// Publisher appends messages to the file.
type Publisher struct {
	path string
	mu   sync.Mutex
}

func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := os.OpenFile(p.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, msg := range messages {
		line, err := jsoncodec.Marshal(record{UUID: msg.UUID, Topic: topic, Metadata: msg.Metadata, Payload: msg.Payload})
		if err != nil {
			_ = f.Close()
			return err
		}
		_, _ = w.Write(line)
		_ = w.WriteByte('\n')
	}
	return errors.Join(w.Flush(), f.Close())
}

func (p *Publisher) Close() error { return nil }

// Subscriber tails the file.
type Subscriber struct {
	path   string
	poll   time.Duration
	logger watermill.LoggerAdapter
}

// Subscribe delivers one message at a time and waits for its ack or nack
// before reading on. The channel closes when ctx is done.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	f, err := os.OpenFile(s.path, os.O_RDONLY|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	out := make(chan *message.Message)
	go func() {
		defer close(out)
		defer f.Close()
		s.tail(ctx, bufio.NewReader(f), topic, out)
	}()
	return out, nil
}

func (s *Subscriber) tail(ctx context.Context, r *bufio.Reader, topic string, out chan<- *message.Message) {
	var pending []byte
	for {
		chunk, err := r.ReadBytes('\n')
		pending = append(pending, chunk...)
		if errors.Is(err, io.EOF) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.poll):
			}
			continue
		}
		if err != nil {
			s.logger.Error("Reading message log failed", err, watermill.LogFields{"file": s.path})
			return
		}

		line := pending
		pending = nil
		var rec record
		if err := jsoncodec.Unmarshal(line, &rec); err != nil {
			s.logger.Error("Skipping malformed message line", err, watermill.LogFields{"file": s.path})
			continue
		}
		if rec.Topic != topic {
			continue
		}
		msg := message.NewMessage(rec.UUID, rec.Payload)
		for k, v := range rec.Metadata {
			msg.Metadata.Set(k, v)
		}
		if !s.deliver(ctx, msg, out) {
			return
		}
	}
}

func (s *Subscriber) deliver(ctx context.Context, msg *message.Message, out chan<- *message.Message) bool {
	select {
	case out <- msg:
	case <-ctx.Done():
		return false
	}
	select {
	case <-msg.Acked():
	case <-msg.Nacked():
		s.logger.Debug("Message nacked, file log does not redeliver", watermill.LogFields{"uuid": msg.UUID})
	case <-ctx.Done():
		return false
	}
	return true
}

func (s *Subscriber) Close() error { return nil }
