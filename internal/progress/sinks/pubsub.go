package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/imgharvest/internal/crawler"
	"github.com/JakeFAU/imgharvest/internal/progress"
	"github.com/JakeFAU/imgharvest/internal/queue"
)

// ArtifactNotice is the JSON payload published for every saved artifact.
type ArtifactNotice struct {
	RunID    string    `json:"run_id"`
	Category string    `json:"category"`
	Label    string    `json:"label,omitempty"`
	Key      string    `json:"key"`
	URL      string    `json:"url"`
	Digest   string    `json:"digest"`
	Bytes    int       `json:"bytes"`
	Count    int       `json:"count"`
	SavedAt  time.Time `json:"saved_at"`
}

// PubSubSink announces ARTIFACT_SAVED events on a message queue. Other stages
// are ignored.
type PubSubSink struct {
	provider queue.Provider
	hasher   crawler.Hasher
}

// NewPubSubSink wraps provider. The sink owns provider and closes it on Close.
func NewPubSubSink(provider queue.Provider, hasher crawler.Hasher) (*PubSubSink, error) {
	if provider == nil {
		return nil, errors.New("pubsub sink requires a provider")
	}
	if hasher == nil {
		return nil, errors.New("pubsub sink requires a hasher")
	}
	return &PubSubSink{provider: provider, hasher: hasher}, nil
}

// Consume publishes one notice per saved artifact in the batch. All events
// are attempted; the joined error reports every failure.
func (s *PubSubSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		if evt.Stage != progress.StageArtifactSaved {
			continue
		}
		msg, err := s.message(evt)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.provider.Publish(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("publish %s/%s: %w", evt.Category, evt.Key, err))
		}
	}
	return errors.Join(errs...)
}

func (s *PubSubSink) message(evt progress.Event) (queue.Message, error) {
	digest, err := s.hasher.Hash(evt.Body)
	if err != nil {
		return queue.Message{}, fmt.Errorf("digest %s: %w", evt.Key, err)
	}
	data, err := json.Marshal(ArtifactNotice{
		RunID:    evt.RunUUID().String(),
		Category: evt.Category,
		Label:    evt.Label,
		Key:      evt.Key,
		URL:      evt.URL,
		Digest:   digest,
		Bytes:    len(evt.Body),
		Count:    evt.Count,
		SavedAt:  evt.TS.UTC(),
	})
	if err != nil {
		return queue.Message{}, fmt.Errorf("encode notice: %w", err)
	}
	return queue.Message{
		Data: data,
		Attributes: map[string]string{
			"category": evt.Category,
			"key":      evt.Key,
		},
	}, nil
}

// Close flushes and closes the underlying provider.
func (s *PubSubSink) Close(context.Context) error {
	if err := s.provider.Close(); err != nil {
		return fmt.Errorf("close pubsub provider: %w", err)
	}
	return nil
}
