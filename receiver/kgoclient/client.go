// Package kgoclient adapts github.com/twmb/franz-go/pkg/kgo to the
// receiver.Client contract. franz-go has no literal wakeup/pause/resume/
// assignment/paused/commitAsync/commitSync surface, so this package
// translates each of those onto the concrete methods kgo.Client does
// expose, the way the teacher's ws/kafka.Consumer wraps kgo for its own,
// narrower needs.
package kgoclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/streamcore/kreactor/receiver"
)

// Config configures the underlying kgo.Client construction, mirroring the
// fields the teacher's kafka.ConsumerConfig exposes.
type Config struct {
	Brokers       []string
	ConsumerGroup string
	Topics        []string
	Logger        zerolog.Logger
}

// Client implements receiver.Client over a *kgo.Client.
type Client struct {
	cl     *kgo.Client
	adm    *kadm.Client
	group  string
	topics map[string]struct{}
	logger zerolog.Logger

	listener atomic.Pointer[receiver.RebalanceListener]

	mu      sync.Mutex
	assigned map[string]map[int32]struct{}
	paused   map[string]map[int32]struct{}

	pollMu  sync.Mutex
	wakeups []context.CancelFunc
}

// New constructs the kgo.Client and wraps it. The rebalance listener
// passed to Subscribe is installed lazily: franz-go only accepts
// OnPartitionsAssigned/Revoked as NewClient options, so this constructor
// wires callbacks that forward to whatever listener Subscribe later
// stores.
func New(cfg Config) (*Client, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kgoclient: at least one broker is required")
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("kgoclient: consumer group is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("kgoclient: at least one topic is required")
	}

	c := &Client{
		group:    cfg.ConsumerGroup,
		topics:   make(map[string]struct{}, len(cfg.Topics)),
		logger:   cfg.Logger,
		assigned: make(map[string]map[int32]struct{}),
		paused:   make(map[string]map[int32]struct{}),
	}
	for _, t := range cfg.Topics {
		c.topics[t] = struct{}{}
	}

	cl, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(c.onAssigned),
		kgo.OnPartitionsRevoked(c.onRevoked),
		kgo.OnPartitionsLost(c.onRevoked),
	)
	if err != nil {
		return nil, fmt.Errorf("kgoclient: failed to create kafka client: %w", err)
	}
	c.cl = cl
	c.adm = kadm.NewClient(cl)
	return c, nil
}

func (c *Client) onAssigned(ctx context.Context, _ *kgo.Client, assigned map[string][]int32) {
	c.mu.Lock()
	for topic, partitions := range assigned {
		set := c.assigned[topic]
		if set == nil {
			set = make(map[int32]struct{})
			c.assigned[topic] = set
		}
		for _, p := range partitions {
			set[p] = struct{}{}
		}
	}
	c.mu.Unlock()

	if l := c.listener.Load(); l != nil {
		(*l).OnPartitionsAssigned(ctx, toTopicPartitions(assigned))
	}
}

func (c *Client) onRevoked(ctx context.Context, _ *kgo.Client, revoked map[string][]int32) {
	c.mu.Lock()
	for topic, partitions := range revoked {
		set := c.assigned[topic]
		for _, p := range partitions {
			delete(set, p)
			if pausedSet := c.paused[topic]; pausedSet != nil {
				delete(pausedSet, p)
			}
		}
	}
	c.mu.Unlock()

	if l := c.listener.Load(); l != nil {
		(*l).OnPartitionsRevoked(ctx, toTopicPartitions(revoked))
	}
}

// Subscribe validates the topic set already configured at construction
// and installs the rebalance listener the callbacks forward to.
func (c *Client) Subscribe(topics []string, listener receiver.RebalanceListener) error {
	for _, t := range topics {
		if _, ok := c.topics[t]; !ok {
			return fmt.Errorf("kgoclient: topic %q was not configured at client construction", t)
		}
	}
	c.listener.Store(&listener)
	return nil
}

// Poll wraps PollFetches with a per-call cancellable context, standing in
// for franz-go's missing wakeup() primitive: Wakeup cancels every
// outstanding poll's context, and the resulting context.Canceled is
// translated to receiver.ErrWakeup.
func (c *Client) Poll(ctx context.Context, timeout time.Duration) (receiver.RecordBatch, error) {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	c.pollMu.Lock()
	c.wakeups = append(c.wakeups, cancel)
	c.pollMu.Unlock()
	defer cancel()

	fetches := c.cl.PollFetches(pollCtx)

	if errors.Is(pollCtx.Err(), context.Canceled) && ctx.Err() == nil {
		return receiver.RecordBatch{}, receiver.ErrWakeup
	}

	if errs := fetches.Errors(); len(errs) > 0 {
		for _, fe := range errs {
			if errors.Is(fe.Err, context.Canceled) || errors.Is(fe.Err, context.DeadlineExceeded) {
				continue
			}
			c.logger.Error().Err(fe.Err).Str("topic", fe.Topic).Int32("partition", fe.Partition).Msg("fetch error")
		}
	}

	batch := receiver.RecordBatch{}
	fetches.EachRecord(func(rec *kgo.Record) {
		tp := receiver.TopicPartition{Topic: rec.Topic, Partition: rec.Partition}
		r := receiver.Record{
			TopicPartition: tp,
			Key:            rec.Key,
			Value:          rec.Value,
			Offset:         rec.Offset,
			Timestamp:      rec.Timestamp,
		}
		batch.Records = append(batch.Records, r)
	})
	return batch, nil
}

// Wakeup cancels every outstanding poll's context, causing it to return
// promptly with receiver.ErrWakeup.
func (c *Client) Wakeup() {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()
	for _, cancel := range c.wakeups {
		cancel()
	}
	c.wakeups = nil
}

// Pause stops fetching from the given partitions, and records them in the
// adapter's local paused-set bookkeeping (franz-go exposes no live query
// for this).
func (c *Client) Pause(partitions []receiver.TopicPartition) {
	grouped := groupByTopic(partitions)
	c.cl.PauseFetchPartitions(grouped)

	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, parts := range grouped {
		set := c.paused[topic]
		if set == nil {
			set = make(map[int32]struct{})
			c.paused[topic] = set
		}
		for _, p := range parts {
			set[p] = struct{}{}
		}
	}
}

// Resume re-enables fetching on the given partitions.
func (c *Client) Resume(partitions []receiver.TopicPartition) {
	grouped := groupByTopic(partitions)
	c.cl.ResumeFetchPartitions(grouped)

	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, parts := range grouped {
		set := c.paused[topic]
		if set == nil {
			continue
		}
		for _, p := range parts {
			delete(set, p)
		}
	}
}

// Assignment reports the partitions currently assigned, from local
// bookkeeping maintained by the rebalance callbacks.
func (c *Client) Assignment() []receiver.TopicPartition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return flatten(c.assigned)
}

// Paused reports the subset of the assignment currently paused.
func (c *Client) Paused() []receiver.TopicPartition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return flatten(c.paused)
}

// CommitAsync commits offsets without blocking the caller. kadm exposes
// only a blocking commit, so the async contract is provided by running
// the blocking admin commit on its own goroutine and invoking cb once it
// returns, matching the "callback runs later" contract of receiver.Client
// (the callback still only ever touches event-loop state by being
// submitted back through the consumer thread, per the core's own
// discipline — not this adapter's concern).
func (c *Client) CommitAsync(offsets map[receiver.TopicPartition]receiver.OffsetAndMetadata, cb func(map[receiver.TopicPartition]receiver.OffsetAndMetadata, error)) {
	go func() {
		err := c.commit(context.Background(), offsets)
		cb(offsets, err)
	}()
}

// CommitSync commits offsets and blocks until the broker replies.
func (c *Client) CommitSync(offsets map[receiver.TopicPartition]receiver.OffsetAndMetadata) error {
	return c.commit(context.Background(), offsets)
}

func (c *Client) commit(ctx context.Context, offsets map[receiver.TopicPartition]receiver.OffsetAndMetadata) error {
	if len(offsets) == 0 {
		return nil
	}
	toCommit := make(kadm.Offsets, len(offsets))
	for tp, oam := range offsets {
		toCommit.Add(kadm.Offset{
			Topic:     tp.Topic,
			Partition: tp.Partition,
			At:        oam.Offset,
		})
	}
	responses, err := c.adm.CommitOffsets(ctx, c.group, toCommit)
	if err != nil {
		return err
	}
	return responses.Error()
}

// Close releases the client, racing it against the supplied timeout
// (kgo.Client.Close has no timeout parameter of its own).
func (c *Client) Close(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		c.cl.Close()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("kgoclient: close did not complete within %s", timeout)
	}
}

func toTopicPartitions(m map[string][]int32) []receiver.TopicPartition {
	out := make([]receiver.TopicPartition, 0, len(m))
	for topic, partitions := range m {
		for _, p := range partitions {
			out = append(out, receiver.TopicPartition{Topic: topic, Partition: p})
		}
	}
	return out
}

func groupByTopic(partitions []receiver.TopicPartition) map[string][]int32 {
	out := make(map[string][]int32)
	for _, tp := range partitions {
		out[tp.Topic] = append(out[tp.Topic], tp.Partition)
	}
	return out
}

func flatten(m map[string]map[int32]struct{}) []receiver.TopicPartition {
	out := make([]receiver.TopicPartition, 0)
	for topic, partitions := range m {
		for p := range partitions {
			out = append(out, receiver.TopicPartition{Topic: topic, Partition: p})
		}
	}
	return out
}
