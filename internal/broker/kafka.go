package appkafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"example.com/timelinesync/internal/models"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// KafkaWriter defines an interface for writing messages to Kafka.
type KafkaWriter interface {
	WriteMessages(messages ...kafka.Message) error
	Close() error
}

// KafkaReader defines an interface for reading messages from Kafka.
type KafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaConfig holds configuration parameters for Kafka.
type KafkaConfig struct {
	Brokers      []string      // list of Kafka brokers
	Topic        string        // topic name
	Partition    int           // partition number (used for low-level writes)
	WriteTimeout time.Duration // write timeout duration
	ReadTimeout  time.Duration // read timeout duration (used for consumer group)
	GroupID      string        // consumer group ID
}

// RealKafkaWriter implements KafkaWriter using kafka.Conn (low-level writes).
type RealKafkaWriter struct {
	conn   *kafka.Conn
	config KafkaConfig
}

// NewKafkaWriter creates a new Kafka writer connection.
func NewKafkaWriter(cfg KafkaConfig) (*RealKafkaWriter, error) {
	if len(cfg.Brokers) == 0 {
		cfg.Brokers = []string{"localhost:9092"}
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	conn, err := kafka.DialLeader(context.Background(), "tcp", cfg.Brokers[0], cfg.Topic, cfg.Partition)
	if err != nil {
		return nil, err
	}

	return &RealKafkaWriter{
		conn:   conn,
		config: cfg,
	}, nil
}

func (w *RealKafkaWriter) WriteMessages(messages ...kafka.Message) error {
	if w.conn == nil {
		return errors.New("kafka connection is nil")
	}
	w.conn.SetWriteDeadline(time.Now().Add(w.config.WriteTimeout))
	_, err := w.conn.WriteMessages(messages...)
	return err
}

func (w *RealKafkaWriter) Close() error {
	if w.conn != nil {
		return w.conn.Close()
	}
	return nil
}

// RealKafkaReader implements KafkaReader using kafka.Reader (consumer group).
type RealKafkaReader struct {
	reader *kafka.Reader
}

// NewKafkaReader creates a new Kafka consumer group reader.
func NewKafkaReader(cfg KafkaConfig) KafkaReader {
	if len(cfg.Brokers) == 0 {
		cfg.Brokers = []string{"localhost:9092"}
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.Topic,
		MinBytes:       10e3, // 10KB
		MaxBytes:       10e6, // 10MB
		MaxWait:        cfg.ReadTimeout,
		CommitInterval: time.Second,
	})
	return &RealKafkaReader{reader: r}
}

// NewFollowReader reads every event of one partition starting at offset,
// without a consumer group. Each process follows the full stream.
func NewFollowReader(cfg KafkaConfig, offset int64) (KafkaReader, error) {
	if len(cfg.Brokers) == 0 {
		cfg.Brokers = []string{"localhost:9092"}
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   cfg.Brokers,
		Topic:     cfg.Topic,
		Partition: cfg.Partition,
		MinBytes:  1,
		MaxBytes:  10e6,
		MaxWait:   cfg.ReadTimeout,
	})
	if err := r.SetOffset(offset); err != nil {
		r.Close()
		return nil, fmt.Errorf("seek follow reader: %w", err)
	}
	return &RealKafkaReader{reader: r}, nil
}

// LastOffset returns the offset the next message on the partition will get.
// Capture it before loading state so a follower started later misses nothing.
func LastOffset(ctx context.Context, cfg KafkaConfig) (int64, error) {
	if len(cfg.Brokers) == 0 {
		cfg.Brokers = []string{"localhost:9092"}
	}
	conn, err := kafka.DialLeader(ctx, "tcp", cfg.Brokers[0], cfg.Topic, cfg.Partition)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	return conn.ReadLastOffset()
}

func (r *RealKafkaReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	return r.reader.ReadMessage(ctx)
}

func (r *RealKafkaReader) Close() error {
	return r.reader.Close()
}

// --- Messages ---

const (
	keyFeedChanged = "feed_changed"
	keySyncCommand = "sync_command"
)

// MaxEventBytes bounds a feed-changed payload. Larger events are published
// without their changeset and flagged partial; receivers reload instead.
const MaxEventBytes = 900 << 10

// Publisher writes feed-changed events. Messages are keyed by feed so that
// events of one feed stay ordered within a partition.
type Publisher struct {
	writer   KafkaWriter
	maxBytes int
}

func NewPublisher(w KafkaWriter) *Publisher {
	return &Publisher{writer: w, maxBytes: MaxEventBytes}
}

func (p *Publisher) PublishFeedChanged(ctx context.Context, ev models.FeedChangedEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal feed event: %w", err)
	}
	if len(data) > p.maxBytes && ev.Changes != nil {
		ev.Changes = nil
		ev.Partial = true
		if data, err = json.Marshal(ev); err != nil {
			return fmt.Errorf("marshal feed event: %w", err)
		}
	}
	msg := kafka.Message{
		Key:     []byte(ev.Account + "/" + string(ev.Kind)),
		Value:   data,
		Headers: []kafka.Header{{Key: "type", Value: []byte(keyFeedChanged)}},
	}
	if err := p.writer.WriteMessages(msg); err != nil {
		return fmt.Errorf("write feed event: %w", err)
	}
	return nil
}

// DecodeFeedChanged parses a feed-changed payload.
func DecodeFeedChanged(data []byte) (models.FeedChangedEvent, error) {
	var ev models.FeedChangedEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("decode feed event: %w", err)
	}
	if ev.EventID == "" {
		return ev, errors.New("feed event without id")
	}
	return ev, nil
}

// SendSyncCommand enqueues a sync cycle for the workers. A missing ID is
// filled in and returned.
func SendSyncCommand(w KafkaWriter, cmd models.SyncCommand) (string, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return "", fmt.Errorf("marshal sync command: %w", err)
	}
	msg := kafka.Message{
		Key:     []byte(cmd.Account + "/" + string(cmd.Kind)),
		Value:   data,
		Headers: []kafka.Header{{Key: "type", Value: []byte(keySyncCommand)}},
	}
	if err := w.WriteMessages(msg); err != nil {
		return "", fmt.Errorf("write sync command: %w", err)
	}
	return cmd.ID, nil
}

// DecodeSyncCommand parses and validates a sync command payload and returns
// the feed it targets.
func DecodeSyncCommand(data []byte) (models.SyncCommand, models.FeedKey, error) {
	var cmd models.SyncCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return cmd, models.FeedKey{}, fmt.Errorf("decode sync command: %w", err)
	}
	account, err := models.ParseAccountKey(cmd.Account)
	if err != nil {
		return cmd, models.FeedKey{}, err
	}
	if !cmd.Kind.Valid() {
		return cmd, models.FeedKey{}, fmt.Errorf("unknown timeline kind %q", cmd.Kind)
	}
	switch cmd.Op {
	case models.OpLatest, models.OpOldest:
	case models.OpMore:
		if cmd.Anchor == "" {
			return cmd, models.FeedKey{}, errors.New("sync command: more needs an anchor")
		}
	default:
		return cmd, models.FeedKey{}, fmt.Errorf("unknown sync op %q", cmd.Op)
	}
	return cmd, models.FeedKey{Account: account, Kind: cmd.Kind}, nil
}
