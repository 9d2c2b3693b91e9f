package worker

import (
	"context"

	appkafka "example.com/timelinesync/internal/broker"
	"example.com/timelinesync/internal/models"
	"go.uber.org/zap"
)

// Replayer folds feed-changed events of other processes into local state.
// *timeline.Orchestrator implements it.
type Replayer interface {
	Replay(ctx context.Context, ev models.FeedChangedEvent) error
}

// Follower keeps a process's graph current with commits made by the other
// processes sharing its persister.
type Follower struct {
	replayer Replayer
	reader   appkafka.KafkaReader
}

func NewFollower(r Replayer, reader appkafka.KafkaReader) *Follower {
	return &Follower{replayer: r, reader: reader}
}

// Run reads events until ctx is done. Events are applied in log order.
func (f *Follower) Run(ctx context.Context) {
	logg.Info("follower", "Following feed-changed events")
	var retry int
	for {
		if ctx.Err() != nil {
			return
		}
		if err := f.step(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logg.Error("follower", "Feed event read error, backing off", err)
			if !waitWithContext(ctx, backoff(retry)) {
				return
			}
			retry++
			continue
		}
		retry = 0
	}
}

// step reads and applies one event. Only read errors are returned; a bad or
// unapplicable event is logged and skipped.
func (f *Follower) step(ctx context.Context) error {
	msg, err := f.reader.ReadMessage(ctx)
	if err != nil {
		return err
	}
	if len(msg.Value) == 0 {
		return nil
	}
	ev, err := appkafka.DecodeFeedChanged(msg.Value)
	if err != nil {
		logg.Warn("follower", "Skipping undecodable feed event", err, zap.Int64("offset", msg.Offset))
		return nil
	}
	if err := f.replayer.Replay(ctx, ev); err != nil {
		logg.Warn("follower", "Failed to replay feed event", err, zap.String("event", ev.EventID))
	}
	return nil
}

func (f *Follower) Close() error {
	return f.reader.Close()
}
