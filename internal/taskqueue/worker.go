package taskqueue

import (
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"dsrules/internal/events"
	"dsrules/internal/logging"
)

// maxRetry is how often a timed event is redelivered if the handler fails
const maxRetry = 3

type enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Queue enqueues delayed events and runs the workers delivering them
type Queue struct {
	client enqueuer
	srv    *asynq.Server
	mux    *asynq.ServeMux
	log    zerolog.Logger
}

// New creates a queue on the Redis instance at opt delivering into r
func New(opt asynq.RedisClientOpt, r Raiser) *Queue {
	q := &Queue{
		client: asynq.NewClient(opt),
		srv: asynq.NewServer(opt, asynq.Config{
			Concurrency: 4,
			Logger:      asynqLogger{log: logging.Component("asynq")},
		}),
		mux: asynq.NewServeMux(),
		log: logging.Component("taskqueue"),
	}
	q.mux.HandleFunc(TypeTimedEvent, timedEventHandler(r))
	return q
}

// RaiseAfter schedules ev to be raised after d; it implements
// engine.DelayedRaiser
func (q *Queue) RaiseAfter(ev events.Event, d time.Duration) error {
	task, err := NewTimedEventTask(ev)
	if err != nil {
		return err
	}
	info, err := q.client.Enqueue(task, asynq.ProcessIn(d), asynq.MaxRetry(maxRetry))
	if err != nil {
		return fmt.Errorf("enqueueing %s: %w", ev.Name, err)
	}
	q.log.Debug().Str("task", info.ID).Str("event", ev.Name).Dur("in", d).Msg("timed event enqueued")
	return nil
}

// Start runs the workers in the background
func (q *Queue) Start() error {
	q.log.Info().Msg("starting workers")
	if err := q.srv.Start(q.mux); err != nil {
		return fmt.Errorf("starting workers: %w", err)
	}
	return nil
}

// Stop shuts the workers down and closes the client
func (q *Queue) Stop() {
	q.log.Info().Msg("stopping workers")
	q.srv.Shutdown()
	if err := q.client.Close(); err != nil {
		q.log.Warn().Err(err).Msg("closing client")
	}
}

// asynqLogger routes asynq's own logging through zerolog
type asynqLogger struct {
	log zerolog.Logger
}

func (l asynqLogger) Debug(args ...interface{}) { l.log.Debug().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...interface{})  { l.log.Info().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...interface{})  { l.log.Warn().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...interface{}) { l.log.Error().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...interface{}) { l.log.Fatal().Msg(fmt.Sprint(args...)) }
