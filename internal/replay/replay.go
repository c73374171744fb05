package replay

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yandex/tracemux/agent/collector/pkg/config"
	"github.com/yandex/tracemux/agent/collector/pkg/retaddr"
	"github.com/yandex/tracemux/agent/collector/pkg/tracer"
	"github.com/yandex/tracemux/internal/producerevents"
	"github.com/yandex/tracemux/internal/session"
	"github.com/yandex/tracemux/internal/xmetrics"
	"github.com/yandex/tracemux/pkg/capture"
	"github.com/yandex/tracemux/pkg/linux/procfs"
	"github.com/yandex/tracemux/pkg/pubsub"
	"github.com/yandex/tracemux/pkg/xlog"
)

const subscriptionCapacity = 1024

var errQueueFull = errors.New("producer queue is full")

type Result struct {
	SessionID uuid.UUID
	Stats     producerevents.Stats

	// Merged events by kind.
	Kinds map[capture.Kind]uint64

	// Unmatched function exits seen by tracer steps.
	UnmatchedExits int

	// GPU jobs some observations of which never arrived.
	IncompleteGpuJobs int
}

// Run sends the script through a capture session and waits for the merged
// stream to be fully delivered to the sinks. conf must be filled with defaults.
func Run(
	ctx context.Context,
	l xlog.Logger,
	r xmetrics.Registry,
	conf *config.Config,
	script *Script,
	sinks ...producerevents.EventSink,
) (*Result, error) {
	l = l.WithName("replay")

	bus := pubsub.NewEventBus()
	kinds := make(map[capture.Kind]uint64)
	sub := bus.Subscribe(subscriptionCapacity, nil)
	counted := make(chan struct{})
	go func() {
		defer close(counted)
		for event := range sub.Chan() {
			kinds[event.Kind()]++
		}
	}()

	s, err := session.New(l, r, session.Config{
		Forwarder: conf.Forwarder,
		Strict:    *conf.Tracer.Strict,
	}, append([]producerevents.EventSink{bus}, sinks...)...)
	if err != nil {
		bus.CloseAll()
		return nil, err
	}

	var procFS fs.FS
	if script.Procfs != "" {
		procFS = os.DirFS(script.Procfs)
	}
	maps := procfs.NewMapsCache(procFS, conf.MapsCache)
	defer maps.Stop()

	producers := make([]*session.Producer, 0, len(script.Producers))
	for _, entry := range script.Producers {
		p, err := s.Producer(entry.ID)
		if err != nil {
			bus.CloseAll()
			return nil, err
		}
		producers = append(producers, p)
	}

	res := &Result{SessionID: s.ID()}
	var resMutex sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Run(gctx)
	})
	for i := range script.Producers {
		entry := &script.Producers[i]
		p := producers[i]
		g.Go(func() error {
			defer p.Close()

			out := &blockingEnqueuer{ctx: gctx, producer: p}
			for _, event := range entry.Events {
				if !out.Enqueue(event.Event) {
					return out.err
				}
			}
			if len(entry.Tracer) == 0 {
				return nil
			}

			v := tracer.NewVisitor(l.With(zap.Uint64("producer", uint64(entry.ID))), r, tracer.Options{
				TrampolineMapping: *conf.Tracer.TrampolineMapping,
				Strict:            *conf.Tracer.Strict,
			}, out, maps, nil)

			unmatched := 0
			for j := range entry.Tracer {
				err := entry.Tracer[j].apply(v)
				if err != nil {
					if !errors.Is(err, retaddr.ErrNoPendingEntry) {
						return fmt.Errorf("producer %d tracer step %d: %w", entry.ID, j, err)
					}
					unmatched++
				}
				if out.err != nil {
					return out.err
				}
			}
			incomplete := v.Finish()

			resMutex.Lock()
			res.UnmatchedExits += unmatched
			res.IncompleteGpuJobs += incomplete
			resMutex.Unlock()
			return out.err
		})
	}

	err = g.Wait()
	bus.CloseAll()
	<-counted

	res.Stats = s.Stats()
	res.Kinds = kinds
	return res, err
}

////////////////////////////////////////////////////////////////////////////////

// blockingEnqueuer waits for room in the producer queue instead of dropping.
type blockingEnqueuer struct {
	ctx      context.Context
	producer *session.Producer
	err      error
}

func (e *blockingEnqueuer) Enqueue(event capture.Event) bool {
	if e.err != nil {
		return false
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 0

	e.err = backoff.Retry(func() error {
		if !e.producer.Send(event) {
			return errQueueFull
		}
		return nil
	}, backoff.WithContext(b, e.ctx))
	return e.err == nil
}
