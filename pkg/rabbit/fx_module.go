package rabbit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/fx"

	"github.com/nutriplan/mqkit/pkg/observability"
)

// FXModule provides the connection manager, the topology manager and a
// Registry of every *Topology supplied to the "rabbit.topologies" group.
// On start all registered topologies are declared (a failure aborts
// startup) and the connection watch is launched; on stop channels and the
// connection are closed.
//
//	app := fx.New(
//	    rabbit.FXModule,
//	    fx.Provide(
//	        func() rabbit.Config { return cfg.Rabbit },
//	        rabbit.AsTopology(scraper.ImageTopology),
//	    ),
//	)
var FXModule = fx.Module("rabbit",
	fx.Provide(
		NewConnectionManagerWithDI,
		NewTopologyManagerWithDI,
		NewRegistryWithDI,
		fx.Annotate(
			func(m *TopologyManager) Consumer { return m },
			fx.As(new(Consumer)),
		),
	),
	fx.Invoke(RegisterRabbitLifecycle),
)

// AsTopology annotates a topology constructor so its result joins the
// "rabbit.topologies" group.
func AsTopology(f any) any {
	return fx.Annotate(f, fx.ResultTags(`group:"rabbit.topologies"`))
}

// RabbitParams groups the dependencies needed to create the managers.
type RabbitParams struct {
	fx.In

	Config   Config
	Logger   Logger                 `optional:"true"`
	Observer observability.Observer `optional:"true"`
	Dialer   Dialer                 `optional:"true"`
}

func (p RabbitParams) options() []Option {
	return []Option{WithLogger(p.Logger), WithObserver(p.Observer), WithDialer(p.Dialer)}
}

// NewConnectionManagerWithDI builds a ConnectionManager from injected params.
func NewConnectionManagerWithDI(p RabbitParams) (*ConnectionManager, error) {
	return NewConnectionManager(p.Config, p.options()...)
}

// NewTopologyManagerWithDI builds a TopologyManager from injected params.
func NewTopologyManagerWithDI(conns *ConnectionManager, p RabbitParams) *TopologyManager {
	return NewTopologyManager(conns, p.options()...)
}

// RegistryParams collects the topology group.
type RegistryParams struct {
	fx.In

	Topologies []*Topology `group:"rabbit.topologies"`
}

// NewRegistryWithDI builds the Registry; duplicate ids fail the app.
func NewRegistryWithDI(p RegistryParams) (*Registry, error) {
	return NewRegistry(p.Topologies...)
}

// RabbitLifecycleParams groups the dependencies needed for lifecycle management.
type RabbitLifecycleParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Conns     *ConnectionManager
	Manager   *TopologyManager
	Registry  *Registry
	Logger    Logger `optional:"true"`
}

// RegisterRabbitLifecycle declares the registered topologies on start, keeps
// the connection watched while the app runs and closes everything on stop.
func RegisterRabbitLifecycle(p RabbitLifecycleParams) {
	log := p.Logger
	if log == nil {
		log = nopLogger{}
	}

	wg := &sync.WaitGroup{}
	watchCtx, stopWatch := context.WithCancel(context.Background())

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := p.Manager.DeclareAll(ctx, p.Registry); err != nil {
				stopWatch()
				return err
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				p.Conns.Watch(watchCtx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.InfoWithContext(ctx, "closing rabbit channels and connection...", nil, nil)
			stopWatch()
			err := p.Manager.Close()
			wg.Wait()
			return err
		},
	})
}

// RunWorker runs w for the lifetime of the app. A worker that stops with an
// error shuts the app down; OnStop cancels intake and waits for in-flight
// messages to settle or for ctx to expire.
//
// The drain is bounded by the app's stop timeout, 15s unless set with
// fx.StopTimeout. Set it to at least WorkerConfig.DrainTimeout; OnStop logs a
// warning when the time left is shorter.
func RunWorker[T any](lc fx.Lifecycle, sd fx.Shutdowner, w *Worker[T]) {
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := w.Run(runCtx); err != nil {
					w.logger.ErrorWithContext(runCtx, "worker stopped", err, map[string]interface{}{
						"queue_name": w.topo.UniqueID(),
					})
					_ = sd.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if deadline, ok := ctx.Deadline(); ok {
				if left, drain := time.Until(deadline), w.cfg.DrainTimeout(); left < drain {
					w.logger.WarnWithContext(ctx, "stop timeout is shorter than the worker drain, in-flight messages may be redelivered", nil, map[string]interface{}{
						"queue_name":    w.topo.UniqueID(),
						"stop_left":     left.String(),
						"drain_timeout": drain.String(),
					})
				}
			}
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return fmt.Errorf("waiting for worker on %s: %w", w.topo.UniqueID(), ctx.Err())
			}
		},
	})
}
