// Package rabbit declares RabbitMQ topologies and runs bounded consumers on
// top of them.
//
// Core Features:
//   - Immutable topology descriptors: exchange, queue, binding and an
//     optional dead-letter path, validated when built
//   - One lazily dialed, watched connection per process
//   - At most one cached channel per queue, QoS applied once
//   - Idempotent declaration, dead-letter path declared by default
//   - Confirmed, mandatory publishing (unroutable messages fail loudly)
//   - A worker loop with a concurrency limit, a per-message deadline and a
//     shielded cleanup window
//
// Describing a topology:
//
//	images := rabbit.MustTopology(rabbit.Definition{
//		Exchange: rabbit.Exchange{Name: "product_image_scraper", Kind: rabbit.KindDirect, Durable: true},
//		Queue:    rabbit.Queue{Name: "product_image_scraper.scrape", Durable: true},
//		Binding:  rabbit.Binding{RoutingKey: "product_image_scraper.scrape"},
//		DeadLetter: &rabbit.DeadLetter{
//			Exchange: rabbit.Exchange{Name: "product_image_scraper.dlx", Kind: rabbit.KindDirect, Durable: true},
//			Queue:    rabbit.Queue{Name: "product_image_scraper.dlq", Durable: true},
//			Binding:  rabbit.Binding{RoutingKey: "product_image_scraper.dead"},
//		},
//		QoS: &rabbit.QoS{PrefetchCount: 8},
//	})
//
// Publishing:
//
//	conns, err := rabbit.NewConnectionManager(cfg, rabbit.WithLogger(log))
//	if err != nil {
//		return err
//	}
//	manager := rabbit.NewTopologyManager(conns, rabbit.WithLogger(log))
//	defer manager.Close()
//
//	err = manager.PublishJSON(ctx, images, "product_image_scraper.scrape", ImageRequest{
//		ProductID: "p1",
//		Barcode:   "7891234567890",
//	})
//	if errors.Is(err, rabbit.ErrUnroutable) {
//		// no queue is bound for that key
//	}
//
// Consuming with bounded concurrency:
//
//	worker := rabbit.NewWorker(manager, images, rabbit.JSONCodec{},
//		func(ctx context.Context, req ImageRequest) error {
//			conn, err := dialCDN(ctx)
//			if err != nil {
//				return rabbit.Requeue(err)
//			}
//			rabbit.OnCleanup(ctx, func(context.Context) error { return conn.Close() })
//			return fetch(ctx, conn, req)
//		},
//		rabbit.WorkerConfig{MaxConcurrency: 8},
//		rabbit.WithLogger(log),
//	)
//	err = worker.Run(ctx)
//
// Dispositions:
//
//	malformed body                   reject, no requeue
//	handler returns nil              ack
//	handler returns Requeue(err)     nack, requeue
//	handler returns Discard(err)     reject, no requeue
//	work timeout                     cleanup, then nack, requeue
//	any other error or panic         nack, requeue, Run returns the error
//
// Shutdown: cancelling the context given to Run stops intake at once. Messages
// already dispatched run to their terminal action (bounded by WorkTimeout)
// and Run returns after they settled.
//
// FX Module Integration:
//
//	app := fx.New(
//		logger.FXModule,
//		rabbit.FXModule,
//		fx.StopTimeout(rabbit.WorkerConfig{}.DrainTimeout()+5*time.Second),
//		fx.Provide(
//			func() rabbit.Config { return cfg.Rabbit },
//			func(l *logger.Logger) rabbit.Logger { return l },
//			rabbit.AsTopology(scraper.ImageTopology),
//		),
//		fx.Invoke(func(lc fx.Lifecycle, sd fx.Shutdowner, c rabbit.Consumer, topo *rabbit.Topology) {
//			rabbit.RunWorker(lc, sd, rabbit.NewWorker(c, topo, nil, handle, rabbit.WorkerConfig{}))
//		}),
//	)
//
// RunWorker shuts the app down when the worker stops with an error. Its stop
// hook waits for in-flight messages, so pass fx.StopTimeout of at least
// WorkerConfig.DrainTimeout (25s with the defaults) to fx.New.
//
// Thread Safety:
//
// ConnectionManager, TopologyManager, Registry and Topology are safe for
// concurrent use. A Worker's Run may be called once at a time.
package rabbit
