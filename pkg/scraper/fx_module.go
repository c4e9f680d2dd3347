package scraper

import (
	"go.uber.org/fx"

	"github.com/nutriplan/mqkit/pkg/observability"
	"github.com/nutriplan/mqkit/pkg/rabbit"
)

// FXModule registers both scraping topologies with the rabbit module and
// runs a worker per flow. The receipt worker serves the portals supplied
// with Portal; the image worker runs only when an ImageFetcher is provided.
//
//	app := fx.New(
//	    config.FXModule, logger.FXModule, metrics.FXModule, tracer.FXModule,
//	    rabbit.FXModule,
//	    scraper.FXModule,
//	    scraper.Portal(scraper.KindSaoPaulo, sp),
//	    scraper.Portal(scraper.KindVirtual, svrs),
//	)
var FXModule = fx.Module("scraper",
	fx.Provide(
		newTopologies,
		NewDispatcherWithDI,
	),
	fx.Invoke(RegisterWorkers),
)

type topologies struct {
	fx.Out

	Image   *rabbit.Topology   `name:"scraper.image"`
	Receipt *rabbit.Topology   `name:"scraper.receipt"`
	All     []*rabbit.Topology `group:"rabbit.topologies,flatten"`
}

func newTopologies() (topologies, error) {
	image, err := ImageTopology()
	if err != nil {
		return topologies{}, err
	}
	receipt, err := ReceiptTopology()
	if err != nil {
		return topologies{}, err
	}
	return topologies{Image: image, Receipt: receipt, All: []*rabbit.Topology{image, receipt}}, nil
}

// PortalScraper pairs a scraper with the portal it serves.
type PortalScraper struct {
	Kind    Kind
	Scraper Scraper
}

// Portal supplies s as the scraper of kind.
func Portal(kind Kind, s Scraper) fx.Option {
	return fx.Provide(fx.Annotate(
		func() PortalScraper { return PortalScraper{Kind: kind, Scraper: s} },
		fx.ResultTags(`group:"scraper.portals"`),
	))
}

// DispatcherParams collects the registered portals.
type DispatcherParams struct {
	fx.In

	Portals []PortalScraper `group:"scraper.portals"`
	Logger  rabbit.Logger   `optional:"true"`
}

// NewDispatcherWithDI builds the Dispatcher from the portal group.
func NewDispatcherWithDI(p DispatcherParams) (*Dispatcher, error) {
	scrapers := make(map[Kind]Scraper, len(p.Portals))
	for _, portal := range p.Portals {
		scrapers[portal.Kind] = portal.Scraper
	}
	return NewDispatcher(scrapers, p.Logger)
}

// WorkerParams groups what the scraping workers need.
type WorkerParams struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Shutdowner fx.Shutdowner
	Consumer   rabbit.Consumer
	Config     rabbit.WorkerConfig
	Dispatcher *Dispatcher
	Image      *rabbit.Topology       `name:"scraper.image"`
	Receipt    *rabbit.Topology       `name:"scraper.receipt"`
	Fetcher    ImageFetcher           `optional:"true"`
	Logger     rabbit.Logger          `optional:"true"`
	Observer   observability.Observer `optional:"true"`
}

// RegisterWorkers starts the receipt worker, and the image worker when a
// fetcher is available, for the lifetime of the app.
func RegisterWorkers(p WorkerParams) {
	opts := []rabbit.Option{rabbit.WithLogger(p.Logger), rabbit.WithObserver(p.Observer)}

	if len(p.Dispatcher.Kinds()) > 0 {
		rabbit.RunWorker(p.Lifecycle, p.Shutdowner,
			rabbit.NewWorker(p.Consumer, p.Receipt, nil, p.Dispatcher.Handle, p.Config, opts...))
	}
	if p.Fetcher != nil {
		rabbit.RunWorker(p.Lifecycle, p.Shutdowner,
			rabbit.NewWorker(p.Consumer, p.Image, nil, ImageHandler(p.Fetcher), p.Config, opts...))
	}
}
