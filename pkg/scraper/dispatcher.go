package scraper

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/nutriplan/mqkit/pkg/rabbit"
)

var (
	ErrUnsupportedState = errors.New("no scraper for state")

	// ErrReceiptNotFound is returned by a Scraper when the portal does not
	// know the key. It is permanent.
	ErrReceiptNotFound = errors.New("receipt not found")
)

// Scraper fetches one receipt from a state portal.
type Scraper interface {
	Scrape(ctx context.Context, key AccessKey) error
}

// ScraperFunc adapts a function to Scraper.
type ScraperFunc func(ctx context.Context, key AccessKey) error

func (f ScraperFunc) Scrape(ctx context.Context, key AccessKey) error { return f(ctx, key) }

// Dispatcher routes receipt requests to the scraper of the issuing state's
// portal.
type Dispatcher struct {
	scrapers map[Kind]Scraper
	logger   rabbit.Logger
}

// NewDispatcher builds a dispatcher over scrapers. A nil logger discards
// output.
func NewDispatcher(scrapers map[Kind]Scraper, log rabbit.Logger) (*Dispatcher, error) {
	table := make(map[Kind]Scraper, len(scrapers))
	for kind, s := range scrapers {
		if kind == KindUnsupported || s == nil {
			return nil, fmt.Errorf("invalid scraper registration for %s", kind)
		}
		table[kind] = s
	}
	if log == nil {
		log = discardLogger{}
	}
	return &Dispatcher{scrapers: table, logger: log}, nil
}

// Kinds returns the portals this dispatcher can serve.
func (d *Dispatcher) Kinds() []Kind {
	kinds := make([]Kind, 0, len(d.scrapers))
	for k := KindSaoPaulo; k <= KindVirtual; k++ {
		if _, ok := d.scrapers[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Handle is a rabbit.Handler for ReceiptRequest. Requests that can never
// succeed are discarded to the dead-letter queue; scraper failures other
// than ErrReceiptNotFound are requeued.
func (d *Dispatcher) Handle(ctx context.Context, req ReceiptRequest) error {
	if err := validate().Struct(req); err != nil {
		return rabbit.Discard(err)
	}
	key, err := ParseAccessKey(req.AccessKey)
	if err != nil {
		return rabbit.Discard(err)
	}

	kind := key.State().Kind()
	s, ok := d.scrapers[kind]
	if !ok {
		return rabbit.Discard(fmt.Errorf("%w %s (%s)", ErrUnsupportedState, key.State(), kind))
	}

	fields := map[string]interface{}{
		"access_key": key.String(),
		"portal":     kind.String(),
	}
	d.logger.DebugWithContext(ctx, "scraping receipt", nil, fields)

	if err := s.Scrape(ctx, key); err != nil {
		if errors.Is(err, ErrReceiptNotFound) {
			return rabbit.Discard(err)
		}
		d.logger.WarnWithContext(ctx, "receipt scrape failed, will retry", err, fields)
		return rabbit.Requeue(err)
	}
	return nil
}

// ImageFetcher downloads and stores the picture of a product.
type ImageFetcher interface {
	FetchImage(ctx context.Context, req ImageRequest) error
}

// ImageHandler returns a rabbit.Handler for ImageRequest. Requests without a
// product id or with a barcode that is not 8 to 14 digits are discarded,
// fetch failures requeued.
func ImageHandler(f ImageFetcher) rabbit.Handler[ImageRequest] {
	return func(ctx context.Context, req ImageRequest) error {
		if err := validate().Struct(req); err != nil {
			return rabbit.Discard(err)
		}
		if err := f.FetchImage(ctx, req); err != nil {
			return rabbit.Requeue(err)
		}
		return nil
	}
}

var (
	validateOnce sync.Once
	validatorV   *validator.Validate
)

func validate() *validator.Validate {
	validateOnce.Do(func() {
		validatorV = validator.New(validator.WithRequiredStructEnabled())
	})
	return validatorV
}

type discardLogger struct{}

func (discardLogger) DebugWithContext(context.Context, string, error, ...map[string]interface{}) {}
func (discardLogger) InfoWithContext(context.Context, string, error, ...map[string]interface{})  {}
func (discardLogger) WarnWithContext(context.Context, string, error, ...map[string]interface{})  {}
func (discardLogger) ErrorWithContext(context.Context, string, error, ...map[string]interface{}) {}
