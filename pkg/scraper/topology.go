package scraper

import (
	"github.com/nutriplan/mqkit/pkg/rabbit"
)

const (
	ImageExchange   = "product_image_scraper"
	ImageQueue      = "product_image_scraper.scrape"
	ImageRoutingKey = "product_image_scraper.scrape"

	ReceiptExchange   = "receipt_scraper"
	ReceiptQueue      = "receipt_scraper.scrape"
	ReceiptRoutingKey = "receipt_scraper.scrape"
)

// ImageRequest asks for the picture of a catalog product.
type ImageRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	Barcode   string `json:"barcode" validate:"required,number,min=8,max=14"`
}

// ReceiptRequest asks for the items of a fiscal receipt.
type ReceiptRequest struct {
	AccessKey string `json:"access_key" validate:"required"`
}

// ImageTopology is the product image scraping flow. Failed requests are
// dead-lettered to product_image_scraper.dlq.
func ImageTopology() (*rabbit.Topology, error) {
	return scrapeTopology(ImageExchange, ImageQueue, ImageRoutingKey, 4)
}

// ReceiptTopology is the receipt scraping flow. Portals are slow, so each
// consumer holds a single unacked receipt.
func ReceiptTopology() (*rabbit.Topology, error) {
	return scrapeTopology(ReceiptExchange, ReceiptQueue, ReceiptRoutingKey, 1)
}

func scrapeTopology(exchange, queue, key string, prefetch int) (*rabbit.Topology, error) {
	return rabbit.NewTopology(rabbit.Definition{
		Exchange: rabbit.Exchange{Name: exchange, Kind: rabbit.KindDirect, Durable: true},
		Queue:    rabbit.Queue{Name: queue, Durable: true},
		Binding:  rabbit.Binding{RoutingKey: key},
		DeadLetter: &rabbit.DeadLetter{
			Exchange: rabbit.Exchange{Name: exchange + ".dlx", Kind: rabbit.KindDirect, Durable: true},
			Queue:    rabbit.Queue{Name: exchange + ".dlq", Durable: true},
			Binding:  rabbit.Binding{RoutingKey: key},
		},
		QoS: &rabbit.QoS{PrefetchCount: prefetch},
	})
}
