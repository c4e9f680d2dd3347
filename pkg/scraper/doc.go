// Package scraper wires the two scraping flows of the platform onto rabbit
// workers.
//
// Image requests ({"product_id", "barcode"}) go to an ImageFetcher. Receipt
// requests carry the 44-digit access key of a fiscal receipt; its first two
// digits name the issuing state, which selects the portal (Kind) and so the
// Scraper:
//
//	key, _ := scraper.ParseAccessKey("3524 0312 3456 7800 0195 6500 1000 0123 4518 7654 3216")
//	key.State()        // 35
//	key.State().Kind() // KindSaoPaulo
//
// Requests that can never succeed (bad key, state without scraper, receipt
// unknown to the portal) are discarded to the flow's dead-letter queue.
// Anything else a scraper reports is requeued.
package scraper
