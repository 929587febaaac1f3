package browser

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/chromedp/cdproto/network"

	"github.com/JakeFAU/imgharvest/internal/crawler"
)

type inflight struct {
	url      string
	response *network.Response
}

// exchangeBuffer pairs requests with their responses and bodies. Exchanges
// are yielded once complete, in completion order.
type exchangeBuffer struct {
	filter func(string) bool

	mu        sync.Mutex
	pending   map[network.RequestID]*inflight
	completed []crawler.Exchange
}

func newExchangeBuffer(filter func(string) bool) *exchangeBuffer {
	return &exchangeBuffer{
		filter:  filter,
		pending: make(map[network.RequestID]*inflight),
	}
}

func (b *exchangeBuffer) requested(id network.RequestID, url string) {
	if b.filter != nil && !b.filter(url) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	// A redirect reuses the request id; the latest URL wins.
	b.pending[id] = &inflight{url: url}
}

func (b *exchangeBuffer) tracked(id network.RequestID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[id]
	return ok
}

func (b *exchangeBuffer) responded(id network.RequestID, resp *network.Response) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.pending[id]; ok {
		p.response = resp
	}
}

func (b *exchangeBuffer) finished(id network.RequestID, body []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[id]
	if !ok {
		return
	}
	delete(b.pending, id)
	ex := crawler.Exchange{URL: p.url}
	if p.response != nil {
		ex.Response = &crawler.ExchangeResponse{
			StatusCode: int(p.response.Status),
			Headers:    toHTTPHeader(p.response.Headers),
			Body:       body,
		}
	}
	b.completed = append(b.completed, ex)
}

func (b *exchangeBuffer) failed(id network.RequestID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[id]
	if !ok {
		return
	}
	delete(b.pending, id)
	b.completed = append(b.completed, crawler.Exchange{URL: p.url})
}

func (b *exchangeBuffer) drain() []crawler.Exchange {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.completed
	b.completed = nil
	return out
}

func toHTTPHeader(src network.Headers) http.Header {
	headers := http.Header{}
	for key, value := range src {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	return headers
}
