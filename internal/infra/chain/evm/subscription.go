package evm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/vietddude/blobwatch/internal/infra/chain"
)

// ErrSubscriptionClosed is delivered when the node ends the stream without an error.
var ErrSubscriptionClosed = errors.New("head subscription closed")

// headClient is the part of *ethclient.Client the subscriber needs.
type headClient interface {
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	Close()
}

// DialFunc opens a streaming connection.
type DialFunc func(ctx context.Context, url string) (headClient, error)

func dialEthclient(ctx context.Context, url string) (headClient, error) {
	return ethclient.DialContext(ctx, url)
}

// HeadSubscriber opens newHeads subscriptions over a websocket endpoint.
// Each Subscribe call dials a fresh connection.
type HeadSubscriber struct {
	url  string
	dial DialFunc
}

var _ chain.HeadSource = (*HeadSubscriber)(nil)

func NewHeadSubscriber(url string) *HeadSubscriber {
	return &HeadSubscriber{url: url, dial: dialEthclient}
}

func (s *HeadSubscriber) Subscribe(ctx context.Context) (chain.Subscription, error) {
	client, err := s.dial(ctx, s.url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.url, err)
	}

	headers := make(chan *types.Header, 16)
	sub, err := client.SubscribeNewHead(ctx, headers)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("subscribe newHeads: %w", err)
	}

	hs := &headSubscription{
		client: client,
		sub:    sub,
		heads:  make(chan uint64, 16),
		errc:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	go hs.forward(headers)
	return hs, nil
}

type headSubscription struct {
	client headClient
	sub    ethereum.Subscription
	heads  chan uint64
	errc   chan error
	done   chan struct{}
	once   sync.Once
}

func (h *headSubscription) forward(headers <-chan *types.Header) {
	for {
		select {
		case <-h.done:
			return
		case err, ok := <-h.sub.Err():
			if !ok || err == nil {
				err = ErrSubscriptionClosed
			}
			h.fail(err)
			return
		case header := <-headers:
			if header == nil || header.Number == nil {
				continue
			}
			select {
			case h.heads <- header.Number.Uint64():
			case <-h.done:
				return
			}
		}
	}
}

func (h *headSubscription) fail(err error) {
	select {
	case h.errc <- err:
	default:
	}
}

func (h *headSubscription) Heads() <-chan uint64 { return h.heads }
func (h *headSubscription) Err() <-chan error    { return h.errc }

func (h *headSubscription) Close() {
	h.once.Do(func() {
		close(h.done)
		h.sub.Unsubscribe()
		h.client.Close()
	})
}
