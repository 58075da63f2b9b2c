package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/rope/relay/client"
	"github.com/netbirdio/rope/relay/messages"
)

var (
	pairs = []int{1, 3, 5, 10, 50, 100}
)

type testResult struct {
	numOfPairs int
	duration   time.Duration
	rate       float64
	lost       int64
}

// runPairs connects n sender/receiver pairs and measures how long the receivers take to collect every message
func runPairs(ctx context.Context, relayURL string, n, messagesPerPair int, opts ...client.Option) (testResult, error) {
	var received atomic.Int64
	expected := int64(n * messagesPerPair)
	done := make(chan struct{})

	var clients []*client.Client
	defer func() {
		for _, c := range clients {
			_ = c.Close()
		}
	}()

	senders := make([]*client.Client, 0, n)
	for i := 0; i < n; i++ {
		receiver := client.NewClient(ctx, relayURL, fmt.Sprintf("receiver-%d", i), messages.StrategyPlunder, opts...)
		receiver.Handle(func(payload any, from string) {
			if received.Add(1) == expected {
				close(done)
			}
		})
		if err := receiver.Connect(); err != nil {
			return testResult{}, fmt.Errorf("connect receiver %d: %w", i, err)
		}
		clients = append(clients, receiver)

		sender := client.NewClient(ctx, relayURL, fmt.Sprintf("sender-%d", i), messages.StrategyPlunder, opts...)
		if err := sender.Connect(); err != nil {
			return testResult{}, fmt.Errorf("connect sender %d: %w", i, err)
		}
		clients = append(clients, sender)
		senders = append(senders, sender)
	}

	// registrations are applied asynchronously by the relay
	time.Sleep(time.Second)

	start := time.Now()
	wg := sync.WaitGroup{}
	for i, sender := range senders {
		wg.Add(1)
		go func(i int, sender *client.Client) {
			defer wg.Done()
			target := fmt.Sprintf("receiver-%d", i)
			for seq := 0; seq < messagesPerPair; seq++ {
				if err := sender.Send(seq, target); err != nil {
					log.Errorf("failed to send to %s: %s", target, err)
					return
				}
			}
		}(i, sender)
	}
	wg.Wait()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Warnf("timed out waiting for messages")
	case <-ctx.Done():
		return testResult{}, ctx.Err()
	}

	duration := time.Since(start)
	got := received.Load()
	return testResult{
		numOfPairs: n,
		duration:   duration,
		rate:       float64(got) / duration.Seconds(),
		lost:       expected - got,
	}, nil
}

func main() {
	var relayURL string
	var messagesPerPair int
	var insecure bool
	flag.StringVar(&relayURL, "relay", "ws://127.0.0.1:8080", "relay url, ws://, wss:// or quic://")
	flag.IntVar(&messagesPerPair, "messages", 1000, "messages sent by every sender")
	flag.BoolVar(&insecure, "insecure", false, "skip TLS certificate verification")
	flag.Parse()

	log.SetLevel(log.InfoLevel)

	var opts []client.Option
	if insecure {
		opts = append(opts, client.WithTLSConfig(&tls.Config{InsecureSkipVerify: true}))
	}

	ctx := context.Background()
	results := make([]testResult, 0, len(pairs))
	for _, p := range pairs {
		log.Infof("running test with %d pairs", p)
		tr, err := runPairs(ctx, relayURL, p, messagesPerPair, opts...)
		if err != nil {
			log.Fatalf("test with %d pairs failed: %s", p, err)
		}
		results = append(results, tr)
	}

	for _, tr := range results {
		log.Infof("pairs: %d, duration: %s, rate: %.0f msg/s, lost: %d", tr.numOfPairs, tr.duration, tr.rate, tr.lost)
	}
}
