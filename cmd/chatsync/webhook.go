package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Prismer-AI/chatsync"
)

const defaultWebhookAddr = ":8787"

// webhookListener serves a WebhookTransport on /webhook. The server starts on
// the first Activate.
type webhookListener struct {
	*chatsync.WebhookTransport
	addr string

	mu    sync.Mutex
	srv   *http.Server
	bound string
}

func newWebhookListener(addr, secret string) (*webhookListener, error) {
	wt, err := chatsync.NewWebhookTransport(secret, logger)
	if err != nil {
		return nil, fmt.Errorf("webhook transport: %w (set default.webhook_secret or CHATSYNC_WEBHOOK_SECRET)", err)
	}
	return &webhookListener{WebhookTransport: wt, addr: valueOrDefault(addr, defaultWebhookAddr)}, nil
}

func (l *webhookListener) Activate(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.srv != nil {
		return nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.addr)
	if err != nil {
		return fmt.Errorf("webhook listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/webhook", l.HTTPHandler())
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	l.bound = ln.Addr().String()

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Webhook server failed")
		}
	}(l.srv)
	logger.Info().Str("addr", l.bound).Msg("Webhook listener started")
	return nil
}

// Addr returns the address the listener is bound to, or "" before Activate.
func (l *webhookListener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bound
}

func (l *webhookListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.srv == nil {
		return nil
	}
	err := l.srv.Close()
	l.srv = nil
	l.bound = ""
	return err
}
