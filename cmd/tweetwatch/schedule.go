package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ianfoo/tweetwatch"
)

// tickRunner serializes ticks from the cron loop and the manual trigger.
// A tick requested while another is running is skipped.
type tickRunner struct {
	mu  sync.Mutex
	w   *tweetwatch.Watcher
	log *zap.SugaredLogger
}

func (tr *tickRunner) tick(ctx context.Context) (ran bool, err error) {
	if !tr.mu.TryLock() {
		tr.log.Infow("tick already running; skipping")
		return false, nil
	}
	defer tr.mu.Unlock()
	_, err = tr.w.Tick(ctx)
	return true, err
}

func runScheduled(ctx context.Context, cfg config, log *zap.SugaredLogger, w *tweetwatch.Watcher, reg *prometheus.Registry) error {
	tr := &tickRunner{w: w, log: log}
	cl := cronLogger{log: log}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if _, err := c.AddFunc(cfg.schedule, func() { tr.tick(ctx) }); err != nil {
		return errors.Wrapf(err, "invalid schedule %q", cfg.schedule)
	}

	srv := setupHTTP(ctx, log, cfg.addr, tr, reg)
	log.Infow("watching for posts",
		"account", cfg.account,
		"schedule", cfg.schedule,
		"addr", cfg.addr)

	// Run immediately instead of waiting for the first scheduled time.
	tr.tick(ctx)
	c.Start()

	<-ctx.Done()
	log.Infow("shutting down")
	<-c.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error stopping HTTP server", "err", err)
	}
	return nil
}

// cronLogger adapts a zap logger to cron.Logger.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "err", err)...)
}

type statusResponse struct {
	Account     string     `json:"account"`
	Initialized bool       `json:"initialized"`
	LastSeenID  string     `json:"last_seen_id,omitempty"`
	LastTick    *time.Time `json:"last_tick,omitempty"`
	Fetched     int        `json:"fetched"`
	Notified    int        `json:"notified"`
	Failed      int        `json:"failed"`
	Error       string     `json:"error,omitempty"`
}

func status(w *tweetwatch.Watcher) statusResponse {
	resp := statusResponse{Account: w.Account}
	out, err := w.Last()
	if err != nil {
		resp.Error = err.Error()
	}
	if out == nil {
		return resp
	}
	resp.LastSeenID, resp.Initialized = tweetwatch.Cursor(out.Next)
	finished := out.Finished
	resp.LastTick = &finished
	resp.Fetched = out.Fetched
	resp.Notified = len(out.Notified)
	resp.Failed = len(out.Failed)
	return resp
}

func statusHandler(tr *tickRunner) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(rw, "Send requests with GET", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(rw, status(tr.w))
	})
	mux.HandleFunc("/tick", func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(rw, "Send requests with POST", http.StatusMethodNotAllowed)
			return
		}
		ran, _ := tr.tick(r.Context())
		if !ran {
			http.Error(rw, "tick already running", http.StatusConflict)
			return
		}
		writeJSON(rw, status(tr.w))
	})
	return mux
}

func writeJSON(rw http.ResponseWriter, v interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(rw).Encode(v); err != nil {
		http.Error(rw,
			fmt.Sprintf("error encoding response: %v", err),
			http.StatusInternalServerError)
	}
}

func setupHTTP(ctx context.Context, log *zap.SugaredLogger, addr string, tr *tickRunner, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/", statusHandler(tr))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:           addr,
		Handler:        mux,
		ReadTimeout:    30 * time.Second,
		MaxHeaderBytes: 1 << 20,
		BaseContext:    func(net.Listener) context.Context { return ctx },
	}
	go func() {
		err := srv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Errorw("error running HTTP server", "err", err)
		}
		log.Infow("HTTP server stopped")
	}()
	return srv
}
