// Package app assembles the running peer: signaling node, call gateway,
// controller, history, screening and the local HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/wisp-im/wisp/internal/call"
	"github.com/wisp-im/wisp/internal/config"
	"github.com/wisp-im/wisp/internal/gateway"
	"github.com/wisp-im/wisp/internal/history"
	"github.com/wisp-im/wisp/internal/httpapi"
	"github.com/wisp-im/wisp/internal/notify"
	"github.com/wisp-im/wisp/internal/roster"
	"github.com/wisp-im/wisp/internal/screen"
	"github.com/wisp-im/wisp/internal/signal"
	"github.com/wisp-im/wisp/internal/util"
)

type Options struct {
	DataDir string
	CfgPath string
	Cfg     config.Config
}

// rosterIndicator projects call indicators onto contact rows.
type rosterIndicator struct {
	peers *roster.Table
}

func (ri rosterIndicator) SetCallIndicator(_, peer string, state call.IndicatorState) {
	ri.peers.SetCallState(peer, string(state))
}

// Run starts the peer and blocks until ctx is cancelled.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	log.Printf("data dir: %s", opt.DataDir)
	log.Printf("config:   %s", opt.CfgPath)

	peers := roster.NewTable()

	// ── Signaling node
	keyPath := util.ResolvePath(opt.DataDir, cfg.Identity.KeyFile)
	node, err := signal.New(ctx, cfg.Signal.ListenPort, keyPath, peers,
		func() string { return cfg.Identity.Account },
		func() bool { return cfg.Call.Disabled },
		time.Duration(cfg.Presence.TTLSec)*time.Second,
	)
	if err != nil {
		return fmt.Errorf("start signaling node: %w", err)
	}
	defer node.Close()
	log.Printf("peer id: %s", node.ID())

	// ── Call gateway
	gw := gateway.NewPion(node, cfg.Identity.Account, gateway.PionConfig{
		RingTimeout: time.Duration(cfg.Call.RingTimeoutSec) * time.Second,
		StunServers: cfg.Signal.StunServers,
	})
	defer gw.Close()

	// ── Call screening (optional)
	var screenFn call.ScreenFunc
	if cfg.Screening.Enabled {
		eng, err := screen.NewEngine(
			util.ResolvePath(opt.DataDir, cfg.Screening.RulesDir),
			time.Duration(cfg.Screening.TimeoutSeconds)*time.Second,
		)
		if err != nil {
			log.Printf("WARNING: call screening unavailable: %v", err)
		} else {
			defer eng.Close()
			screenFn = eng.Verdict
			log.Printf("call screening enabled: %s/%s", cfg.Screening.RulesDir, screen.ScriptName)
		}
	}

	// ── Call controller
	ctrl := call.NewController(gw, call.Config{
		DisplayGrace:  time.Duration(cfg.Call.DisplayGraceSec) * time.Second,
		StatsInterval: time.Duration(cfg.Call.StatsIntervalSec) * time.Second,
		RingTimeout:   time.Duration(cfg.Call.RingTimeoutSec) * time.Second,
	}, rosterIndicator{peers: peers}, notify.New(notify.LogSink{}), screenFn)
	defer ctrl.Close()

	// ── Call history
	var hist *history.Store
	if cfg.Call.HistoryDir != "" {
		hist, err = history.Open(util.ResolvePath(opt.DataDir, cfg.Call.HistoryDir))
		if err != nil {
			return fmt.Errorf("open call history: %w", err)
		}
		defer hist.Close()
		ctrl.AddObserver(history.NewRecorder(hist))
		log.Printf("call history: %s", hist.Path())
	}

	// ── HTTP API
	feed := httpapi.NewFeed()
	ctrl.AddObserver(feed)
	if cfg.API.HTTPAddr != "" {
		var histAPI httpapi.History
		if hist != nil {
			histAPI = hist
		}
		api := httpapi.NewServer(cfg.Identity.Account, ctrl, feed, peers, histAPI)
		srv := &http.Server{Addr: cfg.API.HTTPAddr, Handler: api.Handler()}
		go func() {
			log.Printf("API: listening on http://%s", cfg.API.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("API: server error: %v", err)
			}
		}()
		defer func() {
			shCtx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
			defer cancel()
			_ = srv.Shutdown(shCtx)
		}()
	}

	// ── Presence
	node.RunPresenceLoop(ctx)
	node.StartHeartbeat(ctx, time.Duration(cfg.Presence.HeartbeatSec)*time.Second)

	<-ctx.Done()
	log.Println("shutting down")
	return nil
}
