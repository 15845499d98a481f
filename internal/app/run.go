// Package app wires one goopcall peer process: store, signaling channel,
// media engine, call manager and the local viewer.
package app

import (
	"context"
	"io"
	"log"
	"os"
	"time"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/mq"
	"github.com/petervdpas/goopcall/internal/observe"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/petervdpas/goopcall/internal/util"
	"github.com/petervdpas/goopcall/internal/viewer"
	"github.com/petervdpas/goopcall/internal/viewer/routes"
	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config

	// Engine overrides the pion engine built from cfg.Media.
	Engine media.Engine
}

func Run(ctx context.Context, opt Options) error {
	logBuf := viewer.NewLogBuffer(800)
	log.SetOutput(io.MultiWriter(os.Stderr, logBuf))

	logBanner(opt.PeerDir, opt.CfgPath, opt.Cfg)

	return runPeer(ctx, opt, logBuf)
}

func runPeer(ctx context.Context, o Options, logs *viewer.LogBuffer) error {
	cfg := o.Cfg

	// ── Metrics
	var prov *observe.Provider
	if cfg.Metrics.Enabled {
		p, err := observe.InitProvider()
		if err != nil {
			return err
		}
		prov = p
		defer func() {
			shctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
			defer cancel()
			_ = prov.Shutdown(shctx)
		}()
	}
	var metrics *observe.Metrics
	if prov != nil {
		metrics = prov.Metrics
	}

	// ── Store + channel
	store, err := openStore(ctx, o.PeerDir, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("STORE: close: %v", err)
		}
	}()

	ch := signaling.New(store, signaling.Options{
		PollInterval: time.Duration(cfg.Store.PollIntervalMs) * time.Millisecond,
		Freshness:    time.Duration(cfg.Call.FreshnessSec) * time.Second,
		Metrics:      metrics,
	})

	// ── Media
	engine := o.Engine
	if engine == nil {
		e, err := media.NewEngine(mediaOptions(cfg.Media))
		if err != nil {
			return err
		}
		engine = e
	}

	// ── Call manager
	mqMgr := mq.New(cfg.Identity.Email)
	calls := call.New(ch, engine, call.Options{
		Email:              cfg.Identity.Email,
		DisplayName:        cfg.Identity.DisplayName,
		Video:              cfg.Media.Video,
		BusyPolicy:         cfg.Call.BusyPolicy,
		StatusWriteTimeout: time.Duration(cfg.Call.StatusWriteTimeoutMs) * time.Millisecond,
		Metrics:            metrics,
		Events:             mqSink{mq: mqMgr},
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return calls.Run(gctx) })

	if cfg.Call.RetentionHours > 0 {
		g.Go(func() error {
			return ch.RunJanitor(gctx,
				time.Duration(cfg.Call.JanitorIntervalSec)*time.Second,
				time.Duration(cfg.Call.RetentionHours)*time.Hour)
		})
	}

	// ── Viewer
	if cfg.Viewer.HTTPAddr != "" {
		addr, url := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		v := viewer.Viewer{
			Calls:  calls,
			MQ:     mqMgr,
			Logs:   logs,
			Checks: []routes.Checker{{Name: "store", Check: storeReady(store)}},
		}
		if prov != nil {
			v.Metrics = prov.Handler
		}
		g.Go(func() error { return viewer.Start(gctx, addr, v, nil) })
		log.Printf("📞 Call viewer: %s", url)
	}

	err = g.Wait()
	log.Println("PEER: stopped")
	return err
}

func mediaOptions(m config.Media) media.Options {
	servers := make([]webrtc.ICEServer, 0, len(m.ICEServers))
	for _, s := range m.ICEServers {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		servers = append(servers, srv)
	}
	return media.Options{
		ICEServers:             servers,
		Capture:                m.Capture,
		AllowReceiveOnly:       m.AllowReceiveOnly,
		ICEDisconnectedTimeout: time.Duration(m.ICEDisconnectedTimeoutSec) * time.Second,
		ICEFailedTimeout:       time.Duration(m.ICEFailedTimeoutSec) * time.Second,
		ICEKeepalive:           time.Duration(m.ICEKeepaliveSec) * time.Second,
	}
}
