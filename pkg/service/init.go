package service

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/vpnsetup/secgw/internal/logger"
	secgw_context "github.com/vpnsetup/secgw/pkg/context"
	"github.com/vpnsetup/secgw/pkg/factory"
	ike_service "github.com/vpnsetup/secgw/pkg/ike/service"
	"github.com/vpnsetup/secgw/pkg/ike/xfrm"
)

type SecgwApp struct {
	cfg      *factory.Config
	secgwCtx *secgw_context.SecgwContext

	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup
}

func NewApp(ctx context.Context, cfg *factory.Config) (*SecgwApp, error) {
	secgw := &SecgwApp{
		cfg:      cfg,
		secgwCtx: secgw_context.Self(),
	}
	secgw.ctx, secgw.cancel = context.WithCancel(ctx)

	secgw.SetLogLevel("info")

	if err := cfg.Apply(secgw.secgwCtx); err != nil {
		return nil, fmt.Errorf("applying configuration failed: %+v", err)
	}
	if _, err := cfg.PeerConfigs(); err != nil {
		return nil, fmt.Errorf("parsing connections failed: %+v", err)
	}
	secgw.secgwCtx.Kernel = xfrm.NewNetlinkKernel()

	return secgw, nil
}

func (a *SecgwApp) SetLogLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logger.InitLog.Warnf("Log level [%s] is invalid", level)
		return
	}
	logger.Log.SetLevel(lvl)
}

func (a *SecgwApp) Start() {
	logger.InitLog.Infoln("Server started")

	a.wg.Add(1)
	go a.listenShutdownEvent()

	if err := ike_service.Run(); err != nil {
		logger.InitLog.Errorf("Start IKE service failed: %+v", err)
		return
	}
	logger.InitLog.Info("IKE service running")

	a.wg.Add(1)
	go a.serveMetrics()

	a.WaitRoutineStopped()
}

func (a *SecgwApp) listenShutdownEvent() {
	defer func() {
		if p := recover(); p != nil {
			logger.InitLog.Fatalf("panic: %v\n%s", p, string(debug.Stack()))
		}
		a.wg.Done()
	}()

	<-a.ctx.Done()
	a.Terminate()
}

func (a *SecgwApp) serveMetrics() {
	defer a.wg.Done()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: ":9100", Handler: mux}

	go func() {
		<-a.ctx.Done()
		if err := server.Close(); err != nil {
			logger.InitLog.Warnf("Close metrics server: %+v", err)
		}
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.InitLog.Errorf("Metrics server failed: %+v", err)
	}
}

func (a *SecgwApp) Terminate() {
	logger.InitLog.Info("Terminating SECGW...")
	a.cancel()
}

func (a *SecgwApp) WaitRoutineStopped() {
	a.wg.Wait()
	logger.MainLog.Infof("SECGW terminated")
}
