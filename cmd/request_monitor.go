package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/seznam/request-monitor/pkg/config"
	"github.com/seznam/request-monitor/pkg/dashboard"
	"github.com/seznam/request-monitor/pkg/event_validator"
	"github.com/seznam/request-monitor/pkg/pipeline"
	"github.com/seznam/request-monitor/pkg/prober"
	"github.com/seznam/request-monitor/pkg/telemetry_ingester"
)

const serverShutdownTimeout = 5 * time.Second

var log *logrus.Logger

func init() {
	log = logrus.New()
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.TextFormatter{
		DisableColors: true,
		FullTimestamp: true,
	})
}

func setupLogging(logLevel string) error {
	lvl, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	return nil
}

func setupDefaultServer(listenAddr string, liveness, readiness *prober.Prober) (*http.Server, *mux.Router) {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/liveness", liveness.HandleFunc)
	router.HandleFunc("/readiness", readiness.HandleFunc)
	return &http.Server{Addr: listenAddr, Handler: router}, router
}

func moduleFactory(moduleName string, logger logrus.FieldLogger, conf *viper.Viper) (pipeline.Module, error) {
	switch moduleName {
	case "telemetryIngester":
		return telemetry_ingester.NewFromViper(conf, logger)
	case "eventValidator":
		return event_validator.NewFromViper(conf, logger)
	case "dashboard":
		return dashboard.NewFromViper(conf, logger)
	default:
		return nil, fmt.Errorf("unknown module %s", moduleName)
	}
}

func main() {
	configFilePath := kingpin.Flag("config-file", "Path to the configuration file.").Required().ExistingFile()
	logLevel := kingpin.Flag("log-level", "Log level overriding the configuration file.").String()
	checkConfig := kingpin.Flag("check-config", "Only verify configuration and exit with the result.").Default("false").Bool()
	kingpin.Parse()

	conf := config.New(log)
	if err := conf.LoadFromFile(*configFilePath); err != nil {
		log.Fatalf("failed to load configuration file: %v", err)
	}
	level := conf.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	if err := setupLogging(level); err != nil {
		log.Fatalf("invalid specified log level %v, error: %v", level, err)
	}

	liveness, err := prober.NewLiveness(prometheus.DefaultRegisterer, log)
	if err != nil {
		log.Fatalf("failed to initialize the liveness probe: %v", err)
	}
	readiness, err := prober.NewReadiness(prometheus.DefaultRegisterer, log)
	if err != nil {
		log.Fatalf("failed to initialize the readiness probe: %v", err)
	}

	pipelineManager, err := pipeline.NewManager(moduleFactory, conf, log)
	if err != nil {
		log.Fatalf("failed to initialize the pipeline: %v", err)
	}
	if *checkConfig {
		log.Info("configuration is valid")
		os.Exit(0)
	}

	if err := pipelineManager.RegisterPrometheusMetrics(prometheus.DefaultRegisterer, prometheus.WrapRegistererWithPrefix("request_monitor_", prometheus.DefaultRegisterer)); err != nil {
		log.Fatalf("failed to register metrics of the pipeline: %v", err)
	}

	defaultServer, router := setupDefaultServer(conf.WebServerListenAddress, liveness, readiness)
	pipelineManager.RegisterWebInterface(router)

	errChan := make(chan error, 10)
	go func() {
		log.Infof("HTTP server listening on %v", defaultServer.Addr)
		if err := defaultServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	if err := pipelineManager.StartPipeline(); err != nil {
		log.Fatalf("failed to start the pipeline: %v", err)
	}
	liveness.Ok()
	readiness.Ok()

	sigChan := make(chan os.Signal, 3)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	checkPipeline := time.NewTicker(time.Second)
	defer checkPipeline.Stop()

	defer log.Info("see ya!")
	for {
		select {
		case sig := <-sigChan:
			log.Infof("received signal %v", sig)
		case err := <-errChan:
			log.Errorf("encountered error: %v", err)
		case <-checkPipeline.C:
			if !pipelineManager.Done() {
				continue
			}
			log.Info("pipeline finished")
		}
		shutdown(pipelineManager, defaultServer, readiness, conf)
		return
	}
}

func shutdown(pipelineManager *pipeline.Manager, server *http.Server, readiness *prober.Prober, conf *config.Config) {
	log.Info("gracefully shutting down")
	readiness.NotOk(fmt.Errorf("shutting down"))
	shutdownStart := time.Now()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), conf.MaximumGracefulShutdownDuration)
	defer cancel()

	<-pipelineManager.StopPipeline(shutdownCtx)

	// Keep serving until the minimum duration passes so that clients notice the readiness change.
	if remaining := conf.MinimumGracefulShutdownDuration - time.Since(shutdownStart); remaining > 0 {
		log.Infof("waiting %s until the minimum graceful shutdown duration passes", remaining)
		time.Sleep(remaining)
	}
	serverCtx, serverCancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer serverCancel()
	if err := server.Shutdown(serverCtx); err != nil {
		log.Errorf("failed to gracefully shutdown HTTP server: %v", err)
	}
}
