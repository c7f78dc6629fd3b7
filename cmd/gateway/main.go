// Command gateway runs the Modbus TCP polling gateway: it loads device
// and register-map configuration, polls every enabled device on a
// fixed cadence, and fans each frame out to the Live Cache, the
// broker, the log writer, and the alarm engine, while serving a small
// HTTP API alongside.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tankfarm/gateway/internal/alarm"
	"github.com/tankfarm/gateway/internal/api"
	"github.com/tankfarm/gateway/internal/co2"
	"github.com/tankfarm/gateway/internal/config"
	"github.com/tankfarm/gateway/internal/familyloader"
	"github.com/tankfarm/gateway/internal/kafkaegress"
	"github.com/tankfarm/gateway/internal/livecache"
	"github.com/tankfarm/gateway/internal/logging"
	"github.com/tankfarm/gateway/internal/logwriter"
	"github.com/tankfarm/gateway/internal/mirror"
	"github.com/tankfarm/gateway/internal/modbus"
	"github.com/tankfarm/gateway/internal/poller"
	"github.com/tankfarm/gateway/internal/publisher"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Printf("gateway %s\n", Version)
		os.Exit(0)
	}

	rt := config.LoadRuntime()

	log := logging.New("gateway")
	if rt.DebugFilter != "" {
		sink, err := logging.NewDebugSink(filepath.Join(rt.LogDir, "debug.log"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open debug sink: %v\n", err)
			os.Exit(1)
		}
		sink.SetFilter(rt.DebugFilter)
		log = log.WithDebug(sink)
		defer sink.Close()
	}

	thresholdsPath := filepath.Join(rt.ConfigDir, "alarmConfig.json")
	doc, err := config.LoadDocument(thresholdsPath)
	if err != nil {
		log.Errorf("failed to load alarm thresholds, using defaults: %v", err)
		doc = config.DefaultDocument()
	}

	loader := familyloader.New(rt.ConfigDir, log.Sub("familyloader"))

	co2Hints, err := co2.Load(filepath.Join(rt.ConfigDir, "co2Config.json"))
	if err != nil {
		log.Errorf("failed to load co2 config: %v", err)
		co2Hints, _ = co2.Load("")
	}

	transport := modbus.NewTransport(modbus.Options{}, log.Sub("modbus"))
	defer transport.CloseAll()

	cache := livecache.New()

	var mirrorClient *mirror.Mirror
	if rt.ValkeyAddr != "" {
		mirrorClient = mirror.New(mirror.Config{Addr: rt.ValkeyAddr, KeyTTL: 5 * time.Minute}, log.Sub("mirror"))
		cache.SetOnUpdate(mirrorClient.OnUpdate)
		defer mirrorClient.Close()
	}

	pub := publisher.New(publisher.Config{
		Host:      rt.BrokerHost,
		Port:      rt.BrokerPort,
		Username:  rt.BrokerUsername,
		Password:  rt.BrokerPassword,
		ClientID:  fmt.Sprintf("gateway-%s", rt.SiteID),
		UseTLS:    rt.BrokerTLS,
		Namespace: rt.SiteNamespace,
		QoS:       rt.BrokerQoS,
		Retain:    rt.BrokerRetain,
	}, log.Sub("publisher"))
	if err := pub.Start(); err != nil {
		log.Errorf("publisher failed to start, continuing without broker connectivity: %v", err)
	}

	logw := logwriter.New(rt.LogDir, time.Duration(rt.LogMinIntervalMs)*time.Millisecond, log.Sub("logwriter"))
	logw.Start()

	kafkaEgress := kafkaegress.New(kafkaegress.Config{Brokers: rt.KafkaBrokers, Topic: rt.SiteNamespace + "-telemetry"}, log.Sub("kafkaegress"))

	notifier := alarm.NewWebhookNotifier(rt.WebhookURL)
	alarmEngine := alarm.New(doc, time.Duration(rt.ConnectivityAlarmMinutes)*time.Minute, notifier, log.Sub("alarm"))

	p := poller.New(poller.Deps{
		Transport:   transport,
		Cache:       cache,
		Publisher:   pub,
		KafkaEgress: kafkaEgress,
		LogWriter:   logw,
		Alarm:       alarmEngine,
		Loader:      loader,
		Log:         log.Sub("poller"),
		SiteID:      rt.SiteID,
	}, rt.PollCadence, rt.WorkerConcurrency, rt.FamilyReloadEvery)

	apiServer := api.NewServer(api.Deps{
		Cache:            cache,
		Alarm:            alarmEngine,
		Loader:           loader,
		Transport:        transport,
		CO2:              co2Hints,
		Log:              log.Sub("api"),
		LogDir:           rt.LogDir,
		ConfigDir:        rt.ConfigDir,
		ThresholdsPath:   thresholdsPath,
		AuthEnabled:      rt.AuthEnabled,
		AuthUser:         os.Getenv("API_AUTH_USER"),
		AuthPasswordHash: os.Getenv("API_AUTH_PASSWORD_HASH"),
		SessionSecret:    os.Getenv("API_SESSION_SECRET"),
		HSTSDisable:      rt.HSTSDisable,
	}, fmt.Sprintf("%s:%d", rt.APIHost, rt.APIPort))
	if err := apiServer.Start(); err != nil {
		log.Errorf("api server failed to start: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	pollerStopped := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(pollerStopped)
	}()

	log.Printf("gateway running, site=%s api=%s", rt.SiteID, apiServer.Address())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("received %v, shutting down", sig)

	cancel() // allow the in-flight tick to complete
	<-pollerStopped

	// spec.md §4.3: current tick completes -> no new ticks -> Log Writer
	// drained -> broker client closed -> HTTP server stopped.
	logw.Close()
	pub.Stop()
	if err := kafkaEgress.Close(); err != nil {
		log.Errorf("kafka egress shutdown error: %v", err)
	}

	if err := apiServer.Stop(); err != nil {
		log.Errorf("api server shutdown error: %v", err)
	}
}
