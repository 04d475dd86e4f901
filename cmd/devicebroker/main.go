// Copyright 2026 The DeviceBroker Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command devicebroker is the supervisor/worker entrypoint: re-exec'd
// with DEVICEBROKER_WORKER_FD set, it runs the worker main loop; run
// plain, it is the reactor-driven supervisor. The split mirrors
// original_source/src/udev/udevd.c's single binary acting as both the
// manager and (post-fork) the worker.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/united-manufacturing-hub/umh-utils/logger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	devbinternal "github.com/united-manufacturing-hub/devicebroker/internal"
	"github.com/united-manufacturing-hub/devicebroker/internal/broker"
	"github.com/united-manufacturing-hub/devicebroker/internal/inotifybridge"
	"github.com/united-manufacturing-hub/devicebroker/internal/netlinksrc"
	"github.com/united-manufacturing-hub/devicebroker/internal/persistence"
	"github.com/united-manufacturing-hub/devicebroker/internal/reactor"
	"github.com/united-manufacturing-hub/devicebroker/internal/ruleexec"
	"github.com/united-manufacturing-hub/devicebroker/internal/sink"
	"github.com/united-manufacturing-hub/devicebroker/internal/workerproc"
)

// Worker subprocesses don't inherit CLI flags (extraArgs is unused for
// re-exec), so the supervisor threads its --sink/--mqtt-broker choice
// down via environment variables, set with os.Setenv before the first
// spawn and inherited by every worker after it through ProcessSpawner's
// cmd.Env = append(os.Environ(), ...).
const (
	envSinkKind     = "DEVICEBROKER_SINK_KIND"
	envKafkaBrokers = "DEVICEBROKER_KAFKA_BROKERS"
	envKafkaTopic   = "DEVICEBROKER_KAFKA_TOPIC"
	envMQTTBroker   = "DEVICEBROKER_MQTT_BROKER"
	envMQTTTopic    = "DEVICEBROKER_MQTT_TOPIC"
)

func main() {
	if os.Getenv(broker.WorkerEnvVar) != "" {
		runWorker()
		return
	}
	runSupervisor()
}

func runWorker() {
	log, _ := zap.NewProduction()
	defer func() { _ = log.Sync() }()

	channel := os.NewFile(3, "worker-channel")
	completionPath := os.Getenv(broker.CompletionSockEnvVar)
	completion, err := broker.DialCompletionClient(completionPath)
	if err != nil {
		log.Fatal("worker failed to dial completion socket", zap.Error(err))
	}

	inotifyBridge, err := inotifybridge.New(broker.NewSeqnumAllocator(0))
	if err != nil {
		log.Warn("worker failed to open inotify, watch requests will be dropped", zap.Error(err))
	}

	store := persistence.NewStore("/run/devicebroker/data", os.Getenv("DEVICEBROKER_REDIS_ADDR"))

	eventSink, err := newEventSink(os.Getenv(envSinkKind), os.Getenv(envKafkaBrokers), os.Getenv(envKafkaTopic))
	if err != nil {
		log.Fatal("worker failed to open event sink", zap.Error(err))
	}

	executor, err := ruleexec.NewDefaultExecutor(log, 256)
	if err != nil {
		log.Fatal("worker failed to build rule executor", zap.Error(err))
	}

	var notifier *ruleexec.MQTTNotifier
	if mqttBroker := os.Getenv(envMQTTBroker); mqttBroker != "" {
		devbinternal.InitMemcache()
		notifier, err = ruleexec.NewMQTTNotifier(log, mqttBroker, "devicebroker-worker", os.Getenv(envMQTTTopic))
		if err != nil {
			log.Warn("worker failed to connect mqtt notifier, continuing without it", zap.Error(err))
			notifier = nil
		} else {
			defer notifier.Close()
		}
	}

	deps := workerproc.Deps{
		Log:        log,
		Channel:    channel,
		Completion: completion,
		Inotify:    inotifyBridge,
		Executor:   executor,
		Rules:      nil, // reference rule set: none compiled by default
		Timeouts:   ruleexec.Timeouts{Apply: 3 * time.Second, Program: 30 * time.Second},
		Store:      store,
		Sink:       eventSink,
		Notifier:   notifier,
	}
	if err := workerproc.Run(context.Background(), deps); err != nil {
		log.Error("worker exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func runSupervisor() {
	cfg, err := ParseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logLevel := "PRODUCTION"
	if cfg.Debug {
		logLevel = "DEVELOPMENT"
	}
	log := logger.New(logLevel)
	defer func(l *zap.SugaredLogger) { _ = l.Sync() }(log)

	devbinternal.StartFgtrace()

	reg := prometheus.NewRegistry()
	metrics := broker.NewMetrics(reg)
	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		/* #nosec G114 */
		if err := http.ListenAndServe(":2112", nil); err != nil {
			zap.S().Errorw("metrics server failed", "error", err)
		}
	}()

	devbinternal.InitMemcache()

	supervisor := broker.NewSupervisor("/run/devicebroker/queue")
	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(100000))
	health.AddReadinessCheck("supervisor-running", isSupervisorRunning(supervisor))
	go func() {
		/* #nosec G114 */
		if err := http.ListenAndServe("0.0.0.0:8086", health); err != nil {
			zap.S().Errorw("healthcheck server failed", "error", err)
		}
	}()

	if cfg.SinkKind == "kafka" {
		_ = os.Setenv(envSinkKind, "kafka")
		_ = os.Setenv(envKafkaBrokers, cfg.KafkaBrokers)
		_ = os.Setenv(envKafkaTopic, cfg.KafkaTopic)
	}
	if cfg.MQTTBroker != "" {
		_ = os.Setenv(envMQTTBroker, cfg.MQTTBroker)
		_ = os.Setenv(envMQTTTopic, cfg.MQTTTopic)
	}

	queue := broker.NewEventQueue()
	store := persistence.NewStore("/run/devicebroker/data", os.Getenv("DEVICEBROKER_REDIS_ADDR"))
	netlinkSink, err := sink.NewNetlinkSink(uint32(cfg.NetlinkGroup))
	if err != nil {
		log.Fatalf("failed to open netlink sink: %s", err)
	}

	spawner := broker.NewProcessSpawner(os.Args[0], cfg.CompletionSocket)
	pool := broker.NewWorkerPool(cfg.ChildrenMax, spawner, store, netlinkSink)
	b := broker.NewBroker(queue, pool)
	b.Properties.Set("UDEV_RESOLVE_NAMES", cfg.ResolveNames)

	netlinkKernel, err := activatedOrNewNetlink(cfg)
	if err != nil {
		log.Fatalf("failed to open netlink kernel source: %s", err)
	}
	signalSource, err := broker.NewSignalSource()
	if err != nil {
		log.Fatalf("failed to open signal source: %s", err)
	}
	inotifyBridge, err := inotifybridge.New(broker.NewSeqnumAllocator(0))
	if err != nil {
		log.Fatalf("failed to open inotify bridge: %s", err)
	}
	activated := activatedFds()
	var controlSocket *broker.ControlSocket
	if fd, ok := activated["control"]; ok {
		controlSocket, err = broker.NewControlSocketFromFd(fd, cfg.ControlSocket)
	} else {
		controlSocket, err = broker.NewControlSocket(cfg.ControlSocket)
	}
	if err != nil {
		log.Fatalf("failed to open control socket: %s", err)
	}
	var completionListener *broker.CompletionListener
	if fd, ok := activated["completion"]; ok {
		completionListener, err = broker.NewCompletionListenerFromFd(fd, cfg.CompletionSocket)
	} else {
		completionListener, err = broker.NewCompletionListener(cfg.CompletionSocket)
	}
	if err != nil {
		log.Fatalf("failed to open completion listener: %s", err)
	}

	rx, err := reactor.NewReactor()
	if err != nil {
		log.Fatalf("failed to create reactor: %s", err)
	}
	must := func(err error) {
		if err != nil {
			log.Fatalf("failed to register reactor source: %s", err)
		}
	}
	must(rx.Register(reactor.SourceWorkerResult, completionListener.Fd()))
	must(rx.Register(reactor.SourceNetlink, netlinkKernel.Fd()))
	must(rx.Register(reactor.SourceSignal, signalSource.Fd()))
	must(rx.Register(reactor.SourceInotify, inotifyBridge.Fd()))
	must(rx.Register(reactor.SourceControl, controlSocket.Fd()))

	levels := zap.NewAtomicLevel()
	levelSetter := atomicLevelSetter{levels}
	levelSetter.SetLevel(int32(cfg.LogPriority))

	var rules broker.RulePoller = noopRulePoller{}
	if cfg.RulesPath != "" {
		rules = broker.NewMtimeRulePoller(cfg.RulesPath)
	}

	loop := &broker.Loop{
		Reactor:       rx,
		Broker:        b,
		Supervisor:    supervisor,
		Rules:         rules,
		ControlPlane:  broker.NewControlPlane(levelSetter),
		Metrics:       metrics,
		WorkerResults: completionListener,
		Netlink:       netlinkKernel,
		Signals:       signalSource,
		Inotify:       inotifyBridge,
		Control:       controlSocket,
		WorkerFatal:   cfg.EventTimeout,
		WorkerWarn:    cfg.EventTimeout / 3,
	}

	supervisor.MarkRunning()

	if err := loop.Run(time.Now); err != nil {
		zap.S().Errorw("reactor loop exited with error", "error", err)
	}

	_ = controlSocket.CloseAll()
	_ = completionListener.Close()
	_ = netlinkKernel.Close()
	_ = signalSource.Close()
	_ = inotifyBridge.Close()
	_ = netlinkSink.Close()
}

// netlinkSourceCloser is broker.NetlinkSource plus the Close every
// concrete source (kernel or Kafka) needs at shutdown; activatedOrNewNetlink
// hides the two behind one return type so runSupervisor doesn't branch
// twice.
type netlinkSourceCloser interface {
	broker.NetlinkSource
	Close() error
}

// newEventSink picks the worker's ProcessedEventSink the same way
// activatedOrNewNetlink picks the supervisor's kernel-uevent source: a
// string selector, "netlink" (or "" for un-set kind) versus "kafka",
// resolved into a concrete constructor call.
func newEventSink(kind, kafkaBrokersCSV, kafkaTopic string) (sink.ProcessedEventSink, error) {
	if kind == "kafka" {
		return sink.NewKafkaSink(strings.Split(kafkaBrokersCSV, ","), kafkaTopic, "devicebroker-worker")
	}
	return sink.NewNetlinkSink(2)
}

func activatedOrNewNetlink(cfg Config) (netlinkSourceCloser, error) {
	if cfg.SourceKind == "kafka" {
		return netlinksrc.NewKafka(strings.Split(cfg.KafkaBrokers, ","), cfg.KafkaTopic, broker.NewSeqnumAllocator(0))
	}
	// The netlink uevent socket is not handed down via activation: it
	// binds NETLINK_KOBJECT_UEVENT, a protocol family systemd's socket
	// activation tooling does not template, unlike the two AF_UNIX
	// sockets above. Always opened fresh.
	return netlinksrc.New(broker.NewSeqnumAllocator(0))
}

// isSupervisorRunning mirrors cmd/factoryinsight's isShutdownEnabled:
// a readiness check tied to the daemon's own lifecycle flag rather than
// a dependency ping.
func isSupervisorRunning(s *broker.Supervisor) healthcheck.Check {
	return func() error {
		if s.State() == broker.StateRunning {
			return nil
		}
		return fmt.Errorf("supervisor state is %s", s.State())
	}
}

type noopRulePoller struct{}

func (noopRulePoller) Changed() bool { return false }

// atomicLevelSetter adapts zap.AtomicLevel to broker.LogLevelSetter,
// mapping the control plane's syslog-style priority (0 = emerg ... 7 =
// debug) onto zapcore's level scale the way udevd.c's log_set_priority
// maps LOG_* onto its own verbosity scale.
type atomicLevelSetter struct {
	level zap.AtomicLevel
}

func (a atomicLevelSetter) SetLevel(n int32) {
	switch {
	case n <= 3: // LOG_EMERG..LOG_ERR
		a.level.SetLevel(zapcore.ErrorLevel)
	case n == 4: // LOG_WARNING
		a.level.SetLevel(zapcore.WarnLevel)
	case n <= 6: // LOG_NOTICE, LOG_INFO
		a.level.SetLevel(zapcore.InfoLevel)
	default: // LOG_DEBUG
		a.level.SetLevel(zapcore.DebugLevel)
	}
}
