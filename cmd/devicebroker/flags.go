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

package main

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/cpu"
)

// Config is the supervisor's resolved startup configuration: CLI flags
// layered over /proc/cmdline's udev.*/rd.udev.* knobs, layered over the
// "8 + 2*cpu_count" built-in default, mirroring udevd.c's parse_argv then
// parse_proc_cmdline_item precedence.
type Config struct {
	Debug            bool
	ChildrenMax      int
	ExecDelay        time.Duration
	EventTimeout     time.Duration
	ResolveNames     string
	LogPriority      int
	ControlSocket    string
	CompletionSocket string
	NetlinkGroup     uint
	RulesPath        string

	// SourceKind selects the supervisor's kernel-uevent source
	// ("netlink", the default, or "kafka"); SinkKind selects the
	// worker's processed-event sink with the same two values. SinkKind,
	// with the Kafka and MQTT settings, is threaded to worker subprocesses
	// via environment variables, since extraArgs isn't used for re-exec
	// (see NewProcessSpawner); SourceKind is read by the supervisor only.
	SourceKind   string
	SinkKind     string
	KafkaBrokers string
	KafkaTopic   string
	MQTTBroker   string
	MQTTTopic    string
}

const (
	defaultControlSocket    = "/run/devicebroker/control"
	defaultCompletionSocket = "/run/devicebroker/completion"
	defaultNetlinkGroup     = 2 // conventionally "udev", distinct from the kernel's own group
)

// ParseFlags resolves Config from /proc/cmdline first (lowest precedence,
// since a kernel-cmdline knob is meant for environments with no shell to
// pass flags through) and then the process's own argv, which always wins.
func ParseFlags(args []string) (Config, error) {
	cmdline := parseKernelCmdline(readProcCmdline())

	defaultChildrenMax, err := defaultChildrenMaxFromCPU()
	if err != nil {
		defaultChildrenMax = 8
	}
	if v, ok := cmdline["children-max"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			defaultChildrenMax = n
		}
	}

	defaultLogPriority := 6 // LOG_INFO
	if v, ok := cmdline["log-priority"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			defaultLogPriority = n
		}
	}
	defaultResolveNames := cmdline["resolve-names"]
	if defaultResolveNames == "" {
		defaultResolveNames = "early"
	}
	defaultExecDelay := durationFromCmdline(cmdline["exec-delay"], 0)
	defaultEventTimeout := durationFromCmdline(cmdline["event-timeout"], 180*time.Second)

	fs := flag.NewFlagSet("devicebroker", flag.ContinueOnError)
	cfg := Config{}
	fs.BoolVar(&cfg.Debug, "debug", false, "enable debug logging")
	fs.IntVar(&cfg.ChildrenMax, "children-max", defaultChildrenMax, "maximum concurrent worker subprocesses")
	fs.DurationVar(&cfg.ExecDelay, "exec-delay", defaultExecDelay, "parsed into Config.ExecDelay; not applied by the supervisor or workers")
	fs.DurationVar(&cfg.EventTimeout, "event-timeout", defaultEventTimeout, "fatal per-event worker timeout; the warn threshold is a third of this")
	fs.StringVar(&cfg.ResolveNames, "resolve-names", defaultResolveNames, "early|late|never, stored as UDEV_RESOLVE_NAMES in the broker's property set, which is not passed on to workers")
	fs.IntVar(&cfg.LogPriority, "log-priority", defaultLogPriority, "syslog-style priority (0=emerg..7=debug) for the initial log level and control plane")
	fs.StringVar(&cfg.ControlSocket, "control-socket", defaultControlSocket, "control plane SOCK_SEQPACKET path")
	fs.StringVar(&cfg.CompletionSocket, "completion-socket", defaultCompletionSocket, "worker completion SOCK_DGRAM path")
	fs.StringVar(&cfg.RulesPath, "rules", "", "path the rule poller watches for changes")
	fs.StringVar(&cfg.SourceKind, "source", "netlink", "netlink|kafka: where the supervisor reads uevents from")
	fs.StringVar(&cfg.SinkKind, "sink", "netlink", "netlink|kafka: where workers publish processed device events")
	fs.StringVar(&cfg.KafkaBrokers, "kafka-brokers", "", "comma-separated broker addresses, required when --source=kafka or --sink=kafka")
	fs.StringVar(&cfg.KafkaTopic, "kafka-topic", "devicebroker.events", "Kafka topic used by --source=kafka and --sink=kafka")
	fs.StringVar(&cfg.MQTTBroker, "mqtt-broker", "", "optional MQTT broker URL for a side-channel rule-completion notifier")
	fs.StringVar(&cfg.MQTTTopic, "mqtt-topic", "devicebroker/events", "MQTT topic for --mqtt-broker")
	group := fs.Uint("netlink-group", defaultNetlinkGroup, "multicast group devicebroker re-broadcasts processed devices on")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.NetlinkGroup = *group
	return cfg, nil
}

func defaultChildrenMaxFromCPU() (int, error) {
	n, err := cpu.Counts(true)
	if err != nil {
		return 0, err
	}
	return 8 + 2*n, nil
}

// readProcCmdline returns the raw kernel command line, or "" if it can't
// be read (non-Linux test environment, permission denied).
func readProcCmdline() string {
	b, err := os.ReadFile("/proc/cmdline")
	if err != nil {
		return ""
	}
	return string(b)
}

// parseKernelCmdline extracts udev.*/rd.udev.* KEY=value tokens, matching
// udevd.c's parse_proc_cmdline_item: the "rd." prefix is for initramfs
// invocations and carries the same meaning as the unprefixed form.
func parseKernelCmdline(line string) map[string]string {
	out := make(map[string]string)
	for _, tok := range strings.Fields(line) {
		tok = strings.TrimPrefix(tok, "rd.")
		if !strings.HasPrefix(tok, "udev.") {
			continue
		}
		kv := strings.TrimPrefix(tok, "udev.")
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		out[key] = value
	}
	return out
}

func durationFromCmdline(v string, fallback time.Duration) time.Duration {
	if v == "" {
		return fallback
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
