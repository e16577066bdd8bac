package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-bus-echo/internal/bus"
	"github.com/kstaniek/go-bus-echo/internal/exchange"
	"github.com/kstaniek/go-bus-echo/internal/logging"
	"github.com/kstaniek/go-bus-echo/internal/serial"
)

// defaultRole is baked in per firmware image: -ldflags "-X main.defaultRole=responder".
var defaultRole = exchange.RoleController

const defaultPayload = " ****I2C_TwoBoards communication based on Polling****"

type appConfig struct {
	role            string
	backend         string
	address         bus.Address
	payload         string
	rxCapacity      int
	serialDev       string
	baud            int
	serialReadTO    time.Duration
	ackWindow       time.Duration
	i2cDev          string
	sendTO          time.Duration
	replyTO         time.Duration
	listenTO        time.Duration
	echoTO          time.Duration
	backoff         time.Duration
	settle          time.Duration
	replyPoll       time.Duration
	sendRetries     int
	console         string
	consoleBaud     int
	led             string
	restart         string
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	role := flag.String("role", defaultRole, "Exchange role: controller|responder")
	backend := flag.String("backend", "serial", "Bus backend: serial|i2cdev|sim")
	address := flag.Int("address", 65, "Peer (controller) or own (responder) bus address, 0..1023")
	payload := flag.String("payload", defaultPayload, "Controller payload")
	rxCap := flag.Int("rx-capacity", 64, "Receive buffer capacity in bytes")
	serialDev := flag.String("serial", "/dev/ttyUSB0", "Serial link device path")
	baud := flag.Int("baud", 115200, "Serial link baud rate")
	serialReadTO := flag.Duration("serial-read-timeout", 20*time.Millisecond, "Serial read timeout")
	ackWindow := flag.Duration("ack-window", serial.DefaultAckWindow, "Serial link ACK wait")
	i2cDev := flag.String("i2c-dev", "/dev/i2c-1", "i2c-dev node (when --backend=i2cdev)")
	sendTO := flag.Duration("send-timeout", exchange.DefaultSendTimeout, "Controller send timeout")
	replyTO := flag.Duration("reply-timeout", exchange.DefaultReplyTimeout, "Controller reply timeout")
	listenTO := flag.Duration("listen-timeout", exchange.DefaultListenTimeout, "Responder listen timeout")
	echoTO := flag.Duration("echo-timeout", exchange.DefaultEchoTimeout, "Responder echo timeout")
	backoff := flag.Duration("backoff", exchange.DefaultBackoff, "Delay after a failed send")
	settle := flag.Duration("settle", exchange.DefaultSettle, "Delay after a completed exchange")
	replyPoll := flag.Duration("reply-poll", exchange.DefaultReplyPoll, "Delay between unacknowledged reply reads")
	sendRetries := flag.Int("send-retries", 0, "Send failures other than NACK tolerated before reset")
	console := flag.String("console", "", "Diagnostic UART device; empty disables")
	consoleBaud := flag.Int("console-baud", 38400, "Diagnostic UART baud rate")
	led := flag.String("led", "", "Activity LED name under /sys/class/leds (e.g. ACT); empty disables")
	restart := flag.String("restart", "exec", "Fatal reset mode: exec|exit")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	mdnsEnable := flag.Bool("mdns-enable", false, "Advertise the metrics endpoint via mDNS")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default bus-echo-<role>-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Explicitly set flags take precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.role = *role
	cfg.backend = *backend
	cfg.address = bus.Address(*address)
	cfg.payload = *payload
	cfg.rxCapacity = *rxCap
	cfg.serialDev = *serialDev
	cfg.baud = *baud
	cfg.serialReadTO = *serialReadTO
	cfg.ackWindow = *ackWindow
	cfg.i2cDev = *i2cDev
	cfg.sendTO = *sendTO
	cfg.replyTO = *replyTO
	cfg.listenTO = *listenTO
	cfg.echoTO = *echoTO
	cfg.backoff = *backoff
	cfg.settle = *settle
	cfg.replyPoll = *replyPoll
	cfg.sendRetries = *sendRetries
	cfg.console = *console
	cfg.consoleBaud = *consoleBaud
	cfg.led = *led
	cfg.restart = *restart
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName
	if *address < 0 || *address > bus.MaxAddress {
		fmt.Printf("configuration error: address %d out of range\n", *address)
		return nil, *showVersion
	}

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs semantic validation of the parsed configuration. It does
// not open devices or listeners.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.role {
	case exchange.RoleController, exchange.RoleResponder:
	default:
		return fmt.Errorf("invalid role: %s", c.role)
	}
	switch c.backend {
	case "serial", "sim":
	case "i2cdev":
		if c.role == exchange.RoleResponder {
			return errors.New("backend i2cdev cannot act as responder (no target mode)")
		}
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	if !logging.ValidFormat(c.logFormat) {
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.restart {
	case restartExec, restartExit:
	default:
		return fmt.Errorf("invalid restart mode: %s", c.restart)
	}
	if !c.address.Valid() {
		return fmt.Errorf("address %d out of range", c.address)
	}
	if c.rxCapacity <= 0 {
		return fmt.Errorf("rx-capacity must be > 0 (got %d)", c.rxCapacity)
	}
	if c.role == exchange.RoleController || c.backend == "sim" {
		if len(c.payload) == 0 {
			return errors.New("payload must not be empty")
		}
		if len(c.payload) > c.rxCapacity {
			return fmt.Errorf("payload (%d bytes) exceeds rx-capacity %d", len(c.payload), c.rxCapacity)
		}
	}
	if c.backend == "serial" && len(c.payload) > serial.MaxData {
		return fmt.Errorf("payload exceeds serial frame capacity %d", serial.MaxData)
	}
	if c.baud <= 0 || c.consoleBaud <= 0 {
		return errors.New("baud rates must be > 0")
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.ackWindow <= 0 {
		return fmt.Errorf("ack-window must be > 0")
	}
	for name, d := range map[string]time.Duration{
		"send-timeout": c.sendTO, "reply-timeout": c.replyTO,
		"listen-timeout": c.listenTO, "echo-timeout": c.echoTO,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if c.backoff < 0 || c.settle < 0 || c.replyPoll < 0 {
		return errors.New("delays must be >= 0")
	}
	if c.sendRetries < 0 {
		return fmt.Errorf("send-retries must be >= 0")
	}
	if c.mdnsEnable && c.metricsAddr == "" {
		return errors.New("mdns-enable requires metrics-addr")
	}
	return nil
}

// applyEnvOverrides maps BUS_ECHO_* environment variables to config fields
// unless a corresponding flag was explicitly set. Empty values are ignored.
// Durations use time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(flagName, key string) (string, bool) {
		if _, ok := set[flagName]; ok {
			return "", false
		}
		v, ok := os.LookupEnv(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	fail := func(key string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	str := func(flagName, key string, dst *string) {
		if v, ok := get(flagName, key); ok {
			*dst = v
		}
	}
	num := func(flagName, key string, floor int, dst *int) {
		if v, ok := get(flagName, key); ok {
			n, err := strconv.Atoi(v)
			if err == nil && n < floor {
				err = fmt.Errorf("must be >= %d", floor)
			}
			if err != nil {
				fail(key, err)
				return
			}
			*dst = n
		}
	}
	dur := func(flagName, key string, dst *time.Duration) {
		if v, ok := get(flagName, key); ok {
			d, err := time.ParseDuration(v)
			if err == nil && d < 0 {
				err = errors.New("must be >= 0")
			}
			if err != nil {
				fail(key, err)
				return
			}
			*dst = d
		}
	}

	str("role", "BUS_ECHO_ROLE", &c.role)
	str("backend", "BUS_ECHO_BACKEND", &c.backend)
	if v, ok := get("address", "BUS_ECHO_ADDRESS"); ok {
		if a, err := bus.ParseAddress(v); err == nil {
			c.address = a
		} else {
			fail("BUS_ECHO_ADDRESS", err)
		}
	}
	// The payload keeps its surrounding whitespace.
	if _, ok := set["payload"]; !ok {
		if v, ok := os.LookupEnv("BUS_ECHO_PAYLOAD"); ok && v != "" {
			c.payload = v
		}
	}
	num("rx-capacity", "BUS_ECHO_RX_CAPACITY", 1, &c.rxCapacity)
	str("serial", "BUS_ECHO_SERIAL", &c.serialDev)
	num("baud", "BUS_ECHO_BAUD", 1, &c.baud)
	dur("serial-read-timeout", "BUS_ECHO_SERIAL_READ_TIMEOUT", &c.serialReadTO)
	dur("ack-window", "BUS_ECHO_ACK_WINDOW", &c.ackWindow)
	str("i2c-dev", "BUS_ECHO_I2C_DEV", &c.i2cDev)
	dur("send-timeout", "BUS_ECHO_SEND_TIMEOUT", &c.sendTO)
	dur("reply-timeout", "BUS_ECHO_REPLY_TIMEOUT", &c.replyTO)
	dur("listen-timeout", "BUS_ECHO_LISTEN_TIMEOUT", &c.listenTO)
	dur("echo-timeout", "BUS_ECHO_ECHO_TIMEOUT", &c.echoTO)
	dur("backoff", "BUS_ECHO_BACKOFF", &c.backoff)
	dur("settle", "BUS_ECHO_SETTLE", &c.settle)
	dur("reply-poll", "BUS_ECHO_REPLY_POLL", &c.replyPoll)
	num("send-retries", "BUS_ECHO_SEND_RETRIES", 0, &c.sendRetries)
	str("console", "BUS_ECHO_CONSOLE", &c.console)
	num("console-baud", "BUS_ECHO_CONSOLE_BAUD", 1, &c.consoleBaud)
	str("led", "BUS_ECHO_LED", &c.led)
	str("restart", "BUS_ECHO_RESTART", &c.restart)
	str("log-format", "BUS_ECHO_LOG_FORMAT", &c.logFormat)
	str("log-level", "BUS_ECHO_LOG_LEVEL", &c.logLevel)
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := os.LookupEnv("BUS_ECHO_METRICS"); ok {
			c.metricsAddr = strings.TrimSpace(v)
		}
	}
	dur("log-metrics-interval", "BUS_ECHO_LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	if v, ok := get("mdns-enable", "BUS_ECHO_MDNS_ENABLE"); ok {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			c.mdnsEnable = true
		case "0", "false", "no", "off":
			c.mdnsEnable = false
		}
	}
	str("mdns-name", "BUS_ECHO_MDNS_NAME", &c.mdnsName)
	return firstErr
}
