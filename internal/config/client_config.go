package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/yuuki/ibvsock/internal/rdma"
)

// ClientConfig holds configuration for an RDMA stream client
type ClientConfig struct {
	LogLevel      string
	BufNum        int
	BufSize       int
	TypeOfService uint8

	ConnTimeoutMS              uint32
	CompletionTimeoutMS        uint32
	FlowControlOnSendTimeoutMS uint32
	FlowControlOnRecvTimeoutMS uint32
	ShutdownDrainTimeoutMS     uint32
	LivenessIntervalMS         uint32
	StaleRetries               int

	OtelCollectorAddr string
	ProbeIntervalMS   uint32
	ProbeCount        int
	PayloadSize       int
	Simulate          bool
}

// clientKey ties a config key to its command line flag.
type clientKey struct {
	key   string
	flag  string
	usage string
	def   any
}

var clientKeys = []clientKey{
	{"log_level", "log-level", "Log level (debug, info, warn, error)", "info"},
	{"buf_num", "buf-num", "Number of send and receive buffers per connection", 128},
	{"buf_size", "buf-size", "Size of each buffer in bytes", 4096},
	{"type_of_service", "type-of-service", "IP type of service for RDMA traffic", 0},
	{"conn_timeout_ms", "conn-timeout-ms", "Address and route resolution timeout", 5000},
	{"completion_timeout_ms", "completion-timeout-ms", "Send completion timeout", 300000},
	{"flow_control_on_send_timeout_ms", "flow-control-on-send-timeout-ms", "Timeout waiting for send credits", 180000},
	{"flow_control_on_recv_timeout_ms", "flow-control-on-recv-timeout-ms", "Timeout waiting for a free buffer to return credits", 180000},
	{"shutdown_drain_timeout_ms", "shutdown-drain-timeout-ms", "How long shutdown waits for outstanding sends", 250},
	{"liveness_interval_ms", "liveness-interval-ms", "Interval between liveness checks while waiting", 10000},
	{"stale_retries", "stale-retries", "Connect retries after stale rejections", 128},
	{"otel_collector_addr", "otel-collector-addr", "OTLP collector URL (empty disables metrics export)", ""},
	{"probe_interval_ms", "probe-interval-ms", "Interval between echo probes", 1000},
	{"probe_count", "probe-count", "Number of echo probes per target", 10},
	{"payload_size", "payload-size", "Echo probe payload size in bytes", 64},
	{"simulate", "simulate", "Serve every target from an in-process simulated fabric", false},
}

// SetupClientFlags registers a flag for every client config key
func SetupClientFlags(flagSet *pflag.FlagSet) {
	for _, k := range clientKeys {
		switch def := k.def.(type) {
		case string:
			flagSet.String(k.flag, def, k.usage)
		case int:
			flagSet.Int(k.flag, def, k.usage)
		case bool:
			flagSet.Bool(k.flag, def, k.usage)
		}
	}
}

// BindClientFlags makes explicitly set flags override file and environment
func BindClientFlags(v *viper.Viper, flagSet *pflag.FlagSet) error {
	for _, k := range clientKeys {
		f := flagSet.Lookup(k.flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(k.key, f); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", k.flag, err)
		}
	}
	return nil
}

// newClientViper returns a viper instance with defaults and environment set up
func newClientViper() *viper.Viper {
	v := viper.New()
	for _, k := range clientKeys {
		v.SetDefault(k.key, k.def)
	}

	// Environment variables
	v.SetEnvPrefix("IBVSOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// LoadClientConfig loads the client configuration from a file, environment
// variables and, when flagSet is non-nil, command line flags
func LoadClientConfig(configPath string, flagSet *pflag.FlagSet) (*ClientConfig, error) {
	v := newClientViper()

	if flagSet != nil {
		if err := BindClientFlags(v, flagSet); err != nil {
			return nil, err
		}
	}

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config in default locations
		v.SetConfigName("ibvsock")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.ibvsock")
		v.AddConfigPath("/etc/ibvsock")
	}

	if err := v.ReadInConfig(); err != nil {
		// It's okay if config file is not found, but other errors should be handled
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config ClientConfig
	config.LogLevel = v.GetString("log_level")
	config.BufNum = v.GetInt("buf_num")
	config.BufSize = v.GetInt("buf_size")
	tos := v.GetInt("type_of_service")
	if tos < 0 || tos > 255 {
		return nil, fmt.Errorf("type_of_service must be within 0..255, got %d", tos)
	}
	config.TypeOfService = uint8(tos)
	config.ConnTimeoutMS = v.GetUint32("conn_timeout_ms")
	config.CompletionTimeoutMS = v.GetUint32("completion_timeout_ms")
	config.FlowControlOnSendTimeoutMS = v.GetUint32("flow_control_on_send_timeout_ms")
	config.FlowControlOnRecvTimeoutMS = v.GetUint32("flow_control_on_recv_timeout_ms")
	config.ShutdownDrainTimeoutMS = v.GetUint32("shutdown_drain_timeout_ms")
	config.LivenessIntervalMS = v.GetUint32("liveness_interval_ms")
	config.StaleRetries = v.GetInt("stale_retries")
	config.OtelCollectorAddr = v.GetString("otel_collector_addr")
	config.ProbeIntervalMS = v.GetUint32("probe_interval_ms")
	config.ProbeCount = v.GetInt("probe_count")
	config.PayloadSize = v.GetInt("payload_size")
	config.Simulate = v.GetBool("simulate")

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the values the transport cannot work with
func (c *ClientConfig) Validate() error {
	var errs []error
	if c.BufNum < 2 {
		errs = append(errs, fmt.Errorf("buf_num must be at least 2, got %d", c.BufNum))
	}
	if c.BufSize <= 0 {
		errs = append(errs, fmt.Errorf("buf_size must be positive, got %d", c.BufSize))
	}
	timeouts := map[string]uint32{
		"conn_timeout_ms":                 c.ConnTimeoutMS,
		"completion_timeout_ms":           c.CompletionTimeoutMS,
		"flow_control_on_send_timeout_ms": c.FlowControlOnSendTimeoutMS,
		"flow_control_on_recv_timeout_ms": c.FlowControlOnRecvTimeoutMS,
		"shutdown_drain_timeout_ms":       c.ShutdownDrainTimeoutMS,
		"liveness_interval_ms":            c.LivenessIntervalMS,
		"probe_interval_ms":               c.ProbeIntervalMS,
	}
	for _, k := range clientKeys {
		if ms, ok := timeouts[k.key]; ok && ms == 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", k.key))
		}
	}
	if c.StaleRetries < 0 {
		errs = append(errs, fmt.Errorf("stale_retries must not be negative, got %d", c.StaleRetries))
	}
	if c.ProbeCount <= 0 {
		errs = append(errs, fmt.Errorf("probe_count must be positive, got %d", c.ProbeCount))
	}
	if c.PayloadSize <= 0 {
		errs = append(errs, fmt.Errorf("payload_size must be positive, got %d", c.PayloadSize))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid client config: %w", err)
	}
	return nil
}

func msDuration(ms uint32) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Tunables converts the timing keys for the transport
func (c *ClientConfig) Tunables() rdma.Tunables {
	return rdma.Tunables{
		ConnTimeout:              msDuration(c.ConnTimeoutMS),
		CompletionTimeout:        msDuration(c.CompletionTimeoutMS),
		FlowControlOnSendTimeout: msDuration(c.FlowControlOnSendTimeoutMS),
		FlowControlOnRecvTimeout: msDuration(c.FlowControlOnRecvTimeoutMS),
		ShutdownDrainTimeout:     msDuration(c.ShutdownDrainTimeoutMS),
		LivenessInterval:         msDuration(c.LivenessIntervalMS),
		StaleRetries:             c.StaleRetries,
	}
}

// CommConfig converts the buffer layout for the transport
func (c *ClientConfig) CommConfig() rdma.CommConfig {
	return rdma.CommConfig{BufNum: c.BufNum, BufSize: c.BufSize}
}

// CreateDefaultClientConfig creates a default configuration file for a client
func CreateDefaultClientConfig(path string) error {
	// Default config content
	configContent := `# ibvsock client configuration
log_level: "info" # debug, info, warn, error
buf_num: 128 # buffers per direction
buf_size: 4096 # bytes per buffer
type_of_service: 0
conn_timeout_ms: 5000 # 5 seconds
completion_timeout_ms: 300000 # 5 minutes
flow_control_on_send_timeout_ms: 180000 # 3 minutes
flow_control_on_recv_timeout_ms: 180000 # 3 minutes
shutdown_drain_timeout_ms: 250
liveness_interval_ms: 10000 # 10 seconds
stale_retries: 128
otel_collector_addr: "" # e.g. grpc://localhost:4317, empty disables export
probe_interval_ms: 1000 # 1 second
probe_count: 10
payload_size: 64
simulate: false
`

	return writeConfigFile(path, configContent)
}
