package nkn

import (
	"strings"
	"time"

	"github.com/imdario/mergo"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/metric"
)

// DefaultEnvPrefix is the environment variable prefix used by
// LoadSessionConfigFromEnv when no prefix is given.
const DefaultEnvPrefix = "NKN_SESSION"

// SessionConfig is the session configuration. Durations are in millisecond.
type SessionConfig struct {
	MaxFragmentSize          int32   // Max payload size of a single fragment in bytes. Should not exceed what one relay message can carry.
	MaxOutstandingFragments  int32   // Max number of sent but unacknowledged fragments. Write blocks when reached.
	MaxOutstandingBytes      int32   // Max number of sent but unacknowledged payload bytes. Write blocks when reached.
	InitialRTT               int32   // RTT estimate of a channel before any ack is observed.
	MinRetransmissionTimeout int32   // Retransmission timeout floor.
	MaxRetransmissionTimeout int32   // Retransmission timeout ceiling, including backoff.
	RetransmissionBackoff    float64 // Retransmission timeout multiplier per retry.
	RTTSmoothing             float64 // EWMA smoothing factor for channel RTT estimate.
	MaxRetries               int32   // Max retransmissions of a fragment before the session fails.
	CheckTimeoutInterval     int32   // How often retransmission deadlines and session timeouts are checked.
	IdleTimeout              int32   // Session closes if nothing is received for this long. Negative value disables it.
	MaxReorderGap            int32   // Max distance between next expected sequence and the lowest held one, and max span of unacked sequences in flight.
	IncompleteStreamGrace    int32   // How long held fragments may wait behind a missing one before it is reported.
	MaxIncompleteStreams     int32   // Consecutive incomplete stream reports before the session fails.
	DegradeThreshold         int32   // Consecutive failures that demote an active channel to degraded.
	DeadThreshold            int32   // Further consecutive failures that demote a degraded channel to dead.
	DegradedWeight           float64 // Selection weight multiplier of degraded channels.
	CloseTimeout             int32   // Max time Close waits for outstanding acks and the close signal.
}

// DefaultSessionConfig is the default session config.
var DefaultSessionConfig = SessionConfig{
	MaxFragmentSize:          1024,
	MaxOutstandingFragments:  256,
	MaxOutstandingBytes:      1 << 20,
	InitialRTT:               200,
	MinRetransmissionTimeout: 100,
	MaxRetransmissionTimeout: 10000,
	RetransmissionBackoff:    2,
	RTTSmoothing:             0.2,
	MaxRetries:               10,
	CheckTimeoutInterval:     20,
	IdleTimeout:              300000,
	MaxReorderGap:            1024,
	IncompleteStreamGrace:    5000,
	MaxIncompleteStreams:     3,
	DegradeThreshold:         3,
	DeadThreshold:            1,
	DegradedWeight:           0.25,
	CloseTimeout:             1000,
}

// GetDefaultSessionConfig returns the default session config.
func GetDefaultSessionConfig() *SessionConfig {
	sessionConf := DefaultSessionConfig
	return &sessionConf
}

// MergeSessionConfig merges a given session config with the default session
// config recursively. Any non zero value fields will override the default
// config.
func MergeSessionConfig(conf *SessionConfig) (*SessionConfig, error) {
	merged := GetDefaultSessionConfig()
	if conf != nil {
		err := mergo.Merge(merged, conf, mergo.WithOverride)
		if err != nil {
			return nil, err
		}
	}
	return merged, nil
}

// LoadSessionConfigFromEnv returns the default session config overridden by
// environment variables, e.g. NKN_SESSION_MAX_FRAGMENT_SIZE=512 or
// NKN_SESSION_IDLE_TIMEOUT=-1.
func LoadSessionConfigFromEnv(prefix string) (*SessionConfig, error) {
	if len(prefix) == 0 {
		prefix = DefaultEnvPrefix
	}

	v := viper.New()
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	conf := GetDefaultSessionConfig()
	ints := map[string]*int32{
		"max_fragment_size":          &conf.MaxFragmentSize,
		"max_outstanding_fragments":  &conf.MaxOutstandingFragments,
		"max_outstanding_bytes":      &conf.MaxOutstandingBytes,
		"initial_rtt":                &conf.InitialRTT,
		"min_retransmission_timeout": &conf.MinRetransmissionTimeout,
		"max_retransmission_timeout": &conf.MaxRetransmissionTimeout,
		"max_retries":                &conf.MaxRetries,
		"check_timeout_interval":     &conf.CheckTimeoutInterval,
		"idle_timeout":               &conf.IdleTimeout,
		"max_reorder_gap":            &conf.MaxReorderGap,
		"incomplete_stream_grace":    &conf.IncompleteStreamGrace,
		"max_incomplete_streams":     &conf.MaxIncompleteStreams,
		"degrade_threshold":          &conf.DegradeThreshold,
		"dead_threshold":             &conf.DeadThreshold,
		"close_timeout":              &conf.CloseTimeout,
	}
	for key, field := range ints {
		v.SetDefault(key, *field)
		*field = v.GetInt32(key)
	}

	floats := map[string]*float64{
		"retransmission_backoff": &conf.RetransmissionBackoff,
		"rtt_smoothing":          &conf.RTTSmoothing,
		"degraded_weight":        &conf.DegradedWeight,
	}
	for key, field := range floats {
		v.SetDefault(key, *field)
		*field = v.GetFloat64(key)
	}

	if conf.MaxFragmentSize < 1 {
		return nil, ErrInvalidFragmentSize
	}

	return conf, nil
}

func msToDuration(ms int32) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// RegistryConfig is the session registry configuration.
type RegistryConfig struct {
	SessionConfig           *SessionConfig // Default config of sessions opened or accepted by the registry.
	ClosedSessionExpiration int32          // How long a closed session id is remembered so late fragments are dropped, in millisecond.
	AcceptChanLen           int32          // Channel length for accepted but not yet returned sessions.
	Meter                   metric.Meter   // Meter used for session metrics. Metrics are disabled if nil.
}

// DefaultRegistryConfig is the default registry config.
var DefaultRegistryConfig = RegistryConfig{
	SessionConfig:           nil,
	ClosedSessionExpiration: 60000,
	AcceptChanLen:           128,
	Meter:                   nil,
}

// GetDefaultRegistryConfig returns the default registry config with nil
// pointer fields set to default.
func GetDefaultRegistryConfig() *RegistryConfig {
	registryConf := DefaultRegistryConfig
	registryConf.SessionConfig = GetDefaultSessionConfig()
	return &registryConf
}

// MergeRegistryConfig merges a given registry config with the default
// registry config recursively. Any non zero value fields will override the
// default config.
func MergeRegistryConfig(conf *RegistryConfig) (*RegistryConfig, error) {
	merged := GetDefaultRegistryConfig()
	if conf != nil {
		err := mergo.Merge(merged, conf, mergo.WithOverride)
		if err != nil {
			return nil, err
		}
	}
	return merged, nil
}
