package coap

import "time"

// Config holds the tunables enumerated in spec.md §6. Construct with
// NewConfig and zero or more Option functions, mirroring the teacher's
// cmd/proxy.go call:
//
//	coap.NewConfig(
//	    coap.WithACKTimeout(2*time.Second),
//	    coap.WithMaxRetransmit(4),
//	    coap.WithLogger(myLogger),
//	)
type Config struct {
	// ACKTimeout is the base retransmission timeout (RFC 7252 §4.8). Default 2s.
	ACKTimeout time.Duration
	// ACKRandomFactor scales ACKTimeout into [1.0, factor) for the initial
	// timeout. Default 1.5.
	ACKRandomFactor float64
	// MaxRetransmit is the number of retries after the initial send before
	// a CON without ACK/RST is declared Expired. Default 4.
	MaxRetransmit int
	// NSTART is RFC 7252's bound on outstanding CONs per remote. Default 1.
	// No component in this module reads or enforces it.
	NSTART int
	// DefaultLeisure bounds how long a multicast responder may delay its
	// response (kept for completeness; multicast itself is out of scope).
	DefaultLeisure time.Duration
	// ProbingRateBytesPerSec is RFC 7252's PROBING_RATE in bytes/second.
	// Nothing in this module applies it (congestion control beyond the
	// default backoff is out of scope); the constant is kept for callers
	// layering it on.
	ProbingRateBytesPerSec int
	// ExchangeLifetime bounds how long (remote, MessageID) state is
	// retained by dedup/dispatch. Default 247s.
	ExchangeLifetime time.Duration
	// MaxAgeDefault is RFC 7252's default Max-Age. Default 60s. No component
	// in this module reads it; responses carry no Max-Age option unless a
	// handler adds one.
	MaxAgeDefault time.Duration
	// HeartbeatInterval is the default observation heartbeat. Default 24h.
	HeartbeatInterval time.Duration
	// WorkerPoolSize bounds concurrent user-handler/serialization work
	// admitted by the router (spec.md §5). Default 32.
	WorkerPoolSize int64

	Logger Logger
}

// Option mutates a Config being built by NewConfig.
type Option func(*Config)

// NewConfig builds a Config with spec.md §6 defaults, applying opts in order.
func NewConfig(opts ...Option) *Config {
	c := &Config{
		ACKTimeout:             2 * time.Second,
		ACKRandomFactor:        1.5,
		MaxRetransmit:          4,
		NSTART:                 1,
		DefaultLeisure:         5 * time.Second,
		ProbingRateBytesPerSec: 1,
		ExchangeLifetime:       247 * time.Second,
		MaxAgeDefault:          60 * time.Second,
		HeartbeatInterval:      24 * time.Hour,
		WorkerPoolSize:         32,
		Logger:                 NopLogger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func WithACKTimeout(d time.Duration) Option        { return func(c *Config) { c.ACKTimeout = d } }
func WithACKRandomFactor(f float64) Option         { return func(c *Config) { c.ACKRandomFactor = f } }
func WithMaxRetransmit(n int) Option               { return func(c *Config) { c.MaxRetransmit = n } }
func WithNSTART(n int) Option                      { return func(c *Config) { c.NSTART = n } }
func WithExchangeLifetime(d time.Duration) Option  { return func(c *Config) { c.ExchangeLifetime = d } }
func WithMaxAgeDefault(d time.Duration) Option      { return func(c *Config) { c.MaxAgeDefault = d } }
func WithHeartbeatInterval(d time.Duration) Option { return func(c *Config) { c.HeartbeatInterval = d } }
func WithWorkerPoolSize(n int64) Option            { return func(c *Config) { c.WorkerPoolSize = n } }
func WithLogger(l Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}
