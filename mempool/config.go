package mempool

// defaultAlignment is the pool's default alignment when none is configured,
// chosen for cache-line friendliness on common architectures.
const defaultAlignment = 64

// minPoolSize is the smallest backing region a Pool will accept.
const minPoolSize = 4096

// SizeClassSpec describes one fixed-size class to pre-register at pool
// creation, mirroring add_class(size, capacity)'s two parameters.
type SizeClassSpec struct {
	Size     uintptr
	Capacity int
}

// Config is the configuration record accepted by CreateWithConfig.
type Config struct {
	PoolSize          uintptr
	ThreadSafe        bool
	Alignment         uintptr
	EnableSizeClasses bool
	SizeClasses       []SizeClassSpec
}

// Option configures a Config, letting New accept only the fields a caller
// wants to override instead of a fully-populated struct literal.
type Option func(*Config)

func defaultConfig() Config {
	return Config{
		PoolSize:   1 << 20,
		ThreadSafe: true,
		Alignment:  defaultAlignment,
	}
}

// WithPoolSize sets the initial backing region size, in bytes.
func WithPoolSize(size uintptr) Option {
	return func(c *Config) { c.PoolSize = size }
}

// WithThreadSafe enables or disables the pool-wide lock.
func WithThreadSafe(enabled bool) Option {
	return func(c *Config) { c.ThreadSafe = enabled }
}

// WithAlignment sets the pool's default alignment; must be a power of two.
func WithAlignment(alignment uintptr) Option {
	return func(c *Config) { c.Alignment = alignment }
}

// WithSizeClasses enables the fixed-size fast path and registers the given
// classes at creation time.
func WithSizeClasses(specs ...SizeClassSpec) Option {
	return func(c *Config) {
		c.EnableSizeClasses = true
		c.SizeClasses = specs
	}
}
