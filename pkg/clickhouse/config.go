package clickhouse

import "time"

// ClientOption configures Client.
type ClientOption func(*ClientConfig)

// ClientConfig holds connection and pool settings.
type ClientConfig struct {
	Host             string
	Port             int
	Database         string
	User             string
	Password         string
	UseHTTP          bool
	AsyncInsert      bool
	WaitForAsync     bool
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	DialTimeout      time.Duration
	ReadTimeout      time.Duration
	MaxExecutionTime time.Duration
}

// WithAddr sets host and native-protocol port.
func WithAddr(host string, port int) ClientOption {
	return func(c *ClientConfig) {
		c.Host = host
		if port > 0 {
			c.Port = port
		}
	}
}

// WithDatabase sets the database name.
func WithDatabase(name string) ClientOption {
	return func(c *ClientConfig) {
		if name != "" {
			c.Database = name
		}
	}
}

// WithCredentials sets user and password.
func WithCredentials(user, password string) ClientOption {
	return func(c *ClientConfig) {
		if user != "" {
			c.User = user
		}
		c.Password = password
	}
}

// WithPool sets pool limits.
func WithPool(maxOpen, maxIdle int, maxLifetime time.Duration) ClientOption {
	return func(c *ClientConfig) {
		c.MaxOpenConns = maxOpen
		c.MaxIdleConns = maxIdle
		c.ConnMaxLifetime = maxLifetime
	}
}

// WithTimeouts sets dial and read timeouts.
func WithTimeouts(dial, read time.Duration) ClientOption {
	return func(c *ClientConfig) {
		if dial > 0 {
			c.DialTimeout = dial
		}
		if read > 0 {
			c.ReadTimeout = read
		}
	}
}

// WithHTTP switches to the HTTP protocol.
func WithHTTP(enabled bool) ClientOption {
	return func(c *ClientConfig) { c.UseHTTP = enabled }
}

// WithAsyncInsert enables server-side async inserts; wait controls whether
// the client blocks until the flush completes.
func WithAsyncInsert(enabled, wait bool) ClientOption {
	return func(c *ClientConfig) {
		c.AsyncInsert = enabled
		c.WaitForAsync = wait
	}
}

// WithMaxExecutionTime caps per-query execution time.
func WithMaxExecutionTime(d time.Duration) ClientOption {
	return func(c *ClientConfig) { c.MaxExecutionTime = d }
}
