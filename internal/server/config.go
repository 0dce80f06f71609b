package server

import "time"

type HttpConfig struct {
	Host string `conf:"host"`
	Port int    `conf:"port"`
	H2c  bool   `conf:"h2c"`

	// ReadHeaderTimeout bounds how long a client may take to send headers.
	ReadHeaderTimeout time.Duration `conf:"read_header_timeout"`

	// MaxBodyBytes caps request bodies. Zero disables the limit.
	MaxBodyBytes int64 `conf:"max_body_bytes"`
}

const (
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultMaxBodyBytes      = 4 << 20
)
