// Copyright the kadmesh authors.
//
// This file is part of kadmesh.
//
// kadmesh is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// kadmesh is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.

package kad

import (
	"time"

	"github.com/kadmesh/overlay/internal/natdetect"
)

// Config parameterizes an Engine. New and NewWithTransport start from
// defaultConfig (built from the constants in constants.go) and apply
// each Option over it.
type Config struct {
	// LocalID identifies this node. A random id is generated if the
	// zero value is left in place.
	LocalID [20]byte
	// ListenAddress is the udp host:port the engine binds.
	ListenAddress string
	// QueryTimeout bounds how long an outstanding probe waits for a
	// reply before the lookup engine treats it as unresponsive.
	QueryTimeout time.Duration
	// RestoreInterval paces the republication sweep.
	RestoreInterval time.Duration
	// TimerInterval paces the expiry sweep.
	TimerInterval time.Duration
	// SocketBufferSize sets the udp socket's send/receive buffer size.
	SocketBufferSize int
	// Logging enables Debug-level protocol logging.
	Logging bool
	// InitialNATState seeds the NAT detector. The engine never feeds
	// the detector observations, so this state stays in force; the
	// default, Undefined, refuses every direct operation.
	InitialNATState natdetect.State
}

// Option mutates a Config, grounded on the teacher's options.go
// functional-option shape.
type Option func(*Config)

// WithListenAddress sets the udp bind address.
func WithListenAddress(addr string) Option {
	return func(c *Config) { c.ListenAddress = addr }
}

// WithLocalID pins the local node id instead of generating one.
func WithLocalID(id [20]byte) Option {
	return func(c *Config) { c.LocalID = id }
}

// WithLogging toggles Debug-level protocol logging.
func WithLogging(enabled bool) Option {
	return func(c *Config) { c.Logging = enabled }
}

// WithQueryTimeout overrides the default per-probe timeout.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *Config) { c.QueryTimeout = d }
}

// WithNATState seeds the NAT detector with a known state instead of
// Undefined, which refuses every direct operation. The engine does not
// reclassify it afterwards.
func WithNATState(s natdetect.State) Option {
	return func(c *Config) { c.InitialNATState = s }
}

func defaultConfig() Config {
	return Config{
		ListenAddress:    ":6881",
		QueryTimeout:     QueryTimeout,
		RestoreInterval:  RestoreInterval,
		TimerInterval:    TimerInterval,
		SocketBufferSize: 1 << 20,
		InitialNATState:  natdetect.Undefined,
	}
}
