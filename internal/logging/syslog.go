// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"fmt"
	"io"
	"log/syslog"
)

// SyslogConfig configures an optional remote syslog sink.
type SyslogConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Protocol string // "udp" or "tcp"
	Tag      string
	Facility syslog.Priority
}

// DefaultSyslogConfig returns syslog disabled, with the conventional
// local defaults filled in for when it is turned on.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      "tsim",
		Facility: syslog.LOG_USER,
	}
}

// NewSyslogWriter dials a remote (or local) syslog daemon and returns an
// io.Writer that log/slog text records can be appended to.
func NewSyslogWriter(cfg SyslogConfig) (io.Writer, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("logging: syslog host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Tag == "" {
		cfg.Tag = "tsim"
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	w, err := syslog.Dial(cfg.Protocol, addr, cfg.Facility|syslog.LOG_INFO, cfg.Tag)
	if err != nil {
		return nil, fmt.Errorf("logging: dial syslog %s: %w", addr, err)
	}
	return w, nil
}
