/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

// Package download implements the resumable HTTP(S) transaction that
// streams a package body chunk by chunk into a caller-supplied sink.
package download

import (
	"fmt"
	"net/url"
	"strconv"
)

// ParsedURL is the validated download address.
type ParsedURL struct {
	Scheme string
	Host   string
	Port   int
	Path   string
}

// Secure reports whether the transaction needs TLS.
func (p ParsedURL) Secure() bool {
	return p.Scheme == "https"
}

// HostPort renders the dial address.
func (p ParsedURL) HostPort() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// ParseURL validates a package URI. Only http and https are accepted;
// a missing port defaults to 80/443 by scheme and an explicit port must
// sit inside [1, 65535].
func ParseURL(raw string) (ParsedURL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return ParsedURL{}, fmt.Errorf("%w: %v", ErrInvalidArg, err)
	}

	var defaultPort int
	switch u.Scheme {
	case "http":
		defaultPort = 80
	case "https":
		defaultPort = 443
	default:
		return ParsedURL{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidArg, u.Scheme)
	}
	if u.Hostname() == "" {
		return ParsedURL{}, fmt.Errorf("%w: missing host", ErrInvalidArg)
	}

	port := defaultPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return ParsedURL{}, fmt.Errorf("%w: port %q out of range", ErrInvalidArg, p)
		}
	}

	path := u.Path
	if path == "" {
		path = "/"
	}
	return ParsedURL{
		Scheme: u.Scheme,
		Host:   u.Hostname(),
		Port:   port,
		Path:   path,
	}, nil
}
