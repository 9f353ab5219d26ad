/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"

	"github.com/wso2/api-platform/gateway/service-control/internal/config"
)

// Server exposes /config_dump to the addresses in admin.allowed_ips.
type Server struct {
	cfg        *config.AdminConfig
	httpServer *http.Server
}

func NewServer(cfg *config.AdminConfig, source ConfigSource) *Server {
	mux := http.NewServeMux()
	mux.Handle("/config_dump", parseAllowList(cfg.AllowedIPs).guard(NewConfigDumpHandler(source)))

	return &Server{
		cfg: cfg,
		httpServer: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Port),
			Handler: mux,
		},
	}
}

// Start blocks until Stop is called or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	slog.InfoContext(ctx, "Starting admin HTTP server", "port", s.cfg.Port, "allowed_ips", s.cfg.AllowedIPs)

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("admin server error: %w", err)
}

func (s *Server) Stop(ctx context.Context) error {
	slog.InfoContext(ctx, "Stopping admin HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// allowList holds the parsed form of admin.allowed_ips. A bare address
// becomes a single-address prefix.
type allowList struct {
	all      bool
	prefixes []netip.Prefix
}

func parseAllowList(entries []string) allowList {
	var l allowList
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "*" {
			l.all = true
			continue
		}
		if p, err := netip.ParsePrefix(e); err == nil {
			l.prefixes = append(l.prefixes, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(e); err == nil {
			l.prefixes = append(l.prefixes, netip.PrefixFrom(a, a.BitLen()))
			continue
		}
		slog.Warn("Ignoring invalid admin allowed_ips entry", "entry", e)
	}
	return l
}

func (l allowList) allows(addr netip.Addr) bool {
	if l.all {
		return true
	}
	if !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, p := range l.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// guard rejects callers outside the list with 403. Only the socket peer
// address counts; forwarding headers are ignored.
func (l allowList) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := remoteAddr(r)
		if !l.allows(addr) {
			slog.Warn("Blocked admin request from unauthorized IP", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// remoteAddr returns the zero Addr when RemoteAddr does not parse.
func remoteAddr(r *http.Request) netip.Addr {
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		return ap.Addr()
	}
	a, _ := netip.ParseAddr(r.RemoteAddr)
	return a
}
