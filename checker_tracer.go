package main

import (
	"crypto/tls"
	"log/slog"
	"net/http/httptrace"
	"sync"
	"time"
)

// probeTracer records the phases of one HTTP probe.
type probeTracer struct {
	sync.Mutex
	connStartTime         time.Time
	connAcquiredTime      time.Time
	connReused            bool
	firstResponseByte     time.Time
	dnsStartTime          time.Time
	dnsDoneTime           time.Time
	tlsHandshakeStartTime time.Time
	tlsHandshakeDoneTime  time.Time
}

type ProbeTimings struct {
	ConnAcquiredMs      int64 `json:"conn_acquired_ms"`
	ConnReused          bool  `json:"conn_reused"`
	FirstResponseByteMs int64 `json:"first_response_byte_ms"`
	DNSLookupMs         int64 `json:"dns_lookup_ms"`
	TLSHandshakeMs      int64 `json:"tls_handshake_ms"`
}

// LogValue renders the timings as a log group.
func (t ProbeTimings) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("conn_acquired_ms", t.ConnAcquiredMs),
		slog.Bool("conn_reused", t.ConnReused),
		slog.Int64("first_response_byte_ms", t.FirstResponseByteMs),
		slog.Int64("dns_lookup_ms", t.DNSLookupMs),
		slog.Int64("tls_handshake_ms", t.TLSHandshakeMs),
	)
}

func newProbeTracer() *probeTracer {
	return &probeTracer{}
}

func (pt *probeTracer) clientTrace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		GetConn: func(hostPort string) {
			pt.Lock()
			pt.connStartTime = time.Now()
			pt.Unlock()
		},
		GotConn: func(info httptrace.GotConnInfo) {
			pt.Lock()
			pt.connAcquiredTime = time.Now()
			pt.connReused = info.Reused
			pt.Unlock()
		},
		GotFirstResponseByte: func() {
			pt.Lock()
			pt.firstResponseByte = time.Now()
			pt.Unlock()
		},
		DNSStart: func(httptrace.DNSStartInfo) {
			pt.Lock()
			pt.dnsStartTime = time.Now()
			pt.Unlock()
		},
		DNSDone: func(httptrace.DNSDoneInfo) {
			pt.Lock()
			pt.dnsDoneTime = time.Now()
			pt.Unlock()
		},
		TLSHandshakeStart: func() {
			pt.Lock()
			pt.tlsHandshakeStartTime = time.Now()
			pt.Unlock()
		},
		TLSHandshakeDone: func(tls.ConnectionState, error) {
			pt.Lock()
			pt.tlsHandshakeDoneTime = time.Now()
			pt.Unlock()
		},
	}
}

func (pt *probeTracer) timings() ProbeTimings {
	pt.Lock()
	defer pt.Unlock()

	timings := ProbeTimings{ConnReused: pt.connReused}

	if !pt.connAcquiredTime.IsZero() && !pt.connStartTime.IsZero() {
		timings.ConnAcquiredMs = pt.connAcquiredTime.Sub(pt.connStartTime).Milliseconds()
	}

	if !pt.firstResponseByte.IsZero() && !pt.connAcquiredTime.IsZero() {
		timings.FirstResponseByteMs = pt.firstResponseByte.Sub(pt.connAcquiredTime).Milliseconds()
	}

	if !pt.dnsDoneTime.IsZero() && !pt.dnsStartTime.IsZero() {
		timings.DNSLookupMs = pt.dnsDoneTime.Sub(pt.dnsStartTime).Milliseconds()
	}

	if !pt.tlsHandshakeDoneTime.IsZero() && !pt.tlsHandshakeStartTime.IsZero() {
		timings.TLSHandshakeMs = pt.tlsHandshakeDoneTime.Sub(pt.tlsHandshakeStartTime).Milliseconds()
	}
	return timings
}
