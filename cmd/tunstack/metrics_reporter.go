package main

import (
	"encoding/json"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/nharte/tunstack/pkg/logging"
	"github.com/nharte/tunstack/pkg/stack"
)

type metricsSnapshot struct {
	Timestamp string            `json:"ts"`
	Link      map[string]uint64 `json:"link"`
	TCP       map[string]uint64 `json:"tcp"`
	Active    int               `json:"active"`
	RT        map[string]uint64 `json:"rt"`
}

func runMetricsReporter(eng *stack.Stack) {
	iv := strings.TrimSpace(os.Getenv("METRICS_INTERVAL"))
	if iv == "" {
		iv = "30s"
	}
	d, err := time.ParseDuration(iv)
	if err != nil {
		d = 30 * time.Second
	}

	format := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_FORMAT")))
	if format == "" {
		format = "text"
	}

	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		dumpMetrics(eng, format)
		<-ticker.C
	}
}

// lastRetransmits keeps the previous cumulative count to compute per-interval delta.
var lastRetransmits uint64

func dumpMetrics(eng *stack.Stack, format string) {
	m := eng.Metrics()
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	rtxDelta := m.Retransmits - lastRetransmits
	lastRetransmits = m.Retransmits

	snap := metricsSnapshot{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Link: map[string]uint64{
			"pkts_recv":  m.Link.PacketsReceived,
			"pkts_sent":  m.Link.PacketsSent,
			"bytes_recv": m.Link.BytesReceived,
			"bytes_sent": m.Link.BytesSent,
			"filtered":   m.Link.PacketsFiltered,
			"errors":     m.Link.Errors,
		},
		TCP: map[string]uint64{
			"segs_in":       m.SegmentsIn,
			"segs_out":      m.SegmentsOut,
			"decode_drops":  m.DecodeDrops,
			"rtx":           m.Retransmits,
			"rtx_delta":     rtxDelta,
			"conns_created": m.ConnectionsCreated,
			"conns_closed":  m.ConnectionsClosed,
			"conns_refused": m.ConnectionsRefused,
			"rsts_sent":     m.RSTsSent,
			"queue_drops":   m.QueueFullDrops,
		},
		Active: eng.ActiveConnections(),
		RT: map[string]uint64{
			"heap_alloc": ms.HeapAlloc,
			"heap_inuse": ms.HeapInuse,
			"sys":        ms.Sys,
			"num_gc":     uint64(ms.NumGC),
			"goroutines": uint64(runtime.NumGoroutine()),
		},
	}

	switch format {
	case "json":
		b, _ := json.Marshal(snap)
		logging.Infof("metrics: %s", string(b))
	default:
		logging.Infof("metrics: ts=%s link: recv=%d/%d sent=%d/%d filt=%d err=%d | tcp: in=%d out=%d drops=%d rtx=%d dR=%d conns=%d/%d/%d act=%d rst=%d qfd=%d | rt: heap=%dMi inuse=%dMi gor=%d gc=%d",
			snap.Timestamp,
			snap.Link["pkts_recv"], snap.Link["bytes_recv"],
			snap.Link["pkts_sent"], snap.Link["bytes_sent"],
			snap.Link["filtered"], snap.Link["errors"],
			snap.TCP["segs_in"], snap.TCP["segs_out"], snap.TCP["decode_drops"],
			snap.TCP["rtx"], snap.TCP["rtx_delta"],
			snap.TCP["conns_created"], snap.TCP["conns_closed"], snap.TCP["conns_refused"],
			snap.Active, snap.TCP["rsts_sent"], snap.TCP["queue_drops"],
			snap.RT["heap_alloc"]/(1024*1024), snap.RT["heap_inuse"]/(1024*1024),
			snap.RT["goroutines"], snap.RT["num_gc"],
		)
	}
}
