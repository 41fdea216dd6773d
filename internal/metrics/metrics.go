// Package metrics exposes Prometheus counters/gauges for every layer of the
// node: the bus transports (internal/serialbus, internal/socketcanbus), the
// frame reassembly and reorder/CRC failure paths (internal/receiver), address
// negotiation (internal/address), FTP transactions (internal/ftp), equation
// evaluation (internal/timelogic), pattern stepping (internal/sequencer), and
// the diagnostic TCP mirror (internal/hub, internal/server).
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liquidlogic/ecconet-matrix/internal/logx"
)

// Prometheus counters/gauges.
var (
	SerialRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_rx_frames_total",
		Help: "Total CAN frames decoded from the serial link.",
	})
	SocketCANRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socketcan_rx_frames_total",
		Help: "Total CAN frames read from the SocketCAN interface.",
	})
	SerialTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_tx_frames_total",
		Help: "Total CAN frames written to the serial link.",
	})
	SocketCANTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socketcan_tx_frames_total",
		Help: "Total CAN frames written to the SocketCAN interface.",
	})
	TCPRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rx_frames_total",
		Help: "Total frames received from diagnostic TCP clients.",
	})
	TCPTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_frames_total",
		Help: "Total frames mirrored to diagnostic TCP clients.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Total frames dropped by the diagnostic hub due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total client connection attempts rejected (e.g., max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of active connected diagnostic clients.",
	})
	HubBroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_broadcast_fanout",
		Help: "Number of clients targeted in the most recent broadcast.",
	})
	HubQueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_max",
		Help: "Observed max queued frames among clients since last sample window.",
	})
	HubQueueDepthAvg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_avg",
		Help: "Approximate average queued frames per client in last sample.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (bad length, unknown frame type).",
	})

	// Message reassembly (internal/receiver).
	CrcMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "message_crc_mismatch_total",
		Help: "Total multi-frame messages dropped for a CRC-16 mismatch.",
	})
	ReorderedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "message_reordered_total",
		Help: "Total frames dropped for arriving out of sequence within a message.",
	})
	StaleMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "message_stale_total",
		Help: "Total partial messages dropped for exceeding StaleFrameTimeout.",
	})

	// Address negotiation (internal/address).
	AddressProposals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "address_proposals_total",
		Help: "Total self-assigned address candidates proposed.",
	})
	AddressCollisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "address_collisions_total",
		Help: "Total address collisions detected, either during or after negotiation.",
	})
	CurrentAddress = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "node_address",
		Help: "This node's current CAN address (0 if unassigned).",
	})

	// FTP transactions (internal/ftp).
	FtpClientTransactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ftp_client_transactions_total",
		Help: "Total client-initiated FTP transactions, by outcome.",
	}, []string{"outcome"})
	FtpServerRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ftp_server_requests_total",
		Help: "Total FTP requests handled by this node's server.",
	})

	// Time-logic engine (internal/timelogic).
	EquationEvaluations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "equation_evaluations_total",
		Help: "Total equation-table evaluation passes run.",
	})
	BytecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "equation_bytecode_errors_total",
		Help: "Total equation bytecode faults that reset the engine.",
	})

	// Pattern sequencer (internal/sequencer).
	PatternSteps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pattern_steps_total",
		Help: "Total pattern-sequencer steps executed across all controllers.",
	})
	PatternFileErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pattern_file_errors_total",
		Help: "Total pattern table load faults.",
	})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality).
const (
	ErrTCPRead        = "tcp_read"
	ErrTCPWrite       = "tcp_write"
	ErrHandshake      = "handshake"
	ErrSerialWrite    = "serial_write"
	ErrSerialOverflow = "serial_tx_overflow"
	ErrSocketCANWrite = "socketcan_write"
	ErrSocketCANOver  = "socketcan_tx_overflow"
	ErrSerialRead     = "serial_read"
	ErrSocketCANRead  = "socketcan_read"
)

// FTP outcome label constants.
const (
	FtpOutcomeOK      = "ok"
	FtpOutcomeError   = "error"
	FtpOutcomeTimeout = "timeout"
)

// StartHTTP serves Prometheus metrics at /metrics on a fresh mux bound to addr.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logx.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logx.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for cheap in-process logging without scraping Prometheus.
var (
	localSerialRx    uint64
	localSerialTx    uint64
	localSocketCANTx uint64
	localSocketCANRx uint64
	localTCPRx       uint64
	localTCPTx       uint64
	localHubDrop     uint64
	localHubKick     uint64
	localHubReject   uint64
	localErrors      uint64
	localHubClients  uint64
	localFanout      uint64
	localMalformed   uint64
	localQDMax       uint64
	localQDAvg       uint64
	localCrcMismatch uint64
	localReordered   uint64
	localStale       uint64
	localProposals   uint64
	localCollisions  uint64
	localFtpServer   uint64
	localEquationEvl uint64
	localBytecodeErr uint64
	localPatternStep uint64
	localPatternErr  uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	SerialRx         uint64
	SocketCANRx      uint64
	SerialTx         uint64
	SocketCANTx      uint64
	TCPRx            uint64
	TCPTx            uint64
	HubDrops         uint64
	HubKicks         uint64
	HubRejects       uint64
	Errors           uint64
	HubClients       uint64
	Fanout           uint64
	Malformed        uint64
	QueueDepthMax    uint64
	QueueDepthAvg    uint64
	CrcMismatches    uint64
	Reordered        uint64
	Stale            uint64
	AddressProposals uint64
	AddressCollide   uint64
	FtpServerReqs    uint64
	EquationEvals    uint64
	BytecodeErrors   uint64
	PatternSteps     uint64
	PatternFileErrs  uint64
}

func Snap() Snapshot {
	return Snapshot{
		SerialRx:         atomic.LoadUint64(&localSerialRx),
		SocketCANRx:      atomic.LoadUint64(&localSocketCANRx),
		SerialTx:         atomic.LoadUint64(&localSerialTx),
		SocketCANTx:      atomic.LoadUint64(&localSocketCANTx),
		TCPRx:            atomic.LoadUint64(&localTCPRx),
		TCPTx:            atomic.LoadUint64(&localTCPTx),
		HubDrops:         atomic.LoadUint64(&localHubDrop),
		HubKicks:         atomic.LoadUint64(&localHubKick),
		HubRejects:       atomic.LoadUint64(&localHubReject),
		Errors:           atomic.LoadUint64(&localErrors),
		HubClients:       atomic.LoadUint64(&localHubClients),
		Fanout:           atomic.LoadUint64(&localFanout),
		Malformed:        atomic.LoadUint64(&localMalformed),
		QueueDepthMax:    atomic.LoadUint64(&localQDMax),
		QueueDepthAvg:    atomic.LoadUint64(&localQDAvg),
		CrcMismatches:    atomic.LoadUint64(&localCrcMismatch),
		Reordered:        atomic.LoadUint64(&localReordered),
		Stale:            atomic.LoadUint64(&localStale),
		AddressProposals: atomic.LoadUint64(&localProposals),
		AddressCollide:   atomic.LoadUint64(&localCollisions),
		FtpServerReqs:    atomic.LoadUint64(&localFtpServer),
		EquationEvals:    atomic.LoadUint64(&localEquationEvl),
		BytecodeErrors:   atomic.LoadUint64(&localBytecodeErr),
		PatternSteps:     atomic.LoadUint64(&localPatternStep),
		PatternFileErrs:  atomic.LoadUint64(&localPatternErr),
	}
}

func IncSerialRx() {
	SerialRxFrames.Inc()
	atomic.AddUint64(&localSerialRx, 1)
}

func IncSocketCANRx() {
	SocketCANRxFrames.Inc()
	atomic.AddUint64(&localSocketCANRx, 1)
}

func IncSerialTx() {
	SerialTxFrames.Inc()
	atomic.AddUint64(&localSerialTx, 1)
}

func IncSocketCANTx() {
	SocketCANTxFrames.Inc()
	atomic.AddUint64(&localSocketCANTx, 1)
}

func IncTCPRx() {
	TCPRxFrames.Inc()
	atomic.AddUint64(&localTCPRx, 1)
}

func AddTCPTx(n int) {
	TCPTxFrames.Add(float64(n))
	atomic.AddUint64(&localTCPTx, uint64(n))
}

func IncHubDrop() {
	HubDroppedFrames.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	atomic.AddUint64(&localHubReject, 1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	atomic.StoreUint64(&localHubClients, uint64(n))
}

func SetBroadcastFanout(n int) {
	HubBroadcastFanout.Set(float64(n))
	atomic.StoreUint64(&localFanout, uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// SetQueueDepth records a snapshot of max and avg queue depth.
func SetQueueDepth(max, avg int) {
	HubQueueDepthMax.Set(float64(max))
	HubQueueDepthAvg.Set(float64(avg))
	atomic.StoreUint64(&localQDMax, uint64(max))
	atomic.StoreUint64(&localQDAvg, uint64(avg))
}

// IncCrcMismatch counts one multi-frame message dropped for a CRC-16 mismatch.
func IncCrcMismatch() {
	CrcMismatches.Inc()
	atomic.AddUint64(&localCrcMismatch, 1)
}

// IncReordered counts one frame dropped for arriving out of sequence.
func IncReordered() {
	ReorderedFrames.Inc()
	atomic.AddUint64(&localReordered, 1)
}

// IncStale counts one partial message dropped as stale.
func IncStale() {
	StaleMessages.Inc()
	atomic.AddUint64(&localStale, 1)
}

// IncAddressProposal counts one self-assigned address candidate proposed.
func IncAddressProposal() {
	AddressProposals.Inc()
	atomic.AddUint64(&localProposals, 1)
}

// IncAddressCollision counts one detected address collision.
func IncAddressCollision() {
	AddressCollisions.Inc()
	atomic.AddUint64(&localCollisions, 1)
}

// SetCurrentAddress records this node's current CAN address.
func SetCurrentAddress(addr uint8) {
	CurrentAddress.Set(float64(addr))
}

// IncFtpClientTransaction counts one completed client-initiated FTP
// transaction, by outcome (see the FtpOutcome* constants).
func IncFtpClientTransaction(outcome string) {
	FtpClientTransactions.WithLabelValues(outcome).Inc()
}

// IncFtpServerRequest counts one request handled by this node's FTP server.
func IncFtpServerRequest() {
	FtpServerRequests.Inc()
	atomic.AddUint64(&localFtpServer, 1)
}

// IncEquationEvaluation counts one equation-table evaluation pass.
func IncEquationEvaluation() {
	EquationEvaluations.Inc()
	atomic.AddUint64(&localEquationEvl, 1)
}

// IncBytecodeError counts one equation bytecode fault.
func IncBytecodeError() {
	BytecodeErrors.Inc()
	atomic.AddUint64(&localBytecodeErr, 1)
}

// IncPatternStep counts one pattern-sequencer step executed.
func IncPatternStep() {
	PatternSteps.Inc()
	atomic.AddUint64(&localPatternStep, 1)
}

// IncPatternFileError counts one pattern table load fault.
func IncPatternFileError() {
	PatternFileErrors.Inc()
	atomic.AddUint64(&localPatternErr, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrHandshake,
		ErrSerialWrite, ErrSerialOverflow, ErrSerialRead,
		ErrSocketCANWrite, ErrSocketCANOver, ErrSocketCANRead,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	for _, outcome := range []string{FtpOutcomeOK, FtpOutcomeError, FtpOutcomeTimeout} {
		FtpClientTransactions.WithLabelValues(outcome).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
