// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keystore.
//
// go-keystore is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package metrics provides Prometheus instrumentation for keystore operations.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all keystore metrics
	Namespace = "keystore"

	// Label names
	LabelOperation  = "operation"
	LabelCode       = "code"
	LabelKind       = "kind"
	LabelState      = "state"
	LabelMethod     = "method"
	LabelStatusCode = "status_code"

	// Operation names
	OpTest             = "test"
	OpGet              = "get"
	OpInsert           = "insert"
	OpDelete           = "delete"
	OpExists           = "exists"
	OpList             = "list"
	OpReset            = "reset"
	OpPassword         = "password"
	OpLock             = "lock"
	OpUnlock           = "unlock"
	OpIsEmpty          = "is_empty"
	OpGenerate         = "generate"
	OpImport           = "import"
	OpSign             = "sign"
	OpVerify           = "verify"
	OpGetPublicKey     = "get_public_key"
	OpDeleteKeyPair    = "delete_key_pair"
	OpGrant            = "grant"
	OpUngrant          = "ungrant"
	OpModTime          = "mod_time"
	OpDuplicate        = "duplicate"
	OpIsHardwareBacked = "is_hardware_backed"
	OpClearUID         = "clear_uid"

	// Blob upgrade kinds
	UpgradeVersion  = "version"
	UpgradeReimport = "reimport"
	UpgradeHardware = "hardware"
)

var (
	// OperationsTotal counts keystore operations by response code.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "operations_total",
			Help:      "Total number of keystore operations by operation and response code",
		},
		[]string{LabelOperation, LabelCode},
	)

	// OperationDuration tracks the duration of keystore operations in seconds.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of keystore operations in seconds",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{LabelOperation},
	)

	UnlockFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "unlock_failures_total",
			Help:      "Total number of unlock attempts rejected with a wrong password",
		},
	)

	// UserResetsTotal counts user resets, both requested and caused by
	// running out of password retries.
	UserResetsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "user_resets_total",
			Help:      "Total number of user resets",
		},
	)

	BlobUpgradesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "blob_upgrades_total",
			Help:      "Total number of blobs rewritten by an upgrade, by kind",
		},
		[]string{LabelKind},
	)

	KeymasterFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "keymaster_fallbacks_total",
			Help:      "Total number of key pairs placed on the software keymaster",
		},
		[]string{LabelOperation},
	)

	// Users tracks loaded users by lock state. Updated by the state collector.
	Users = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "users",
			Help:      "Number of loaded users by lock state",
		},
		[]string{LabelState},
	)

	// Grants tracks delegations held in the grant table. Updated by the
	// state collector.
	Grants = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "grants",
			Help:      "Number of key files granted to other uids",
		},
	)

	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "active_connections",
			Help:      "Number of in-flight RPC requests",
		},
	)

	// HTTPRequestsTotal tracks the total number of RPC requests by method and status code.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method and status code",
		},
		[]string{LabelMethod, LabelStatusCode},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelMethod},
	)

	// ServerUptime tracks the server uptime in seconds since startup.
	ServerUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "server_uptime_seconds",
			Help:      "Server uptime in seconds since startup",
		},
	)

	// enabled tracks whether metrics collection is enabled
	enabled atomic.Bool
)

func init() {
	enabled.Store(true)
}

// RecordOperation records a keystore operation with its response code and
// duration in seconds.
//
// Example:
//
//	start := time.Now()
//	code := ks.Get(uid, name)
//	metrics.RecordOperation(metrics.OpGet, code.String(), time.Since(start).Seconds())
func RecordOperation(operation, code string, duration float64) {
	if !enabled.Load() {
		return
	}
	OperationsTotal.WithLabelValues(operation, code).Inc()
	OperationDuration.WithLabelValues(operation).Observe(duration)
}

func RecordUnlockFailure() {
	if !enabled.Load() {
		return
	}
	UnlockFailuresTotal.Inc()
}

func RecordUserReset() {
	if !enabled.Load() {
		return
	}
	UserResetsTotal.Inc()
}

// RecordBlobUpgrade records a rewritten blob. Use the Upgrade* kinds.
func RecordBlobUpgrade(kind string) {
	if !enabled.Load() {
		return
	}
	BlobUpgradesTotal.WithLabelValues(kind).Inc()
}

func RecordKeymasterFallback(operation string) {
	if !enabled.Load() {
		return
	}
	KeymasterFallbacksTotal.WithLabelValues(operation).Inc()
}

// RecordHTTPRequest records an HTTP request with its duration and status.
func RecordHTTPRequest(method, statusCode string, duration float64) {
	if !enabled.Load() {
		return
	}
	HTTPRequestsTotal.WithLabelValues(method, statusCode).Inc()
	HTTPRequestDuration.WithLabelValues(method).Observe(duration)
}

// SetUsers sets the number of loaded users in state.
func SetUsers(state string, count float64) {
	if !enabled.Load() {
		return
	}
	Users.WithLabelValues(state).Set(count)
}

func SetGrants(count float64) {
	if !enabled.Load() {
		return
	}
	Grants.Set(count)
}

// Enable enables metrics collection.
func Enable() {
	enabled.Store(true)
}

// Disable disables metrics collection.
// Useful for testing or when metrics are not desired.
func Disable() {
	enabled.Store(false)
}

// IsEnabled returns whether metrics collection is currently enabled.
func IsEnabled() bool {
	return enabled.Load()
}
