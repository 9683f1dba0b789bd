package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// LockGrantedCounter tracks newly created locks.
	LockGrantedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dav_lock_granted_total",
		Help: "Total number of newly granted locks",
	})
	// LockReusedCounter tracks lock requests answered with an existing lock.
	LockReusedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dav_lock_reused_total",
		Help: "Total number of lock requests that reused an existing lock",
	})
	// LockDeniedCounter tracks rejected lock requests by reason.
	LockDeniedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dav_lock_denied_total",
		Help: "Total number of rejected lock requests",
	}, []string{"reason"})
	// UnlockCounter tracks unlock attempts by outcome.
	UnlockCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dav_unlock_total",
		Help: "Total number of unlock requests",
	}, []string{"result"})
	// RefreshCounter tracks lock refreshes.
	RefreshCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dav_lock_refresh_total",
		Help: "Total number of lock refreshes",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the lock manager metrics on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(LockGrantedCounter, LockReusedCounter, LockDeniedCounter, UnlockCounter, RefreshCounter)
}
