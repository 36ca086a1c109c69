package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RegistrationsTotal counts user registrations by outcome.
	RegistrationsTotal *prometheus.CounterVec
	// LoginsTotal counts login attempts by outcome.
	LoginsTotal *prometheus.CounterVec
	// VerificationsTotal counts email verification attempts by outcome.
	VerificationsTotal *prometheus.CounterVec
	// VerificationMailTotal counts verification mail dispatches by outcome.
	VerificationMailTotal *prometheus.CounterVec
	// MailQueueDepth tracks pending jobs in the mail dispatch queue.
	MailQueueDepth prometheus.Gauge
	// RateLimitWaitDuration observes time spent waiting on the limiter.
	RateLimitWaitDuration prometheus.Histogram
	// RateLimitTimeoutTotal counts limiter waits abandoned on context cancel.
	RateLimitTimeoutTotal prometheus.Counter
	// RateLimitRejectedTotal counts requests rejected by the HTTP limiter.
	RateLimitRejectedTotal prometheus.Counter
	// MailWorkers reports the configured mail worker pool size.
	MailWorkers prometheus.Gauge

	initOnce sync.Once
)

// InitMetrics registers all collectors with the default registry.
// Safe to call more than once; only the first call registers.
func InitMetrics(mailWorkers int) {
	initOnce.Do(func() {
		RegistrationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "farmconnect_registrations_total",
			Help: "User registrations by outcome.",
		}, []string{"outcome"})
		LoginsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "farmconnect_logins_total",
			Help: "Login attempts by outcome.",
		}, []string{"outcome"})
		VerificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "farmconnect_verifications_total",
			Help: "Email verification attempts by outcome.",
		}, []string{"outcome"})
		VerificationMailTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "farmconnect_verification_mail_total",
			Help: "Verification mail dispatches by outcome.",
		}, []string{"outcome"})
		MailQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "farmconnect_mail_queue_depth",
			Help: "Pending jobs in the mail dispatch queue.",
		})
		RateLimitWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "farmconnect_ratelimit_wait_seconds",
			Help:    "Time spent waiting for a rate limit token.",
			Buckets: prometheus.DefBuckets,
		})
		RateLimitTimeoutTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "farmconnect_ratelimit_timeouts_total",
			Help: "Rate limit waits abandoned on context cancel.",
		})
		RateLimitRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "farmconnect_ratelimit_rejected_total",
			Help: "Requests rejected by the HTTP rate limiter.",
		})
		MailWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "farmconnect_mail_workers",
			Help: "Configured mail worker pool size.",
		})
		MailWorkers.Set(float64(mailWorkers))

		prometheus.MustRegister(
			RegistrationsTotal,
			LoginsTotal,
			VerificationsTotal,
			VerificationMailTotal,
			MailQueueDepth,
			RateLimitWaitDuration,
			RateLimitTimeoutTotal,
			RateLimitRejectedTotal,
			MailWorkers,
		)
	})
}
