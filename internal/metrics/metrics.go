// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Selections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "certexam",
		Name:      "selections_total",
		Help:      "Question selections served, by scope.",
	}, []string{"scope"})

	QuestionsShown = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "certexam",
		Name:      "questions_shown_total",
		Help:      "Questions handed out by the selection engine.",
	})

	PoolExhaustion = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "certexam",
		Name:      "pool_exhaustion_total",
		Help:      "Selections that returned fewer questions than requested, by scope.",
	}, []string{"scope"})

	AttemptsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "certexam",
		Name:      "attempts_started_total",
		Help:      "Attempts started, by kind.",
	}, []string{"kind"})

	AttemptsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "certexam",
		Name:      "attempts_finished_total",
		Help:      "Attempts that reached a terminal state, by kind and outcome.",
	}, []string{"kind", "outcome"})

	CertificatesRequested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "certexam",
		Name:      "certificates_requested_total",
		Help:      "Certificate issuance hand-offs, by result.",
	}, []string{"result"})
)
