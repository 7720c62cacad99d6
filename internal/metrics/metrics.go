package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Marks counts successfully recorded attendance marks by method.
var Marks = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "clubcheck_marks_total",
	Help: "Attendance marks recorded, by marking method.",
}, []string{"method"})

// Denials counts rejected marking attempts by reason.
var Denials = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "clubcheck_denials_total",
	Help: "Attendance marking denials, by reason.",
}, []string{"reason"})
