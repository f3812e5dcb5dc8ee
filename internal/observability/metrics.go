package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ProvisionOperations counts provisioning cycles by trigger
// (payment, trial, referral, retry) and outcome
// (provisioned, duplicate, failed).
var ProvisionOperations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "provision_operations_total",
	Help: "Provisioning operations by trigger and outcome.",
}, []string{"trigger", "outcome"})
