package workflow

import "weighline/internal/domain"

var mainSuccessor = map[domain.Status]domain.Status{
	domain.StatusWaiting:      domain.StatusCalled,
	domain.StatusCalled:       domain.StatusSales,
	domain.StatusSales:        domain.StatusWeighedIn,
	domain.StatusWeighedIn:    domain.StatusLoading,
	domain.StatusLoading:      domain.StatusLoadingDone,
	domain.StatusLoadingDone:  domain.StatusWeighedOut,
	domain.StatusWeighedOut:   domain.StatusDeliveryNote,
	domain.StatusDeliveryNote: domain.StatusDone,
}

// anomalyBranches lists the statuses from which a weighing anomaly may be flagged.
var anomalyBranches = map[domain.Status]bool{
	domain.StatusWeighedIn:  true,
	domain.StatusWeighedOut: true,
}

// Successors returns the legal next statuses of from. anomalyFrom is the
// status an anomaly branched from and is only consulted for ANOMALIE_PESÉE.
func Successors(from, anomalyFrom domain.Status) []domain.Status {
	if from.Terminal() {
		return nil
	}
	var out []domain.Status
	if from == domain.StatusWeighingAnomaly {
		if anomalyBranches[anomalyFrom] {
			out = append(out, anomalyFrom)
		}
		return append(out, domain.StatusCancelled)
	}
	if next, ok := mainSuccessor[from]; ok {
		out = append(out, next)
	}
	if anomalyBranches[from] {
		out = append(out, domain.StatusWeighingAnomaly)
	}
	return append(out, domain.StatusCancelled)
}

func IsSuccessor(from, anomalyFrom, to domain.Status) bool {
	for _, s := range Successors(from, anomalyFrom) {
		if s == to {
			return true
		}
	}
	return false
}
