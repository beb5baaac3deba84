package engine

import (
	"strings"

	"github.com/shopspring/decimal"

	"weighline/internal/domain"
)

func parseWeight(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Decimal{}, InvalidWeightError{Reason: "weight required"}
	}
	w, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, InvalidWeightError{Value: raw, Reason: "not a number"}
	}
	if w.IsNegative() {
		return decimal.Decimal{}, InvalidWeightError{Value: raw, Reason: "negative"}
	}
	return w, nil
}

// netWeight derives the net weight for dir. A loading vehicle leaves heavier
// than it arrived, an unloading one lighter.
func netWeight(dir domain.Direction, in, out decimal.Decimal) (decimal.Decimal, error) {
	var net decimal.Decimal
	switch dir {
	case domain.DirectionUnloading:
		net = in.Sub(out)
	default:
		net = out.Sub(in)
	}
	if net.IsNegative() {
		return decimal.Decimal{}, InvalidWeightError{
			Value:  out.String(),
			Reason: "weight out " + out.String() + " against weight in " + in.String() + " impossible when " + string(dir),
		}
	}
	return net, nil
}

// recordWeight stores w as the weight of the weighing status st and
// recomputes the net weight when both weights are present.
func recordWeight(t *domain.Ticket, dir domain.Direction, st domain.Status, w decimal.Decimal, manual bool) error {
	switch st {
	case domain.StatusWeighedIn:
		t.WeightIn = &w
		t.WeightInManual = manual
	case domain.StatusWeighedOut:
		t.WeightOut = &w
		t.WeightOutManual = manual
	default:
		return InvalidWeightError{Value: w.String(), Reason: "no weight is recorded at " + string(st)}
	}
	if t.WeightIn == nil || t.WeightOut == nil {
		t.NetWeight = nil
		return nil
	}
	net, err := netWeight(dir, *t.WeightIn, *t.WeightOut)
	if err != nil {
		return err
	}
	t.NetWeight = &net
	return nil
}
