// Package calculator turns agreement shares into exact per-payee amounts.
package calculator

import (
	"fmt"
	"math/bits"
	"sort"

	"github.com/mmynk/royalties/internal/models"
)

// BasisPoints is the denominator of a platform fee rate.
const BasisPoints = 10_000

// PlatformFee returns floor(gross * bps / 10000).
func PlatformFee(gross, bps int64) (int64, error) {
	if bps < 0 || bps > BasisPoints {
		return 0, fmt.Errorf("platform fee %d bps out of range", bps)
	}
	if gross <= 0 || bps == 0 {
		return 0, nil
	}
	hi, lo := bits.Mul64(uint64(gross), uint64(bps))
	q, _ := bits.Div64(hi, lo, BasisPoints)
	return int64(q), nil
}

// Distribute splits amount among the payees of splits.
//
// Each payee first receives floor(amount * share / total) where total is the
// sum of all shares, not money.One. Shares are normalized against their own
// total: the registry accepts sums within the configured tolerance of one,
// and dividing by money.One would leave amount partly undistributed below
// one and overdraw it above. The remainder is then handed out one minor unit
// at a time in descending share order, ties broken by payee id ascending,
// cycling until nothing is left. The returned lines follow the order of
// splits and always sum to amount.
func Distribute(amount int64, splits []models.Split) ([]models.PlanLine, error) {
	if amount < 0 {
		return nil, fmt.Errorf("amount %d cannot be negative", amount)
	}
	if len(splits) == 0 {
		return nil, fmt.Errorf("must have at least one split")
	}

	var total uint64
	for _, s := range splits {
		if s.Share == 0 {
			return nil, fmt.Errorf("share for payee %q must be positive", s.PayeeID)
		}
		total += uint64(s.Share)
	}

	lines := make([]models.PlanLine, len(splits))
	var allocated int64
	for i, s := range splits {
		hi, lo := bits.Mul64(uint64(amount), uint64(s.Share))
		q, _ := bits.Div64(hi, lo, total)
		lines[i] = models.PlanLine{PayeeID: s.PayeeID, Amount: int64(q)}
		allocated += int64(q)
	}

	remainder := amount - allocated
	if remainder > 0 {
		order := make([]int, len(splits))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool {
			sa, sb := splits[order[a]], splits[order[b]]
			if sa.Share != sb.Share {
				return sa.Share > sb.Share
			}
			return sa.PayeeID < sb.PayeeID
		})
		for i := 0; remainder > 0; i++ {
			lines[order[i%len(order)]].Amount++
			remainder--
		}
	}

	return lines, nil
}

// VerifyConservation panics if the plan lines do not add up to the
// distributable amount, or the distributable amount does not equal gross
// minus the fee. Either means the resolver is broken.
func VerifyConservation(plan *models.DistributionPlan) {
	if plan.Gross-plan.PlatformFee != plan.Distributable {
		panic(fmt.Errorf("%w: plan %s gross %d - fee %d != distributable %d",
			models.ErrConsistency, plan.ID, plan.Gross, plan.PlatformFee, plan.Distributable))
	}
	if sum := plan.Sum(); sum != plan.Distributable {
		panic(fmt.Errorf("%w: plan %s lines sum to %d, distributable is %d",
			models.ErrConsistency, plan.ID, sum, plan.Distributable))
	}
	for _, l := range plan.Lines {
		if l.Amount < 0 {
			panic(fmt.Errorf("%w: plan %s has negative line for %s", models.ErrConsistency, plan.ID, l.PayeeID))
		}
	}
}
