package calculator

import (
	"sort"

	"github.com/mmynk/royalties/internal/models"
)

// PayeeBalance summarizes one payee's instructions in one currency.
type PayeeBalance struct {
	PayeeID  string `json:"payee_id"`
	Currency string `json:"currency"`

	Confirmed int64 `json:"confirmed"` // finalized by the substrate
	InFlight  int64 `json:"in_flight"` // pending or submitted
	Failed    int64 `json:"failed"`    // failed, awaiting retry or intervention
	Reversed  int64 `json:"reversed"`

	Instructions int `json:"instructions"`
}

// CalculatePayeeBalances aggregates instructions per payee and currency.
// The result is sorted by payee id, then currency.
func CalculatePayeeBalances(instructions []*models.PayoutInstruction) []PayeeBalance {
	type key struct{ payee, currency string }
	balances := make(map[key]*PayeeBalance)

	for _, in := range instructions {
		k := key{in.PayeeID, in.Currency}
		bal, ok := balances[k]
		if !ok {
			bal = &PayeeBalance{PayeeID: in.PayeeID, Currency: in.Currency}
			balances[k] = bal
		}
		bal.Instructions++

		switch in.Status {
		case models.InstructionConfirmed:
			bal.Confirmed += in.Amount
		case models.InstructionPending, models.InstructionSubmitted:
			bal.InFlight += in.Amount
		case models.InstructionFailed:
			bal.Failed += in.Amount
		case models.InstructionReversed:
			bal.Reversed += in.Amount
		}
	}

	out := make([]PayeeBalance, 0, len(balances))
	for _, b := range balances {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PayeeID != out[j].PayeeID {
			return out[i].PayeeID < out[j].PayeeID
		}
		return out[i].Currency < out[j].Currency
	})
	return out
}
