// Package commission содержит подбор слэба и расчёт комиссии партнёра.
package commission

import (
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/leadflow-system/internal/model"
)

// ErrNoMatchingSlab возвращается, если ни один активный слэб не покрывает сумму выдачи.
// На границе калькулятора это не ошибка операции: комиссия просто не рассчитывается.
var ErrNoMatchingSlab = errors.New("no matching commission slab")

// ResolveSlab подбирает слэб для типа кредита и суммы выдачи в пайсах.
// Порядок детерминированный: по возрастанию MinAmount, затем более узкий диапазон
// (ограниченный раньше неограниченного), затем по id. Возвращается первое совпадение.
func ResolveSlab(slabs []model.CommissionSlab, loanType string, disbursedAmount int64) (*model.CommissionSlab, error) {
	matched := make([]model.CommissionSlab, 0, len(slabs))
	for _, s := range slabs {
		if !s.Active || s.LoanType != loanType {
			continue
		}
		if s.Contains(disbursedAmount) {
			matched = append(matched, s)
		}
	}

	if len(matched) == 0 {
		return nil, ErrNoMatchingSlab
	}

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.MinAmount != b.MinAmount {
			return a.MinAmount < b.MinAmount
		}
		aw, bw := slabWidth(a), slabWidth(b)
		if aw != bw {
			return aw < bw
		}
		return a.ID < b.ID
	})

	res := matched[0]
	return &res, nil
}

// slabWidth возвращает ширину диапазона слэба; неограниченный считается максимально широким.
func slabWidth(s model.CommissionSlab) int64 {
	if s.MaxAmount == nil {
		return int64(^uint64(0) >> 1)
	}
	return *s.MaxAmount - s.MinAmount
}

// ComputeAmount рассчитывает сумму комиссии в пайсах: disbursed * rate / 100,
// с округлением до пайсы по правилу "половина вверх".
func ComputeAmount(disbursedAmount int64, rate decimal.Decimal) int64 {
	amount := decimal.NewFromInt(disbursedAmount).
		Mul(rate).
		Div(decimal.NewFromInt(100)).
		Round(0)
	return amount.IntPart()
}

// Build создаёт запись комиссии по заявке в статусе pending.
// Ставка и сумма копируются и далее не пересчитываются при изменении таблицы слэбов.
func Build(leadID string, disbursedAmount int64, slab *model.CommissionSlab, now time.Time) *model.LeadCommission {
	return &model.LeadCommission{
		LeadID:          leadID,
		DisbursedAmount: disbursedAmount,
		Rate:            slab.Rate,
		Amount:          ComputeAmount(disbursedAmount, slab.Rate),
		Status:          model.CommissionStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}
