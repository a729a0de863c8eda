// Package lifecycle содержит правила переходов статусов заявки и комиссии.
package lifecycle

import (
	"errors"
	"fmt"

	"github.com/mmeshcher/leadflow-system/internal/model"
)

// ErrInvalidTransition возвращается при недопустимом переходе статуса заявки.
var ErrInvalidTransition = errors.New("invalid lead status transition")

// ErrInvalidCommissionTransition возвращается при недопустимом переходе статуса комиссии.
var ErrInvalidCommissionTransition = errors.New("invalid commission status transition")

// leadTransitions задаёт допустимые переходы статусов заявки.
// Петель нет: повторный перевод в текущий статус — ошибка.
// Из rejected единственный выход — повторная активация в submitted.
var leadTransitions = map[model.LeadStatus]map[model.LeadStatus]bool{
	model.LeadStatusSubmitted:     {model.LeadStatusDocsCollected: true, model.LeadStatusRejected: true},
	model.LeadStatusDocsCollected: {model.LeadStatusBankLogged: true, model.LeadStatusRejected: true},
	model.LeadStatusBankLogged:    {model.LeadStatusApproved: true, model.LeadStatusRejected: true},
	model.LeadStatusApproved:      {model.LeadStatusDisbursed: true, model.LeadStatusRejected: true},
	model.LeadStatusDisbursed:     {}, // терминальный статус
	model.LeadStatusRejected:      {model.LeadStatusSubmitted: true},
}

// commissionTransitions задаёт строго последовательные переходы статуса комиссии.
var commissionTransitions = map[model.CommissionStatus]model.CommissionStatus{
	model.CommissionStatusPending:  model.CommissionStatusApproved,
	model.CommissionStatusApproved: model.CommissionStatusPaid,
}

// CanAdvanceLead сообщает, допустим ли переход заявки из статуса from в статус to.
func CanAdvanceLead(from, to model.LeadStatus) bool {
	next, ok := leadTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// CheckLeadTransition проверяет переход заявки и возвращает ErrInvalidTransition при нарушении.
func CheckLeadTransition(from, to model.LeadStatus) error {
	if !CanAdvanceLead(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// AllowedNext возвращает список допустимых следующих статусов заявки.
func AllowedNext(from model.LeadStatus) []model.LeadStatus {
	next := leadTransitions[from]
	res := make([]model.LeadStatus, 0, len(next))
	for _, s := range model.LeadStatuses {
		if next[s] {
			res = append(res, s)
		}
	}
	return res
}

// CheckCommissionTransition проверяет переход статуса комиссии: pending -> approved -> paid,
// без пропусков и возвратов.
func CheckCommissionTransition(from, to model.CommissionStatus) error {
	if commissionTransitions[from] != to {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidCommissionTransition, from, to)
	}
	return nil
}
