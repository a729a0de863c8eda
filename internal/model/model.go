// Package model содержит доменные сущности партнёрской платформы кредитных заявок.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role описывает роль пользователя платформы.
type Role string

const (
	RoleAdmin   Role = "admin"
	RolePartner Role = "partner"
)

// User представляет зарегистрированного пользователя: администратора или партнёра.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	Role         Role
	CreatedAt    time.Time
}

// LeadStatus описывает канонический статус заявки.
type LeadStatus string

const (
	LeadStatusSubmitted     LeadStatus = "submitted"
	LeadStatusDocsCollected LeadStatus = "docs_collected"
	LeadStatusBankLogged    LeadStatus = "bank_logged"
	LeadStatusApproved      LeadStatus = "approved"
	LeadStatusDisbursed     LeadStatus = "disbursed"
	LeadStatusRejected      LeadStatus = "rejected"
)

// LeadStatuses перечисляет все канонические статусы заявки.
var LeadStatuses = []LeadStatus{
	LeadStatusSubmitted,
	LeadStatusDocsCollected,
	LeadStatusBankLogged,
	LeadStatusApproved,
	LeadStatusDisbursed,
	LeadStatusRejected,
}

// IsValid сообщает, является ли значение известным статусом заявки.
func (s LeadStatus) IsValid() bool {
	switch s {
	case LeadStatusSubmitted, LeadStatusDocsCollected, LeadStatusBankLogged,
		LeadStatusApproved, LeadStatusDisbursed, LeadStatusRejected:
		return true
	}
	return false
}

// partnerLabels отображает канонический статус в метку партнёрского кабинета.
// Логика переходов единая; различается только гранулярность подписи.
var partnerLabels = map[LeadStatus]string{
	LeadStatusSubmitted:     "docs_pending",
	LeadStatusDocsCollected: "docs_uploaded",
	LeadStatusBankLogged:    "bank_processing",
	LeadStatusApproved:      "approved",
	LeadStatusDisbursed:     "disbursed",
	LeadStatusRejected:      "rejected",
}

// PartnerLabel возвращает партнёрскую метку статуса заявки.
func PartnerLabel(s LeadStatus) string {
	if label, ok := partnerLabels[s]; ok {
		return label
	}
	return string(s)
}

// TimelineEvent представляет неизменяемую запись истории заявки.
type TimelineEvent struct {
	ID        string
	Status    LeadStatus
	Note      string
	UpdatedBy int64
	CreatedAt time.Time
}

// Lead представляет кредитную заявку партнёра.
// Денежные суммы хранятся в пайсах (минимальных единицах валюты).
type Lead struct {
	ID              string
	CustomerID      string
	PartnerID       int64
	LoanType        string
	RequestedAmount int64
	Status          LeadStatus
	BankAssigned    *string
	DisbursedAmount *int64
	Commission      *LeadCommission
	Timeline        []TimelineEvent
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Version         int64
}

// CommissionStatus описывает статус выплаты комиссии партнёру.
type CommissionStatus string

const (
	CommissionStatusPending  CommissionStatus = "pending"
	CommissionStatusApproved CommissionStatus = "approved"
	CommissionStatusPaid     CommissionStatus = "paid"
)

// CommissionSlab представляет правило комиссии: диапазон суммы выдачи и ставку в процентах.
// MinAmount входит в диапазон, MaxAmount не входит; nil означает отсутствие верхней границы.
type CommissionSlab struct {
	ID        int64
	LoanType  string
	MinAmount int64
	MaxAmount *int64
	Rate      decimal.Decimal
	Active    bool
}

// Contains сообщает, покрывает ли слэб указанную сумму в пайсах.
func (s CommissionSlab) Contains(amount int64) bool {
	if amount < s.MinAmount {
		return false
	}
	if s.MaxAmount != nil && amount >= *s.MaxAmount {
		return false
	}
	return true
}

// LeadCommission представляет рассчитанную комиссию по выданной заявке.
// Ставка и сумма фиксируются в момент расчёта и не меняются при последующих правках таблицы слэбов.
type LeadCommission struct {
	LeadID          string
	DisbursedAmount int64
	Rate            decimal.Decimal
	Amount          int64
	Status          CommissionStatus
	PaidAt          *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
