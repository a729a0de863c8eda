// Package service реализует бизнес-логику платформы кредитных заявок.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/leadflow-system/internal/audit"
	"github.com/mmeshcher/leadflow-system/internal/commission"
	"github.com/mmeshcher/leadflow-system/internal/lifecycle"
	"github.com/mmeshcher/leadflow-system/internal/model"
	"github.com/mmeshcher/leadflow-system/internal/repository"
	"github.com/mmeshcher/leadflow-system/internal/taxonomy"
	"github.com/mmeshcher/leadflow-system/internal/validation"
)

// ErrInvalidInput возвращается при семантически некорректных входных данных.
var ErrInvalidInput = errors.New("invalid input")

// ErrBankChangeNeedsConfirmation возвращается при попытке сменить уже назначенный банк
// без явного подтверждения двухшагового протокола.
var ErrBankChangeNeedsConfirmation = errors.New("bank change requires confirmation")

// ErrBankLocked возвращается при смене банка после одобрения, если включена строгая блокировка.
var ErrBankLocked = errors.New("bank assignment is locked after approval")

// ErrDisbursementNotAllowed возвращается при фиксации выдачи в недопустимом статусе заявки.
var ErrDisbursementNotAllowed = errors.New("disbursement not allowed in current status")

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte, role model.Role) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	CreateLead(ctx context.Context, lead *model.Lead) error
	GetLeadByID(ctx context.Context, id string) (*model.Lead, error)
	ListLeads(ctx context.Context, filter repository.LeadFilter) ([]model.Lead, error)
	UpdateLeadStatus(ctx context.Context, leadID string, expectedVersion int64, status model.LeadStatus, event model.TimelineEvent) error
	UpdateLeadBank(ctx context.Context, leadID string, expectedVersion int64, bank string, event model.TimelineEvent) error
	SetDisbursedAmount(ctx context.Context, leadID string, expectedVersion int64, amount int64, updatedAt time.Time) error
	GetActiveSlabs(ctx context.Context, loanType string) ([]model.CommissionSlab, error)
	UpsertLeadCommission(ctx context.Context, c *model.LeadCommission) error
	GetCommissionByLead(ctx context.Context, leadID string) (*model.LeadCommission, error)
	UpdateCommissionStatus(ctx context.Context, leadID string, expected, target model.CommissionStatus, paidAt *time.Time, updatedAt time.Time) error
	CountLeadsByStatus(ctx context.Context, partnerID *int64) (map[model.LeadStatus]int64, error)
	SumCommissionsByStatus(ctx context.Context, partnerID *int64) (map[model.CommissionStatus]int64, error)
	ListLoanTypes(ctx context.Context) ([]string, error)
}

// Service содержит бизнес-логику платформы кредитных заявок.
type Service struct {
	repo           Repository
	taxonomyClient *taxonomy.Client
	auditor        *audit.Recorder
	validate       *validator.Validate
	lockBank       bool

	labelsMu sync.RWMutex
	labels   map[string]string
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом справочника продуктов.
func NewService(repo Repository, taxonomyClient *taxonomy.Client, auditor *audit.Recorder, lockBankAfterApproval bool) *Service {
	return &Service{
		repo:           repo,
		taxonomyClient: taxonomyClient,
		auditor:        auditor,
		validate:       validator.New(),
		lockBank:       lockBankAfterApproval,
		labels:         make(map[string]string),
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя с указанной ролью.
func (s *Service) RegisterUser(ctx context.Context, login, password string, role model.Role) (int64, error) {
	if role != model.RoleAdmin && role != model.RolePartner {
		return 0, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	hashed := hashPassword(login, password)
	id, err := s.repo.CreateUser(ctx, login, hashed, role)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его учётную запись.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (*model.User, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return nil, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return nil, errors.New("invalid credentials")
	}

	return u, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// CreateLeadDTO представляет данные для создания заявки. Сумма в рупиях.
type CreateLeadDTO struct {
	CustomerID      string  `json:"customer_id" validate:"required"`
	LoanType        string  `json:"loan_type" validate:"required"`
	RequestedAmount float64 `json:"requested_amount" validate:"required,gt=0"`
	PartnerID       int64   `json:"-" validate:"required"`
}

// CreateLead создаёт новую заявку в статусе submitted с пустой историей.
func (s *Service) CreateLead(ctx context.Context, dto CreateLeadDTO) (*model.Lead, error) {
	if err := s.validate.Struct(dto); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if !validation.IsValidLoanTypeCode(dto.LoanType) {
		return nil, fmt.Errorf("%w: bad loan type code %q", ErrInvalidInput, dto.LoanType)
	}

	now := time.Now()
	lead := &model.Lead{
		ID:              uuid.NewString(),
		CustomerID:      dto.CustomerID,
		PartnerID:       dto.PartnerID,
		LoanType:        dto.LoanType,
		RequestedAmount: rupeesToPaise(dto.RequestedAmount),
		Status:          model.LeadStatusSubmitted,
		CreatedAt:       now,
		UpdatedAt:       now,
		Version:         1,
	}

	if err := s.repo.CreateLead(ctx, lead); err != nil {
		return nil, err
	}

	s.auditor.Record(audit.Entry{
		ActorID:  dto.PartnerID,
		Action:   "lead.create",
		EntityID: lead.ID,
		After:    string(lead.Status),
	})

	return lead, nil
}

// GetLead возвращает заявку с историей и комиссией.
func (s *Service) GetLead(ctx context.Context, id string) (*model.Lead, error) {
	return s.repo.GetLeadByID(ctx, id)
}

// ListLeads возвращает заявки по фильтру.
func (s *Service) ListLeads(ctx context.Context, filter repository.LeadFilter) ([]model.Lead, error) {
	return s.repo.ListLeads(ctx, filter)
}

// AdvanceStatus переводит заявку в новый статус, добавляя ровно одно событие истории.
// Недопустимый переход полностью отклоняется: ни статус, ни история не меняются.
// Перевод в disbursed запускает расчёт комиссии.
func (s *Service) AdvanceStatus(ctx context.Context, leadID string, target model.LeadStatus, actorID int64, note string) (*model.Lead, error) {
	if !target.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", lifecycle.ErrInvalidTransition, target)
	}

	lead, err := s.repo.GetLeadByID(ctx, leadID)
	if err != nil {
		return nil, err
	}

	if err := lifecycle.CheckLeadTransition(lead.Status, target); err != nil {
		return nil, err
	}

	now := time.Now()
	event := model.TimelineEvent{
		ID:        uuid.NewString(),
		Status:    target,
		Note:      note,
		UpdatedBy: actorID,
		CreatedAt: now,
	}

	if err := s.repo.UpdateLeadStatus(ctx, leadID, lead.Version, target, event); err != nil {
		return nil, err
	}
	version := lead.Version + 1

	s.auditor.Record(audit.Entry{
		ActorID:  actorID,
		Action:   "lead.status",
		EntityID: leadID,
		Before:   string(lead.Status),
		After:    string(target),
		Note:     note,
	})

	if target == model.LeadStatusDisbursed {
		// Зафиксированная сумма выдачи авторитетна; сумма запроса — только
		// фолбэк для заявок без отдельной записи о выдаче.
		disbursed := lead.RequestedAmount
		if lead.DisbursedAmount != nil {
			disbursed = *lead.DisbursedAmount
		} else {
			if err := s.repo.SetDisbursedAmount(ctx, leadID, version, disbursed, now); err != nil {
				return nil, err
			}
		}

		if err := s.computeCommission(ctx, leadID, lead.LoanType, disbursed, actorID, now); err != nil {
			return nil, err
		}
	}

	return s.repo.GetLeadByID(ctx, leadID)
}

// computeCommission подбирает слэб и сохраняет комиссию по выданной заявке.
// Отсутствие подходящего слэба — допустимый исход: комиссия не создаётся.
func (s *Service) computeCommission(ctx context.Context, leadID, loanType string, disbursed int64, actorID int64, now time.Time) error {
	slabs, err := s.repo.GetActiveSlabs(ctx, loanType)
	if err != nil {
		return err
	}

	slab, err := commission.ResolveSlab(slabs, loanType, disbursed)
	if err != nil {
		if errors.Is(err, commission.ErrNoMatchingSlab) {
			s.auditor.Record(audit.Entry{
				ActorID:  actorID,
				Action:   "commission.skip",
				EntityID: leadID,
				Note:     "no matching slab",
			})
			return nil
		}
		return err
	}

	c := commission.Build(leadID, disbursed, slab, now)
	if err := s.repo.UpsertLeadCommission(ctx, c); err != nil {
		return err
	}

	s.auditor.Record(audit.Entry{
		ActorID:  actorID,
		Action:   "commission.compute",
		EntityID: leadID,
		After:    string(c.Status),
	})

	return nil
}

// AssignBank назначает банк заявке. Первое назначение выполняется сразу;
// смена уже назначенного банка требует подтверждения. Назначение того же банка —
// no-op без записи в историю.
func (s *Service) AssignBank(ctx context.Context, leadID, bankName string, actorID int64, confirmed bool) (*model.Lead, error) {
	if !validation.IsValidBankName(bankName) {
		return nil, fmt.Errorf("%w: bad bank name %q", ErrInvalidInput, bankName)
	}

	lead, err := s.repo.GetLeadByID(ctx, leadID)
	if err != nil {
		return nil, err
	}

	now := time.Now()

	if lead.BankAssigned == nil {
		event := model.TimelineEvent{
			ID:        uuid.NewString(),
			Status:    lead.Status,
			Note:      fmt.Sprintf("Bank assigned: %s", bankName),
			UpdatedBy: actorID,
			CreatedAt: now,
		}
		if err := s.repo.UpdateLeadBank(ctx, leadID, lead.Version, bankName, event); err != nil {
			return nil, err
		}

		s.auditor.Record(audit.Entry{
			ActorID:  actorID,
			Action:   "lead.bank.assign",
			EntityID: leadID,
			After:    bankName,
		})

		return s.repo.GetLeadByID(ctx, leadID)
	}

	if *lead.BankAssigned == bankName {
		return lead, nil
	}

	if s.lockBank && (lead.Status == model.LeadStatusApproved || lead.Status == model.LeadStatusDisbursed) {
		return nil, fmt.Errorf("%w: lead %s is %s", ErrBankLocked, leadID, lead.Status)
	}

	if !confirmed {
		return nil, fmt.Errorf("%w: %s -> %s", ErrBankChangeNeedsConfirmation, *lead.BankAssigned, bankName)
	}

	event := model.TimelineEvent{
		ID:        uuid.NewString(),
		Status:    lead.Status,
		Note:      fmt.Sprintf("Bank changed from %s to %s", *lead.BankAssigned, bankName),
		UpdatedBy: actorID,
		CreatedAt: now,
	}
	if err := s.repo.UpdateLeadBank(ctx, leadID, lead.Version, bankName, event); err != nil {
		return nil, err
	}

	s.auditor.Record(audit.Entry{
		ActorID:  actorID,
		Action:   "lead.bank.change",
		EntityID: leadID,
		Before:   *lead.BankAssigned,
		After:    bankName,
	})

	return s.repo.GetLeadByID(ctx, leadID)
}

// RecordDisbursement фиксирует сумму выдачи в рупиях по заявке.
// Допустимо в статусах approved и disbursed; в disbursed комиссия пересчитывается
// с перезаписью прежнего расчёта.
func (s *Service) RecordDisbursement(ctx context.Context, leadID string, amount float64, actorID int64) (*model.Lead, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: disbursed amount must be positive", ErrInvalidInput)
	}

	lead, err := s.repo.GetLeadByID(ctx, leadID)
	if err != nil {
		return nil, err
	}

	if lead.Status != model.LeadStatusApproved && lead.Status != model.LeadStatusDisbursed {
		return nil, fmt.Errorf("%w: lead %s is %s", ErrDisbursementNotAllowed, leadID, lead.Status)
	}

	now := time.Now()
	paise := rupeesToPaise(amount)

	if err := s.repo.SetDisbursedAmount(ctx, leadID, lead.Version, paise, now); err != nil {
		return nil, err
	}

	s.auditor.Record(audit.Entry{
		ActorID:  actorID,
		Action:   "lead.disbursement",
		EntityID: leadID,
		After:    fmt.Sprintf("%d", paise),
	})

	if lead.Status == model.LeadStatusDisbursed {
		if err := s.computeCommission(ctx, leadID, lead.LoanType, paise, actorID, now); err != nil {
			return nil, err
		}
	}

	return s.repo.GetLeadByID(ctx, leadID)
}

// TransitionCommissionStatus переводит комиссию по заявке строго вперёд:
// pending -> approved -> paid. Перевод в paid фиксирует время выплаты.
func (s *Service) TransitionCommissionStatus(ctx context.Context, leadID string, target model.CommissionStatus, actorID int64) (*model.LeadCommission, error) {
	c, err := s.repo.GetCommissionByLead(ctx, leadID)
	if err != nil {
		return nil, err
	}

	if err := lifecycle.CheckCommissionTransition(c.Status, target); err != nil {
		return nil, err
	}

	now := time.Now()
	var paidAt *time.Time
	if target == model.CommissionStatusPaid {
		paidAt = &now
	}

	if err := s.repo.UpdateCommissionStatus(ctx, leadID, c.Status, target, paidAt, now); err != nil {
		return nil, err
	}

	s.auditor.Record(audit.Entry{
		ActorID:  actorID,
		Action:   "commission.status",
		EntityID: leadID,
		Before:   string(c.Status),
		After:    string(target),
	})

	return s.repo.GetCommissionByLead(ctx, leadID)
}

// FunnelStage описывает одну ступень воронки заявок.
type FunnelStage struct {
	Stage string `json:"stage"`
	Count int64  `json:"count"`
}

// DashboardSummary представляет сводку для дашборда. Суммы комиссий в рупиях.
type DashboardSummary struct {
	StatusCounts   map[string]int64   `json:"status_counts"`
	Funnel         []FunnelStage      `json:"funnel"`
	CommissionSums map[string]float64 `json:"commission_sums"`
	TotalLeads     int64              `json:"total_leads"`
	ConversionRate float64            `json:"conversion_rate"`
}

// funnelOrder задаёт порядок ступеней воронки в сводке.
var funnelOrder = []model.LeadStatus{
	model.LeadStatusSubmitted,
	model.LeadStatusDocsCollected,
	model.LeadStatusBankLogged,
	model.LeadStatusApproved,
	model.LeadStatusDisbursed,
}

// Dashboard строит read-only сводку по заявкам и комиссиям.
// На пустой коллекции все счётчики нулевые, конверсия равна нулю.
func (s *Service) Dashboard(ctx context.Context, partnerID *int64) (*DashboardSummary, error) {
	counts, err := s.repo.CountLeadsByStatus(ctx, partnerID)
	if err != nil {
		return nil, err
	}

	sums, err := s.repo.SumCommissionsByStatus(ctx, partnerID)
	if err != nil {
		return nil, err
	}

	summary := &DashboardSummary{
		StatusCounts:   make(map[string]int64, len(model.LeadStatuses)),
		CommissionSums: make(map[string]float64, 3),
	}

	var total int64
	for _, st := range model.LeadStatuses {
		summary.StatusCounts[string(st)] = counts[st]
		total += counts[st]
	}
	summary.TotalLeads = total

	for _, st := range funnelOrder {
		summary.Funnel = append(summary.Funnel, FunnelStage{
			Stage: model.PartnerLabel(st),
			Count: counts[st],
		})
	}

	for _, st := range []model.CommissionStatus{model.CommissionStatusPending, model.CommissionStatusApproved, model.CommissionStatusPaid} {
		summary.CommissionSums[string(st)] = paiseToRupees(sums[st])
	}

	if total > 0 {
		summary.ConversionRate = float64(counts[model.LeadStatusDisbursed]) / float64(total)
	}

	return summary, nil
}

// StartTaxonomyUpdates запускает фоновое обновление меток продуктов из справочника.
func (s *Service) StartTaxonomyUpdates(ctx context.Context) {
	if s.taxonomyClient == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()

		s.refreshLabels(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.refreshLabels(ctx)
			}
		}
	}()
}

func (s *Service) refreshLabels(ctx context.Context) {
	types, err := s.repo.ListLoanTypes(ctx)
	if err != nil {
		return
	}

	for _, code := range types {
		product, statusCode, retryAfter, err := s.taxonomyClient.GetProduct(ctx, code)
		if err != nil {
			continue
		}

		if statusCode == 429 {
			if retryAfter > 0 {
				timer := time.NewTimer(retryAfter)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			continue
		}

		if product == nil {
			continue
		}

		s.labelsMu.Lock()
		s.labels[code] = product.Label
		s.labelsMu.Unlock()
	}
}

// LoanTypeLabel возвращает метку типа кредита из кэша справочника,
// либо сам код, если метка ещё не загружена.
func (s *Service) LoanTypeLabel(code string) string {
	s.labelsMu.RLock()
	defer s.labelsMu.RUnlock()

	if label, ok := s.labels[code]; ok {
		return label
	}
	return code
}

func rupeesToPaise(amount float64) int64 {
	return decimal.NewFromFloat(amount).Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

func paiseToRupees(amount int64) float64 {
	return float64(amount) / 100
}
