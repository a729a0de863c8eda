package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/leadflow-system/internal/audit"
	"github.com/mmeshcher/leadflow-system/internal/lifecycle"
	"github.com/mmeshcher/leadflow-system/internal/model"
	"github.com/mmeshcher/leadflow-system/internal/repository"
)

type stubRepo struct {
	leads       map[string]*model.Lead
	commissions map[string]*model.LeadCommission
	slabs       []model.CommissionSlab

	updateStatusErr error
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		leads:       make(map[string]*model.Lead),
		commissions: make(map[string]*model.LeadCommission),
	}
}

func copyLead(l *model.Lead) *model.Lead {
	cp := *l
	cp.Timeline = append([]model.TimelineEvent(nil), l.Timeline...)
	if l.Commission != nil {
		c := *l.Commission
		cp.Commission = &c
	}
	return &cp
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) CreateUser(ctx context.Context, login string, passwordHash []byte, role model.Role) (int64, error) {
	return 1, nil
}

func (s *stubRepo) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	return nil, repository.ErrUserNotFound
}

func (s *stubRepo) CreateLead(ctx context.Context, lead *model.Lead) error {
	s.leads[lead.ID] = copyLead(lead)
	return nil
}

func (s *stubRepo) GetLeadByID(ctx context.Context, id string) (*model.Lead, error) {
	l, ok := s.leads[id]
	if !ok {
		return nil, repository.ErrLeadNotFound
	}
	lead := copyLead(l)
	if c, ok := s.commissions[id]; ok {
		cc := *c
		lead.Commission = &cc
	}
	return lead, nil
}

func (s *stubRepo) ListLeads(ctx context.Context, filter repository.LeadFilter) ([]model.Lead, error) {
	var res []model.Lead
	for _, l := range s.leads {
		res = append(res, *copyLead(l))
	}
	return res, nil
}

func (s *stubRepo) UpdateLeadStatus(ctx context.Context, leadID string, expectedVersion int64, status model.LeadStatus, event model.TimelineEvent) error {
	if s.updateStatusErr != nil {
		return s.updateStatusErr
	}
	l, ok := s.leads[leadID]
	if !ok {
		return repository.ErrLeadNotFound
	}
	if l.Version != expectedVersion {
		return repository.ErrConcurrentModification
	}
	l.Status = status
	l.UpdatedAt = event.CreatedAt
	l.Version++
	l.Timeline = append(l.Timeline, event)
	return nil
}

func (s *stubRepo) UpdateLeadBank(ctx context.Context, leadID string, expectedVersion int64, bank string, event model.TimelineEvent) error {
	l, ok := s.leads[leadID]
	if !ok {
		return repository.ErrLeadNotFound
	}
	if l.Version != expectedVersion {
		return repository.ErrConcurrentModification
	}
	l.BankAssigned = &bank
	l.UpdatedAt = event.CreatedAt
	l.Version++
	l.Timeline = append(l.Timeline, event)
	return nil
}

func (s *stubRepo) SetDisbursedAmount(ctx context.Context, leadID string, expectedVersion int64, amount int64, updatedAt time.Time) error {
	l, ok := s.leads[leadID]
	if !ok {
		return repository.ErrLeadNotFound
	}
	if l.Version != expectedVersion {
		return repository.ErrConcurrentModification
	}
	l.DisbursedAmount = &amount
	l.UpdatedAt = updatedAt
	l.Version++
	return nil
}

func (s *stubRepo) GetActiveSlabs(ctx context.Context, loanType string) ([]model.CommissionSlab, error) {
	var res []model.CommissionSlab
	for _, slab := range s.slabs {
		if slab.Active && slab.LoanType == loanType {
			res = append(res, slab)
		}
	}
	return res, nil
}

func (s *stubRepo) UpsertLeadCommission(ctx context.Context, c *model.LeadCommission) error {
	cc := *c
	s.commissions[c.LeadID] = &cc
	return nil
}

func (s *stubRepo) GetCommissionByLead(ctx context.Context, leadID string) (*model.LeadCommission, error) {
	c, ok := s.commissions[leadID]
	if !ok {
		return nil, repository.ErrCommissionNotFound
	}
	cc := *c
	return &cc, nil
}

func (s *stubRepo) UpdateCommissionStatus(ctx context.Context, leadID string, expected, target model.CommissionStatus, paidAt *time.Time, updatedAt time.Time) error {
	c, ok := s.commissions[leadID]
	if !ok {
		return repository.ErrCommissionNotFound
	}
	if c.Status != expected {
		return repository.ErrConcurrentModification
	}
	c.Status = target
	c.PaidAt = paidAt
	c.UpdatedAt = updatedAt
	return nil
}

func (s *stubRepo) CountLeadsByStatus(ctx context.Context, partnerID *int64) (map[model.LeadStatus]int64, error) {
	res := make(map[model.LeadStatus]int64)
	for _, l := range s.leads {
		if partnerID != nil && l.PartnerID != *partnerID {
			continue
		}
		res[l.Status]++
	}
	return res, nil
}

func (s *stubRepo) SumCommissionsByStatus(ctx context.Context, partnerID *int64) (map[model.CommissionStatus]int64, error) {
	res := make(map[model.CommissionStatus]int64)
	for leadID, c := range s.commissions {
		if partnerID != nil {
			l, ok := s.leads[leadID]
			if !ok || l.PartnerID != *partnerID {
				continue
			}
		}
		res[c.Status] += c.Amount
	}
	return res, nil
}

func (s *stubRepo) ListLoanTypes(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var res []string
	for _, l := range s.leads {
		if !seen[l.LoanType] {
			seen[l.LoanType] = true
			res = append(res, l.LoanType)
		}
	}
	return res, nil
}

func newTestService(repo Repository, lockBank bool) *Service {
	return NewService(repo, nil, audit.NewRecorder(zap.NewNop()), lockBank)
}

func seedLead(repo *stubRepo, status model.LeadStatus) *model.Lead {
	now := time.Now()
	lead := &model.Lead{
		ID:              "lead-1",
		CustomerID:      "cust-1",
		PartnerID:       7,
		LoanType:        "personal_loan",
		RequestedAmount: 50_000_000,
		Status:          status,
		CreatedAt:       now,
		UpdatedAt:       now,
		Version:         1,
	}
	repo.leads[lead.ID] = lead
	return lead
}

func ptrInt64(v int64) *int64 { return &v }

func TestCreateLead(t *testing.T) {
	repo := newStubRepo()
	svc := newTestService(repo, false)

	lead, err := svc.CreateLead(context.Background(), CreateLeadDTO{
		CustomerID:      "cust-1",
		LoanType:        "personal_loan",
		RequestedAmount: 500000,
		PartnerID:       7,
	})
	if err != nil {
		t.Fatalf("CreateLead error: %v", err)
	}

	if lead.Status != model.LeadStatusSubmitted {
		t.Fatalf("status = %s, want submitted", lead.Status)
	}
	if lead.RequestedAmount != 50_000_000 {
		t.Fatalf("requested amount = %d paise, want 50000000", lead.RequestedAmount)
	}
	if len(lead.Timeline) != 0 {
		t.Fatalf("fresh lead must have empty timeline, got %d events", len(lead.Timeline))
	}
}

func TestCreateLead_Invalid(t *testing.T) {
	repo := newStubRepo()
	svc := newTestService(repo, false)

	tests := []struct {
		name string
		dto  CreateLeadDTO
	}{
		{"missing customer", CreateLeadDTO{LoanType: "personal_loan", RequestedAmount: 1000, PartnerID: 7}},
		{"zero amount", CreateLeadDTO{CustomerID: "c", LoanType: "personal_loan", PartnerID: 7}},
		{"bad loan code", CreateLeadDTO{CustomerID: "c", LoanType: "Personal Loan", RequestedAmount: 1000, PartnerID: 7}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateLead(context.Background(), tt.dto)
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestAdvanceStatus_AppendsTimeline(t *testing.T) {
	repo := newStubRepo()
	seedLead(repo, model.LeadStatusSubmitted)
	svc := newTestService(repo, false)

	lead, err := svc.AdvanceStatus(context.Background(), "lead-1", model.LeadStatusDocsCollected, 1, "docs received")
	if err != nil {
		t.Fatalf("AdvanceStatus error: %v", err)
	}

	if lead.Status != model.LeadStatusDocsCollected {
		t.Fatalf("status = %s, want docs_collected", lead.Status)
	}
	if len(lead.Timeline) != 1 {
		t.Fatalf("timeline length = %d, want 1", len(lead.Timeline))
	}
	last := lead.Timeline[len(lead.Timeline)-1]
	if last.Status != lead.Status {
		t.Fatalf("last event status = %s, lead status = %s", last.Status, lead.Status)
	}
	if last.Note != "docs received" {
		t.Fatalf("note = %q, want %q", last.Note, "docs received")
	}
	if last.UpdatedBy != 1 {
		t.Fatalf("updated by = %d, want 1", last.UpdatedBy)
	}
}

func TestAdvanceStatus_InvalidTransitionNoMutation(t *testing.T) {
	repo := newStubRepo()
	seedLead(repo, model.LeadStatusSubmitted)
	svc := newTestService(repo, false)

	_, err := svc.AdvanceStatus(context.Background(), "lead-1", model.LeadStatusApproved, 1, "")
	if !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	lead, _ := repo.GetLeadByID(context.Background(), "lead-1")
	if lead.Status != model.LeadStatusSubmitted {
		t.Fatalf("status changed to %s on rejected transition", lead.Status)
	}
	if len(lead.Timeline) != 0 {
		t.Fatalf("timeline grew to %d on rejected transition", len(lead.Timeline))
	}
}

func TestAdvanceStatus_SelfLoopRejected(t *testing.T) {
	repo := newStubRepo()
	seedLead(repo, model.LeadStatusDocsCollected)
	svc := newTestService(repo, false)

	// Повторный перевод в текущий статус — не допустимый переход, а ошибка.
	_, err := svc.AdvanceStatus(context.Background(), "lead-1", model.LeadStatusDocsCollected, 1, "")
	if !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for self transition, got %v", err)
	}
}

func TestAdvanceStatus_DisbursedIsTerminal(t *testing.T) {
	repo := newStubRepo()
	seedLead(repo, model.LeadStatusDisbursed)
	svc := newTestService(repo, false)

	for _, target := range model.LeadStatuses {
		_, err := svc.AdvanceStatus(context.Background(), "lead-1", target, 1, "")
		if !errors.Is(err, lifecycle.ErrInvalidTransition) {
			t.Fatalf("disbursed -> %s: expected ErrInvalidTransition, got %v", target, err)
		}
	}
}

func TestAdvanceStatus_RejectedReactivation(t *testing.T) {
	repo := newStubRepo()
	seedLead(repo, model.LeadStatusRejected)
	svc := newTestService(repo, false)

	_, err := svc.AdvanceStatus(context.Background(), "lead-1", model.LeadStatusApproved, 1, "")
	if !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("rejected -> approved must fail, got %v", err)
	}

	lead, err := svc.AdvanceStatus(context.Background(), "lead-1", model.LeadStatusSubmitted, 1, "reactivated")
	if err != nil {
		t.Fatalf("reactivation error: %v", err)
	}
	if lead.Status != model.LeadStatusSubmitted {
		t.Fatalf("status = %s, want submitted", lead.Status)
	}
}

func TestAdvanceStatus_UnknownStatus(t *testing.T) {
	repo := newStubRepo()
	seedLead(repo, model.LeadStatusSubmitted)
	svc := newTestService(repo, false)

	_, err := svc.AdvanceStatus(context.Background(), "lead-1", model.LeadStatus("bogus"), 1, "")
	if !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for unknown status, got %v", err)
	}
}

func TestAdvanceStatus_NotFound(t *testing.T) {
	repo := newStubRepo()
	svc := newTestService(repo, false)

	_, err := svc.AdvanceStatus(context.Background(), "missing", model.LeadStatusDocsCollected, 1, "")
	if !errors.Is(err, repository.ErrLeadNotFound) {
		t.Fatalf("expected ErrLeadNotFound, got %v", err)
	}
}

func TestAdvanceStatus_ConcurrentModification(t *testing.T) {
	repo := newStubRepo()
	seedLead(repo, model.LeadStatusSubmitted)
	repo.updateStatusErr = repository.ErrConcurrentModification
	svc := newTestService(repo, false)

	_, err := svc.AdvanceStatus(context.Background(), "lead-1", model.LeadStatusDocsCollected, 1, "")
	if !errors.Is(err, repository.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
}

func TestAdvanceStatus_DisbursedComputesCommission(t *testing.T) {
	repo := newStubRepo()
	lead := seedLead(repo, model.LeadStatusApproved)
	lead.DisbursedAmount = ptrInt64(48_000_000)
	repo.slabs = []model.CommissionSlab{
		{ID: 1, LoanType: "personal_loan", MinAmount: 0, MaxAmount: nil, Rate: decimal.NewFromFloat(1.5), Active: true},
	}
	svc := newTestService(repo, false)

	res, err := svc.AdvanceStatus(context.Background(), "lead-1", model.LeadStatusDisbursed, 1, "")
	if err != nil {
		t.Fatalf("AdvanceStatus error: %v", err)
	}

	if res.Commission == nil {
		t.Fatalf("commission not attached after disbursement")
	}
	if res.Commission.Status != model.CommissionStatusPending {
		t.Fatalf("commission status = %s, want pending", res.Commission.Status)
	}
	if res.Commission.DisbursedAmount != 48_000_000 {
		t.Fatalf("commission disbursed amount = %d, want 48000000", res.Commission.DisbursedAmount)
	}
	// 480 000 рупий по 1.5% = 7200 рупий.
	if res.Commission.Amount != 720_000 {
		t.Fatalf("commission amount = %d paise, want 720000", res.Commission.Amount)
	}
}

func TestAdvanceStatus_DisbursedFallbackToRequested(t *testing.T) {
	repo := newStubRepo()
	seedLead(repo, model.LeadStatusApproved)
	repo.slabs = []model.CommissionSlab{
		{ID: 1, LoanType: "personal_loan", MinAmount: 0, MaxAmount: nil, Rate: decimal.NewFromFloat(1.0), Active: true},
	}
	svc := newTestService(repo, false)

	res, err := svc.AdvanceStatus(context.Background(), "lead-1", model.LeadStatusDisbursed, 1, "")
	if err != nil {
		t.Fatalf("AdvanceStatus error: %v", err)
	}

	// Без записанной выдачи используется сумма запроса, и она фиксируется в заявке.
	if res.DisbursedAmount == nil || *res.DisbursedAmount != 50_000_000 {
		t.Fatalf("disbursed amount = %v, want fallback 50000000", res.DisbursedAmount)
	}
	if res.Commission == nil || res.Commission.DisbursedAmount != 50_000_000 {
		t.Fatalf("commission must be computed from the fallback amount")
	}
}

func TestAdvanceStatus_NoMatchingSlab(t *testing.T) {
	repo := newStubRepo()
	lead := seedLead(repo, model.LeadStatusApproved)
	lead.DisbursedAmount = ptrInt64(48_000_000)
	svc := newTestService(repo, false)

	res, err := svc.AdvanceStatus(context.Background(), "lead-1", model.LeadStatusDisbursed, 1, "")
	if err != nil {
		t.Fatalf("AdvanceStatus error: %v", err)
	}

	// Отсутствие слэба — допустимый бизнес-исход: заявка выдана, комиссии нет.
	if res.Status != model.LeadStatusDisbursed {
		t.Fatalf("status = %s, want disbursed", res.Status)
	}
	if res.Commission != nil {
		t.Fatalf("commission must not be attached without a matching slab, got %+v", res.Commission)
	}
}

func TestAdvanceStatus_CommissionDeterministic(t *testing.T) {
	slab := model.CommissionSlab{ID: 1, LoanType: "personal_loan", MinAmount: 0, Rate: decimal.NewFromFloat(1.5), Active: true}

	run := func() int64 {
		repo := newStubRepo()
		lead := seedLead(repo, model.LeadStatusApproved)
		lead.DisbursedAmount = ptrInt64(33_333_300)
		repo.slabs = []model.CommissionSlab{slab}
		svc := newTestService(repo, false)

		res, err := svc.AdvanceStatus(context.Background(), "lead-1", model.LeadStatusDisbursed, 1, "")
		if err != nil {
			t.Fatalf("AdvanceStatus error: %v", err)
		}
		return res.Commission.Amount
	}

	a, b := run(), run()
	if a != b {
		t.Fatalf("commission is not deterministic: %d != %d", a, b)
	}
	// 333 333 рупии по 1.5%: 4999.995 -> 5000 рупий ровно.
	if a != 500_000 {
		t.Fatalf("commission amount = %d paise, want 500000", a)
	}
}

func TestAssignBank_FirstAssignment(t *testing.T) {
	repo := newStubRepo()
	seedLead(repo, model.LeadStatusBankLogged)
	svc := newTestService(repo, false)

	lead, err := svc.AssignBank(context.Background(), "lead-1", "HDFC Bank", 1, false)
	if err != nil {
		t.Fatalf("AssignBank error: %v", err)
	}

	if lead.BankAssigned == nil || *lead.BankAssigned != "HDFC Bank" {
		t.Fatalf("bank = %v, want HDFC Bank", lead.BankAssigned)
	}
	if len(lead.Timeline) != 1 {
		t.Fatalf("timeline length = %d, want 1", len(lead.Timeline))
	}
	if lead.Timeline[0].Note != "Bank assigned: HDFC Bank" {
		t.Fatalf("note = %q", lead.Timeline[0].Note)
	}
	// Запись о банке несёт текущий статус заявки: инвариант
	// "статус равен статусу последнего события" сохраняется.
	if lead.Timeline[0].Status != model.LeadStatusBankLogged {
		t.Fatalf("event status = %s, want bank_logged", lead.Timeline[0].Status)
	}
}

func TestAssignBank_SameBankNoOp(t *testing.T) {
	repo := newStubRepo()
	lead := seedLead(repo, model.LeadStatusBankLogged)
	bank := "HDFC Bank"
	lead.BankAssigned = &bank
	svc := newTestService(repo, false)

	res, err := svc.AssignBank(context.Background(), "lead-1", "HDFC Bank", 1, false)
	if err != nil {
		t.Fatalf("AssignBank error: %v", err)
	}

	if len(res.Timeline) != 0 {
		t.Fatalf("no-op reassignment must not append timeline entries, got %d", len(res.Timeline))
	}
	if res.Version != 1 {
		t.Fatalf("no-op reassignment must not bump version, got %d", res.Version)
	}
}

func TestAssignBank_ChangeRequiresConfirmation(t *testing.T) {
	repo := newStubRepo()
	lead := seedLead(repo, model.LeadStatusBankLogged)
	bank := "HDFC Bank"
	lead.BankAssigned = &bank
	svc := newTestService(repo, false)

	_, err := svc.AssignBank(context.Background(), "lead-1", "ICICI Bank", 1, false)
	if !errors.Is(err, ErrBankChangeNeedsConfirmation) {
		t.Fatalf("expected ErrBankChangeNeedsConfirmation, got %v", err)
	}

	got, _ := repo.GetLeadByID(context.Background(), "lead-1")
	if *got.BankAssigned != "HDFC Bank" {
		t.Fatalf("bank mutated to %s without confirmation", *got.BankAssigned)
	}
	if len(got.Timeline) != 0 {
		t.Fatalf("timeline grew without confirmation")
	}
}

func TestAssignBank_ConfirmedChange(t *testing.T) {
	repo := newStubRepo()
	lead := seedLead(repo, model.LeadStatusBankLogged)
	bank := "HDFC Bank"
	lead.BankAssigned = &bank
	svc := newTestService(repo, false)

	res, err := svc.AssignBank(context.Background(), "lead-1", "ICICI Bank", 1, true)
	if err != nil {
		t.Fatalf("AssignBank error: %v", err)
	}

	if *res.BankAssigned != "ICICI Bank" {
		t.Fatalf("bank = %s, want ICICI Bank", *res.BankAssigned)
	}
	if len(res.Timeline) != 1 || res.Timeline[0].Note != "Bank changed from HDFC Bank to ICICI Bank" {
		t.Fatalf("unexpected timeline: %+v", res.Timeline)
	}
}

func TestAssignBank_LockedAfterApproval(t *testing.T) {
	repo := newStubRepo()
	lead := seedLead(repo, model.LeadStatusApproved)
	bank := "HDFC Bank"
	lead.BankAssigned = &bank
	svc := newTestService(repo, true)

	_, err := svc.AssignBank(context.Background(), "lead-1", "ICICI Bank", 1, true)
	if !errors.Is(err, ErrBankLocked) {
		t.Fatalf("expected ErrBankLocked, got %v", err)
	}
}

func TestAssignBank_PermissiveByDefault(t *testing.T) {
	repo := newStubRepo()
	lead := seedLead(repo, model.LeadStatusApproved)
	bank := "HDFC Bank"
	lead.BankAssigned = &bank
	svc := newTestService(repo, false)

	res, err := svc.AssignBank(context.Background(), "lead-1", "ICICI Bank", 1, true)
	if err != nil {
		t.Fatalf("AssignBank error: %v", err)
	}
	if *res.BankAssigned != "ICICI Bank" {
		t.Fatalf("bank = %s, want ICICI Bank", *res.BankAssigned)
	}
}

func TestAssignBank_InvalidName(t *testing.T) {
	repo := newStubRepo()
	seedLead(repo, model.LeadStatusBankLogged)
	svc := newTestService(repo, false)

	_, err := svc.AssignBank(context.Background(), "lead-1", "", 1, false)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRecordDisbursement_StatusGate(t *testing.T) {
	repo := newStubRepo()
	seedLead(repo, model.LeadStatusSubmitted)
	svc := newTestService(repo, false)

	_, err := svc.RecordDisbursement(context.Background(), "lead-1", 480000, 1)
	if !errors.Is(err, ErrDisbursementNotAllowed) {
		t.Fatalf("expected ErrDisbursementNotAllowed, got %v", err)
	}
}

func TestRecordDisbursement_AtApproved(t *testing.T) {
	repo := newStubRepo()
	seedLead(repo, model.LeadStatusApproved)
	svc := newTestService(repo, false)

	res, err := svc.RecordDisbursement(context.Background(), "lead-1", 480000, 1)
	if err != nil {
		t.Fatalf("RecordDisbursement error: %v", err)
	}
	if res.DisbursedAmount == nil || *res.DisbursedAmount != 48_000_000 {
		t.Fatalf("disbursed amount = %v, want 48000000 paise", res.DisbursedAmount)
	}
	if res.Commission != nil {
		t.Fatalf("commission must not be computed before disbursed status")
	}
}

func TestRecordDisbursement_CorrectionOverwritesCommission(t *testing.T) {
	repo := newStubRepo()
	lead := seedLead(repo, model.LeadStatusDisbursed)
	lead.DisbursedAmount = ptrInt64(48_000_000)
	repo.slabs = []model.CommissionSlab{
		{ID: 1, LoanType: "personal_loan", MinAmount: 0, Rate: decimal.NewFromFloat(1.0), Active: true},
	}
	repo.commissions["lead-1"] = &model.LeadCommission{
		LeadID:          "lead-1",
		DisbursedAmount: 48_000_000,
		Rate:            decimal.NewFromFloat(1.0),
		Amount:          480_000,
		Status:          model.CommissionStatusPending,
	}
	svc := newTestService(repo, false)

	res, err := svc.RecordDisbursement(context.Background(), "lead-1", 500000, 1)
	if err != nil {
		t.Fatalf("RecordDisbursement error: %v", err)
	}

	// Корректировка перезаписывает расчёт, а не добавляет второй.
	if res.Commission == nil {
		t.Fatalf("commission missing after recomputation")
	}
	if res.Commission.DisbursedAmount != 50_000_000 {
		t.Fatalf("commission disbursed amount = %d, want 50000000", res.Commission.DisbursedAmount)
	}
	if res.Commission.Amount != 500_000 {
		t.Fatalf("commission amount = %d, want 500000", res.Commission.Amount)
	}
	if len(repo.commissions) != 1 {
		t.Fatalf("recomputation must overwrite, found %d records", len(repo.commissions))
	}
}

func TestRecordDisbursement_NonPositive(t *testing.T) {
	repo := newStubRepo()
	seedLead(repo, model.LeadStatusApproved)
	svc := newTestService(repo, false)

	_, err := svc.RecordDisbursement(context.Background(), "lead-1", -5, 1)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestTransitionCommissionStatus_Forward(t *testing.T) {
	repo := newStubRepo()
	seedLead(repo, model.LeadStatusDisbursed)
	repo.commissions["lead-1"] = &model.LeadCommission{
		LeadID: "lead-1",
		Amount: 480_000,
		Rate:   decimal.NewFromFloat(1.0),
		Status: model.CommissionStatusPending,
	}
	svc := newTestService(repo, false)

	c, err := svc.TransitionCommissionStatus(context.Background(), "lead-1", model.CommissionStatusApproved, 1)
	if err != nil {
		t.Fatalf("pending -> approved error: %v", err)
	}
	if c.Status != model.CommissionStatusApproved {
		t.Fatalf("status = %s, want approved", c.Status)
	}
	if c.PaidAt != nil {
		t.Fatalf("PaidAt must be nil before payment")
	}

	c, err = svc.TransitionCommissionStatus(context.Background(), "lead-1", model.CommissionStatusPaid, 1)
	if err != nil {
		t.Fatalf("approved -> paid error: %v", err)
	}
	if c.Status != model.CommissionStatusPaid {
		t.Fatalf("status = %s, want paid", c.Status)
	}
	if c.PaidAt == nil {
		t.Fatalf("PaidAt must be set on payment")
	}
}

func TestTransitionCommissionStatus_NoSkip(t *testing.T) {
	repo := newStubRepo()
	seedLead(repo, model.LeadStatusDisbursed)
	repo.commissions["lead-1"] = &model.LeadCommission{
		LeadID: "lead-1",
		Rate:   decimal.NewFromFloat(1.0),
		Status: model.CommissionStatusPending,
	}
	svc := newTestService(repo, false)

	_, err := svc.TransitionCommissionStatus(context.Background(), "lead-1", model.CommissionStatusPaid, 1)
	if !errors.Is(err, lifecycle.ErrInvalidCommissionTransition) {
		t.Fatalf("expected ErrInvalidCommissionTransition, got %v", err)
	}
}

func TestTransitionCommissionStatus_NotFound(t *testing.T) {
	repo := newStubRepo()
	svc := newTestService(repo, false)

	_, err := svc.TransitionCommissionStatus(context.Background(), "missing", model.CommissionStatusApproved, 1)
	if !errors.Is(err, repository.ErrCommissionNotFound) {
		t.Fatalf("expected ErrCommissionNotFound, got %v", err)
	}
}

func TestDashboard_Empty(t *testing.T) {
	repo := newStubRepo()
	svc := newTestService(repo, false)

	summary, err := svc.Dashboard(context.Background(), nil)
	if err != nil {
		t.Fatalf("Dashboard error: %v", err)
	}

	if summary.TotalLeads != 0 {
		t.Fatalf("total = %d, want 0", summary.TotalLeads)
	}
	if summary.ConversionRate != 0 {
		t.Fatalf("conversion rate = %f, want 0 on empty collection", summary.ConversionRate)
	}
	for status, count := range summary.StatusCounts {
		if count != 0 {
			t.Fatalf("count[%s] = %d, want 0", status, count)
		}
	}
	for _, stage := range summary.Funnel {
		if stage.Count != 0 {
			t.Fatalf("funnel[%s] = %d, want 0", stage.Stage, stage.Count)
		}
	}
}

func TestDashboard_CountsAndConversion(t *testing.T) {
	repo := newStubRepo()
	now := time.Now()
	statuses := []model.LeadStatus{
		model.LeadStatusSubmitted,
		model.LeadStatusSubmitted,
		model.LeadStatusDisbursed,
		model.LeadStatusRejected,
	}
	for i, st := range statuses {
		id := string(rune('a' + i))
		repo.leads[id] = &model.Lead{ID: id, PartnerID: 7, LoanType: "personal_loan", Status: st, CreatedAt: now, Version: 1}
	}
	repo.commissions["c"] = &model.LeadCommission{LeadID: "c", Amount: 720_000, Rate: decimal.NewFromFloat(1.5), Status: model.CommissionStatusPending}

	svc := newTestService(repo, false)

	summary, err := svc.Dashboard(context.Background(), nil)
	if err != nil {
		t.Fatalf("Dashboard error: %v", err)
	}

	if summary.TotalLeads != 4 {
		t.Fatalf("total = %d, want 4", summary.TotalLeads)
	}
	if summary.StatusCounts["submitted"] != 2 {
		t.Fatalf("submitted = %d, want 2", summary.StatusCounts["submitted"])
	}
	if summary.ConversionRate != 0.25 {
		t.Fatalf("conversion rate = %f, want 0.25", summary.ConversionRate)
	}
	if summary.CommissionSums["pending"] != 7200 {
		t.Fatalf("pending sum = %f rupees, want 7200", summary.CommissionSums["pending"])
	}
}

func TestEndToEndLeadFlow(t *testing.T) {
	repo := newStubRepo()
	repo.slabs = []model.CommissionSlab{
		{ID: 1, LoanType: "personal_loan", MinAmount: 0, MaxAmount: ptrInt64(50_000_000), Rate: decimal.NewFromFloat(1.0), Active: true},
		{ID: 2, LoanType: "personal_loan", MinAmount: 50_000_000, MaxAmount: nil, Rate: decimal.NewFromFloat(0.5), Active: true},
	}
	svc := newTestService(repo, false)
	ctx := context.Background()

	lead, err := svc.CreateLead(ctx, CreateLeadDTO{
		CustomerID:      "cust-42",
		LoanType:        "personal_loan",
		RequestedAmount: 500000,
		PartnerID:       7,
	})
	if err != nil {
		t.Fatalf("CreateLead error: %v", err)
	}

	if _, err := svc.AdvanceStatus(ctx, lead.ID, model.LeadStatusDocsCollected, 1, ""); err != nil {
		t.Fatalf("advance to docs_collected: %v", err)
	}
	if _, err := svc.AdvanceStatus(ctx, lead.ID, model.LeadStatusBankLogged, 1, ""); err != nil {
		t.Fatalf("advance to bank_logged: %v", err)
	}
	if _, err := svc.AssignBank(ctx, lead.ID, "HDFC Bank", 1, false); err != nil {
		t.Fatalf("assign bank: %v", err)
	}
	if _, err := svc.AdvanceStatus(ctx, lead.ID, model.LeadStatusApproved, 1, ""); err != nil {
		t.Fatalf("advance to approved: %v", err)
	}
	if _, err := svc.RecordDisbursement(ctx, lead.ID, 480000, 1); err != nil {
		t.Fatalf("record disbursement: %v", err)
	}

	res, err := svc.AdvanceStatus(ctx, lead.ID, model.LeadStatusDisbursed, 1, "")
	if err != nil {
		t.Fatalf("advance to disbursed: %v", err)
	}

	if res.Status != model.LeadStatusDisbursed {
		t.Fatalf("status = %s, want disbursed", res.Status)
	}
	if len(res.Timeline) != 5 {
		t.Fatalf("timeline length = %d, want 5", len(res.Timeline))
	}
	if res.Timeline[len(res.Timeline)-1].Status != model.LeadStatusDisbursed {
		t.Fatalf("last event status = %s, want disbursed", res.Timeline[len(res.Timeline)-1].Status)
	}
	if res.Commission == nil {
		t.Fatalf("commission missing after disbursement")
	}
	if res.Commission.Status != model.CommissionStatusPending {
		t.Fatalf("commission status = %s, want pending", res.Commission.Status)
	}
	// 480 000 рупий попадают в первый слэб (1%): комиссия 4800 рупий.
	if res.Commission.Amount != 480_000 {
		t.Fatalf("commission amount = %d paise, want 480000", res.Commission.Amount)
	}
	if res.Commission.DisbursedAmount != 48_000_000 {
		t.Fatalf("commission disbursed amount = %d, want 48000000", res.Commission.DisbursedAmount)
	}
}

func TestStartTaxonomyUpdates_NoClient(t *testing.T) {
	svc := &Service{}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})

	go func() {
		svc.StartTaxonomyUpdates(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("StartTaxonomyUpdates did not return without client")
	}
}
