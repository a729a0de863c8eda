// Package handler содержит HTTP-обработчики API платформы заявок.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/leadflow-system/internal/lifecycle"
	"github.com/mmeshcher/leadflow-system/internal/middleware"
	"github.com/mmeshcher/leadflow-system/internal/model"
	"github.com/mmeshcher/leadflow-system/internal/repository"
	"github.com/mmeshcher/leadflow-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string, role model.Role) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (*model.User, error)
	CreateLead(ctx context.Context, dto service.CreateLeadDTO) (*model.Lead, error)
	GetLead(ctx context.Context, id string) (*model.Lead, error)
	ListLeads(ctx context.Context, filter repository.LeadFilter) ([]model.Lead, error)
	AdvanceStatus(ctx context.Context, leadID string, target model.LeadStatus, actorID int64, note string) (*model.Lead, error)
	AssignBank(ctx context.Context, leadID, bankName string, actorID int64, confirmed bool) (*model.Lead, error)
	RecordDisbursement(ctx context.Context, leadID string, amount float64, actorID int64) (*model.Lead, error)
	TransitionCommissionStatus(ctx context.Context, leadID string, target model.CommissionStatus, actorID int64) (*model.LeadCommission, error)
	Dashboard(ctx context.Context, partnerID *int64) (*service.DashboardSummary, error)
	LoanTypeLabel(code string) string
}

// Handler реализует HTTP-обработчики API платформы заявок.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	role := model.RolePartner
	if req.Role != "" {
		role = model.Role(req.Role)
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password, role)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		if errors.Is(err, service.ErrInvalidInput) {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, middleware.Actor{ID: userID, Role: role})
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	user, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || err.Error() == "invalid credentials" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, middleware.Actor{ID: user.ID, Role: user.Role})
	w.WriteHeader(http.StatusOK)
}

type timelineEventResponse struct {
	Status    string `json:"status"`
	Note      string `json:"note,omitempty"`
	UpdatedBy int64  `json:"updated_by"`
	CreatedAt string `json:"created_at"`
}

type commissionResponse struct {
	DisbursedAmount float64 `json:"disbursed_amount"`
	Rate            string  `json:"rate"`
	Amount          float64 `json:"amount"`
	Status          string  `json:"status"`
	PaidAt          *string `json:"paid_at,omitempty"`
}

type leadResponse struct {
	ID              string                  `json:"id"`
	CustomerID      string                  `json:"customer_id"`
	PartnerID       int64                   `json:"partner_id"`
	LoanType        string                  `json:"loan_type"`
	LoanTypeLabel   string                  `json:"loan_type_label,omitempty"`
	RequestedAmount float64                 `json:"requested_amount"`
	Status          string                  `json:"status"`
	BankAssigned    *string                 `json:"bank_assigned,omitempty"`
	DisbursedAmount *float64                `json:"disbursed_amount,omitempty"`
	Commission      *commissionResponse     `json:"commission,omitempty"`
	Timeline        []timelineEventResponse `json:"timeline,omitempty"`
	CreatedAt       string                  `json:"created_at"`
	UpdatedAt       string                  `json:"updated_at"`
	Version         int64                   `json:"version"`
}

func paiseToRupees(p int64) float64 {
	return float64(p) / 100
}

// toLeadResponse собирает ответ по заявке. Для партнёров статусы
// отображаются витринными метками, для админов — как есть.
func (h *Handler) toLeadResponse(lead *model.Lead, partnerView bool) leadResponse {
	statusLabel := func(s model.LeadStatus) string {
		if partnerView {
			return model.PartnerLabel(s)
		}
		return string(s)
	}

	resp := leadResponse{
		ID:              lead.ID,
		CustomerID:      lead.CustomerID,
		PartnerID:       lead.PartnerID,
		LoanType:        lead.LoanType,
		LoanTypeLabel:   h.service.LoanTypeLabel(lead.LoanType),
		RequestedAmount: paiseToRupees(lead.RequestedAmount),
		Status:          statusLabel(lead.Status),
		BankAssigned:    lead.BankAssigned,
		CreatedAt:       lead.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       lead.UpdatedAt.Format(time.RFC3339),
		Version:         lead.Version,
	}

	if lead.DisbursedAmount != nil {
		amount := paiseToRupees(*lead.DisbursedAmount)
		resp.DisbursedAmount = &amount
	}

	if lead.Commission != nil {
		c := commissionResponse{
			DisbursedAmount: paiseToRupees(lead.Commission.DisbursedAmount),
			Rate:            lead.Commission.Rate.String(),
			Amount:          paiseToRupees(lead.Commission.Amount),
			Status:          string(lead.Commission.Status),
		}
		if lead.Commission.PaidAt != nil {
			paidAt := lead.Commission.PaidAt.Format(time.RFC3339)
			c.PaidAt = &paidAt
		}
		resp.Commission = &c
	}

	for _, e := range lead.Timeline {
		resp.Timeline = append(resp.Timeline, timelineEventResponse{
			Status:    statusLabel(e.Status),
			Note:      e.Note,
			UpdatedBy: e.UpdatedBy,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		})
	}

	return resp
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// writeServiceError переводит ошибки бизнес-логики в HTTP-статусы.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrLeadNotFound), errors.Is(err, repository.ErrCommissionNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, service.ErrInvalidInput):
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		http.Error(w, "invalid status transition", http.StatusConflict)
	case errors.Is(err, lifecycle.ErrInvalidCommissionTransition):
		http.Error(w, "invalid commission transition", http.StatusConflict)
	case errors.Is(err, service.ErrBankChangeNeedsConfirmation):
		http.Error(w, "bank change requires confirmation", http.StatusConflict)
	case errors.Is(err, service.ErrBankLocked):
		http.Error(w, "bank is locked for this lead", http.StatusConflict)
	case errors.Is(err, service.ErrDisbursementNotAllowed):
		http.Error(w, "disbursement is not allowed in the current status", http.StatusConflict)
	case errors.Is(err, repository.ErrConcurrentModification):
		http.Error(w, "lead was modified concurrently, retry", http.StatusConflict)
	default:
		h.logger.Error("service error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

type createLeadRequest struct {
	CustomerID      string  `json:"customer_id"`
	LoanType        string  `json:"loan_type"`
	RequestedAmount float64 `json:"requested_amount"`
}

// CreateLead создаёт новую заявку от имени текущего партнёра.
func (h *Handler) CreateLead(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createLeadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	lead, err := h.service.CreateLead(r.Context(), service.CreateLeadDTO{
		CustomerID:      req.CustomerID,
		LoanType:        req.LoanType,
		RequestedAmount: req.RequestedAmount,
		PartnerID:       actor.ID,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(h.toLeadResponse(lead, true)); err != nil {
		h.logger.Error("encode lead error", zap.Error(err))
	}
}

// leadFilterFromQuery разбирает параметры фильтрации списка заявок.
func leadFilterFromQuery(r *http.Request) repository.LeadFilter {
	q := r.URL.Query()

	filter := repository.LeadFilter{
		LoanType: q.Get("loan_type"),
		Search:   q.Get("q"),
	}

	if st := q.Get("status"); st != "" {
		status := model.LeadStatus(st)
		filter.Status = &status
	}
	if pid := q.Get("partner_id"); pid != "" {
		if id, err := strconv.ParseInt(pid, 10, 64); err == nil {
			filter.PartnerID = &id
		}
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if offset := q.Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil && n >= 0 {
			filter.Offset = n
		}
	}

	return filter
}

// ListPartnerLeads возвращает заявки текущего партнёра.
func (h *Handler) ListPartnerLeads(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	filter := leadFilterFromQuery(r)
	filter.PartnerID = &actor.ID

	leads, err := h.service.ListLeads(r.Context(), filter)
	if err != nil {
		h.logger.Error("list partner leads error", zap.Error(err), zap.Int64("partnerID", actor.ID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]leadResponse, 0, len(leads))
	for i := range leads {
		resp = append(resp, h.toLeadResponse(&leads[i], true))
	}

	h.writeJSON(w, resp)
}

// GetPartnerLead возвращает одну заявку текущего партнёра с историей.
// Чужие заявки не раскрываются: для них отдаётся 404.
func (h *Handler) GetPartnerLead(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	lead, err := h.service.GetLead(r.Context(), chi.URLParam(r, "leadID"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	if lead.PartnerID != actor.ID {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	h.writeJSON(w, h.toLeadResponse(lead, true))
}

// ListLeads возвращает заявки по фильтру для администратора.
func (h *Handler) ListLeads(w http.ResponseWriter, r *http.Request) {
	leads, err := h.service.ListLeads(r.Context(), leadFilterFromQuery(r))
	if err != nil {
		h.logger.Error("list leads error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]leadResponse, 0, len(leads))
	for i := range leads {
		resp = append(resp, h.toLeadResponse(&leads[i], false))
	}

	h.writeJSON(w, resp)
}

// GetLead возвращает одну заявку с историей и комиссией для администратора.
func (h *Handler) GetLead(w http.ResponseWriter, r *http.Request) {
	lead, err := h.service.GetLead(r.Context(), chi.URLParam(r, "leadID"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, h.toLeadResponse(lead, false))
}

type statusRequest struct {
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
}

// AdvanceStatus переводит заявку в новый статус.
func (h *Handler) AdvanceStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	lead, err := h.service.AdvanceStatus(r.Context(), chi.URLParam(r, "leadID"), model.LeadStatus(req.Status), actor.ID, req.Note)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, h.toLeadResponse(lead, false))
}

type bankRequest struct {
	Bank    string `json:"bank"`
	Confirm bool   `json:"confirm,omitempty"`
}

// AssignBank назначает или меняет банк по заявке.
// Смена уже назначенного банка требует confirm=true.
func (h *Handler) AssignBank(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req bankRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	lead, err := h.service.AssignBank(r.Context(), chi.URLParam(r, "leadID"), req.Bank, actor.ID, req.Confirm)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, h.toLeadResponse(lead, false))
}

type disbursementRequest struct {
	Amount float64 `json:"amount"`
}

// RecordDisbursement фиксирует сумму выдачи по заявке.
func (h *Handler) RecordDisbursement(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req disbursementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	lead, err := h.service.RecordDisbursement(r.Context(), chi.URLParam(r, "leadID"), req.Amount, actor.ID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, h.toLeadResponse(lead, false))
}

type commissionStatusRequest struct {
	Status string `json:"status"`
}

// TransitionCommission переводит комиссию по заявке в следующий статус.
func (h *Handler) TransitionCommission(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req commissionStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	c, err := h.service.TransitionCommissionStatus(r.Context(), chi.URLParam(r, "leadID"), model.CommissionStatus(req.Status), actor.ID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	resp := commissionResponse{
		DisbursedAmount: paiseToRupees(c.DisbursedAmount),
		Rate:            c.Rate.String(),
		Amount:          paiseToRupees(c.Amount),
		Status:          string(c.Status),
	}
	if c.PaidAt != nil {
		paidAt := c.PaidAt.Format(time.RFC3339)
		resp.PaidAt = &paidAt
	}

	h.writeJSON(w, resp)
}

// Dashboard возвращает сводку по всем заявкам для администратора.
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.Dashboard(r.Context(), nil)
	if err != nil {
		h.logger.Error("dashboard error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, summary)
}

// PartnerDashboard возвращает сводку по заявкам текущего партнёра.
func (h *Handler) PartnerDashboard(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	summary, err := h.service.Dashboard(r.Context(), &actor.ID)
	if err != nil {
		h.logger.Error("partner dashboard error", zap.Error(err), zap.Int64("partnerID", actor.ID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, summary)
}
