// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/leadflow-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrLeadNotFound возвращается, если заявка не найдена.
	ErrLeadNotFound = errors.New("lead not found")
	// ErrCommissionNotFound возвращается, если по заявке нет рассчитанной комиссии.
	ErrCommissionNotFound = errors.New("commission not found")
	// ErrConcurrentModification возвращается, если версия заявки изменилась между чтением и записью.
	ErrConcurrentModification = errors.New("lead was modified concurrently")
)

// LeadFilter описывает параметры выборки заявок.
type LeadFilter struct {
	Status    *model.LeadStatus
	LoanType  string
	PartnerID *int64
	Search    string
	Limit     int
	Offset    int
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure и Deadlock; переподключение pgxpool делает сам.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя с указанной ролью.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte, role model.Role) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash, role) VALUES ($1, $2, $3) RETURNING id`,
		login, passwordHash, string(role),
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, role, created_at FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	var role string
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &role, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Role = model.Role(role)

	return &u, nil
}

// CreateLead сохраняет новую заявку. История при создании пуста: первый статус
// фиксируется в самой заявке, события добавляются только переходами.
func (r *PostgresRepository) CreateLead(ctx context.Context, lead *model.Lead) error {
	err := r.withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO leads (id, customer_id, partner_id, loan_type, requested_amount, status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			lead.ID, lead.CustomerID, lead.PartnerID, lead.LoanType,
			lead.RequestedAmount, string(lead.Status), lead.CreatedAt, lead.UpdatedAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert lead: %w", err)
	}
	return nil
}

// GetLeadByID возвращает заявку вместе с историей и комиссией.
func (r *PostgresRepository) GetLeadByID(ctx context.Context, id string) (*model.Lead, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, customer_id, partner_id, loan_type, requested_amount, status,
		        bank_assigned, disbursed_amount, version, created_at, updated_at
		 FROM leads WHERE id = $1`,
		id,
	)

	var lead model.Lead
	var status string
	err := row.Scan(&lead.ID, &lead.CustomerID, &lead.PartnerID, &lead.LoanType,
		&lead.RequestedAmount, &status, &lead.BankAssigned, &lead.DisbursedAmount,
		&lead.Version, &lead.CreatedAt, &lead.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLeadNotFound
		}
		return nil, fmt.Errorf("get lead: %w", err)
	}
	lead.Status = model.LeadStatus(status)

	timeline, err := r.getTimeline(ctx, id)
	if err != nil {
		return nil, err
	}
	lead.Timeline = timeline

	commission, err := r.GetCommissionByLead(ctx, id)
	if err != nil && !errors.Is(err, ErrCommissionNotFound) {
		return nil, err
	}
	lead.Commission = commission

	return &lead, nil
}

func (r *PostgresRepository) getTimeline(ctx context.Context, leadID string) ([]model.TimelineEvent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, status, note, updated_by, created_at
		 FROM lead_timeline
		 WHERE lead_id = $1
		 ORDER BY seq`,
		leadID,
	)
	if err != nil {
		return nil, fmt.Errorf("select timeline: %w", err)
	}
	defer rows.Close()

	var events []model.TimelineEvent
	for rows.Next() {
		var e model.TimelineEvent
		var status string
		if err := rows.Scan(&e.ID, &status, &e.Note, &e.UpdatedBy, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan timeline event: %w", err)
		}
		e.Status = model.LeadStatus(status)
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return events, nil
}

// ListLeads возвращает заявки по фильтру с пагинацией, новые первыми.
func (r *PostgresRepository) ListLeads(ctx context.Context, filter LeadFilter) ([]model.Lead, error) {
	query := `SELECT id, customer_id, partner_id, loan_type, requested_amount, status,
	                 bank_assigned, disbursed_amount, version, created_at, updated_at
	          FROM leads`

	var conds []string
	var args []any

	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.LoanType != "" {
		args = append(args, filter.LoanType)
		conds = append(conds, fmt.Sprintf("loan_type = $%d", len(args)))
	}
	if filter.PartnerID != nil {
		args = append(args, *filter.PartnerID)
		conds = append(conds, fmt.Sprintf("partner_id = $%d", len(args)))
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		conds = append(conds, fmt.Sprintf("(customer_id ILIKE $%d OR bank_assigned ILIKE $%d)", len(args), len(args)))
	}

	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select leads: %w", err)
	}
	defer rows.Close()

	var leads []model.Lead
	for rows.Next() {
		var lead model.Lead
		var status string
		if err := rows.Scan(&lead.ID, &lead.CustomerID, &lead.PartnerID, &lead.LoanType,
			&lead.RequestedAmount, &status, &lead.BankAssigned, &lead.DisbursedAmount,
			&lead.Version, &lead.CreatedAt, &lead.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan lead: %w", err)
		}
		lead.Status = model.LeadStatus(status)
		leads = append(leads, lead)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return leads, nil
}

// UpdateLeadStatus атомарно переводит заявку в новый статус и добавляет событие истории.
// Сравнение версии защищает от гонки двух одновременных изменений одной заявки.
func (r *PostgresRepository) UpdateLeadStatus(ctx context.Context, leadID string, expectedVersion int64, status model.LeadStatus, event model.TimelineEvent) error {
	return r.mutateLead(ctx, leadID, expectedVersion,
		`UPDATE leads SET status = $3, updated_at = $4, version = version + 1
		 WHERE id = $1 AND version = $2`,
		[]any{leadID, expectedVersion, string(status), event.CreatedAt},
		&event,
	)
}

// UpdateLeadBank атомарно изменяет назначенный банк и добавляет событие истории.
func (r *PostgresRepository) UpdateLeadBank(ctx context.Context, leadID string, expectedVersion int64, bank string, event model.TimelineEvent) error {
	return r.mutateLead(ctx, leadID, expectedVersion,
		`UPDATE leads SET bank_assigned = $3, updated_at = $4, version = version + 1
		 WHERE id = $1 AND version = $2`,
		[]any{leadID, expectedVersion, bank, event.CreatedAt},
		&event,
	)
}

// SetDisbursedAmount атомарно фиксирует сумму выдачи по заявке.
func (r *PostgresRepository) SetDisbursedAmount(ctx context.Context, leadID string, expectedVersion int64, amount int64, updatedAt time.Time) error {
	return r.mutateLead(ctx, leadID, expectedVersion,
		`UPDATE leads SET disbursed_amount = $3, updated_at = $4, version = version + 1
		 WHERE id = $1 AND version = $2`,
		[]any{leadID, expectedVersion, amount, updatedAt},
		nil,
	)
}

// mutateLead выполняет CAS-обновление заявки и опциональную вставку события истории
// в одной транзакции. Ноль затронутых строк означает либо отсутствие заявки,
// либо проигранную гонку версий.
func (r *PostgresRepository) mutateLead(ctx context.Context, leadID string, expectedVersion int64, updateSQL string, updateArgs []any, event *model.TimelineEvent) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		cmdTag, err := tx.Exec(ctx, updateSQL, updateArgs...)
		if err != nil {
			return fmt.Errorf("update lead: %w", err)
		}

		if cmdTag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM leads WHERE id = $1)`, leadID).Scan(&exists); err != nil {
				return fmt.Errorf("check lead exists: %w", err)
			}
			if !exists {
				return ErrLeadNotFound
			}
			return fmt.Errorf("%w: lead %s, version %d", ErrConcurrentModification, leadID, expectedVersion)
		}

		if event != nil {
			_, err = tx.Exec(ctx,
				`INSERT INTO lead_timeline (id, lead_id, status, note, updated_by, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				event.ID, leadID, string(event.Status), event.Note, event.UpdatedBy, event.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("insert timeline event: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

// GetActiveSlabs возвращает активные слэбы комиссии для типа кредита.
func (r *PostgresRepository) GetActiveSlabs(ctx context.Context, loanType string) ([]model.CommissionSlab, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, loan_type, min_amount, max_amount, rate::text, active
		 FROM commission_slabs
		 WHERE loan_type = $1 AND active
		 ORDER BY min_amount, id`,
		loanType,
	)
	if err != nil {
		return nil, fmt.Errorf("select slabs: %w", err)
	}
	defer rows.Close()

	var slabs []model.CommissionSlab
	for rows.Next() {
		var s model.CommissionSlab
		var rate string
		if err := rows.Scan(&s.ID, &s.LoanType, &s.MinAmount, &s.MaxAmount, &rate, &s.Active); err != nil {
			return nil, fmt.Errorf("scan slab: %w", err)
		}
		s.Rate, err = decimal.NewFromString(rate)
		if err != nil {
			return nil, fmt.Errorf("parse slab rate: %w", err)
		}
		slabs = append(slabs, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return slabs, nil
}

// UpsertLeadCommission сохраняет комиссию по заявке, перезаписывая прежний расчёт.
// Повторный расчёт после корректировки суммы выдачи обновляет запись, а не добавляет новую.
func (r *PostgresRepository) UpsertLeadCommission(ctx context.Context, c *model.LeadCommission) error {
	err := r.withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO lead_commissions (lead_id, disbursed_amount, rate, amount, status, paid_at, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (lead_id) DO UPDATE SET
			     disbursed_amount = EXCLUDED.disbursed_amount,
			     rate = EXCLUDED.rate,
			     amount = EXCLUDED.amount,
			     status = EXCLUDED.status,
			     paid_at = EXCLUDED.paid_at,
			     updated_at = EXCLUDED.updated_at`,
			c.LeadID, c.DisbursedAmount, c.Rate.String(), c.Amount,
			string(c.Status), c.PaidAt, c.CreatedAt, c.UpdatedAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert commission: %w", err)
	}
	return nil
}

// GetCommissionByLead возвращает комиссию по заявке.
func (r *PostgresRepository) GetCommissionByLead(ctx context.Context, leadID string) (*model.LeadCommission, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT lead_id, disbursed_amount, rate::text, amount, status, paid_at, created_at, updated_at
		 FROM lead_commissions WHERE lead_id = $1`,
		leadID,
	)

	var c model.LeadCommission
	var rate, status string
	err := row.Scan(&c.LeadID, &c.DisbursedAmount, &rate, &c.Amount, &status, &c.PaidAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCommissionNotFound
		}
		return nil, fmt.Errorf("get commission: %w", err)
	}

	c.Rate, err = decimal.NewFromString(rate)
	if err != nil {
		return nil, fmt.Errorf("parse commission rate: %w", err)
	}
	c.Status = model.CommissionStatus(status)

	return &c, nil
}

// UpdateCommissionStatus атомарно переводит комиссию в новый статус.
// Сравнение текущего статуса выполняет роль проверки версии.
func (r *PostgresRepository) UpdateCommissionStatus(ctx context.Context, leadID string, expected, target model.CommissionStatus, paidAt *time.Time, updatedAt time.Time) error {
	return r.withRetry(ctx, func() error {
		cmdTag, err := r.pool.Exec(ctx,
			`UPDATE lead_commissions SET status = $3, paid_at = $4, updated_at = $5
			 WHERE lead_id = $1 AND status = $2`,
			leadID, string(expected), string(target), paidAt, updatedAt,
		)
		if err != nil {
			return fmt.Errorf("update commission: %w", err)
		}

		if cmdTag.RowsAffected() == 0 {
			var exists bool
			if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM lead_commissions WHERE lead_id = $1)`, leadID).Scan(&exists); err != nil {
				return fmt.Errorf("check commission exists: %w", err)
			}
			if !exists {
				return ErrCommissionNotFound
			}
			return fmt.Errorf("%w: commission for lead %s", ErrConcurrentModification, leadID)
		}

		return nil
	})
}

// CountLeadsByStatus возвращает количество заявок по статусам,
// при необходимости в разрезе одного партнёра.
func (r *PostgresRepository) CountLeadsByStatus(ctx context.Context, partnerID *int64) (map[model.LeadStatus]int64, error) {
	query := `SELECT status, COUNT(*) FROM leads`
	var args []any
	if partnerID != nil {
		query += ` WHERE partner_id = $1`
		args = append(args, *partnerID)
	}
	query += ` GROUP BY status`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count leads: %w", err)
	}
	defer rows.Close()

	res := make(map[model.LeadStatus]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		res[model.LeadStatus(status)] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// SumCommissionsByStatus возвращает суммы комиссий в пайсах по статусам выплат,
// при необходимости в разрезе одного партнёра.
func (r *PostgresRepository) SumCommissionsByStatus(ctx context.Context, partnerID *int64) (map[model.CommissionStatus]int64, error) {
	query := `SELECT c.status, COALESCE(SUM(c.amount), 0)
	          FROM lead_commissions c
	          JOIN leads l ON l.id = c.lead_id`
	var args []any
	if partnerID != nil {
		query += ` WHERE l.partner_id = $1`
		args = append(args, *partnerID)
	}
	query += ` GROUP BY c.status`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sum commissions: %w", err)
	}
	defer rows.Close()

	res := make(map[model.CommissionStatus]int64)
	for rows.Next() {
		var status string
		var sum int64
		if err := rows.Scan(&status, &sum); err != nil {
			return nil, fmt.Errorf("scan sum: %w", err)
		}
		res[model.CommissionStatus(status)] = sum
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListLoanTypes возвращает коды типов кредитов, встречающиеся в заявках.
func (r *PostgresRepository) ListLoanTypes(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT loan_type FROM leads ORDER BY loan_type`)
	if err != nil {
		return nil, fmt.Errorf("select loan types: %w", err)
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan loan type: %w", err)
		}
		types = append(types, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return types, nil
}
