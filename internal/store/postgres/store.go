// Package postgres implements the entity store on pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"empire/internal/game"
	"empire/internal/store"
)

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const companyColumns = `id, name, company_type, owner_id, balance, daily_revenue, level,
	employee_count, version, newbie_event_granted, created_at`

func scanCompany(row pgx.Row) (game.Company, error) {
	var c game.Company
	err := row.Scan(&c.ID, &c.Name, &c.Type, &c.OwnerID, &c.Balance, &c.DailyRevenue, &c.Level,
		&c.EmployeeCount, &c.Version, &c.NewbieEventGranted, &c.CreatedAt)
	return c, err
}

func (s *Store) Get(ctx context.Context, ref game.AccountRef) (game.Account, error) {
	var query string
	switch ref.Kind {
	case game.CompanyAccount:
		query = `SELECT balance, version FROM companies WHERE id = $1`
	case game.UserAccount:
		query = `SELECT balance, version FROM users WHERE id = $1`
	default:
		return game.Account{}, fmt.Errorf("unknown account kind %q", ref.Kind)
	}
	acct := game.Account{Ref: ref}
	if err := s.db.QueryRow(ctx, query, ref.ID).Scan(&acct.Balance, &acct.Version); err != nil {
		return game.Account{}, notFound(err, ref.String())
	}
	return acct, nil
}

func (s *Store) ConditionalUpdate(ctx context.Context, cas store.CAS) (bool, error) {
	switch cas.Ref.Kind {
	case game.UserAccount:
		if cas.Stakes != nil {
			return false, fmt.Errorf("stakes can only be written with a company account")
		}
		cmd, err := s.db.Exec(ctx, `
			UPDATE users SET balance = $1, version = version + 1
			WHERE id = $2 AND version = $3
		`, cas.Balance, cas.Ref.ID, cas.ExpectedVersion)
		if err != nil {
			if isSerializationError(err) {
				return false, nil
			}
			return false, fmt.Errorf("update user balance: %w", err)
		}
		return cmd.RowsAffected() == 1, nil
	case game.CompanyAccount:
		return s.updateCompany(ctx, cas)
	default:
		return false, fmt.Errorf("unknown account kind %q", cas.Ref.Kind)
	}
}

// updateCompany writes the balance and, when present, the cap table in one transaction.
func (s *Store) updateCompany(ctx context.Context, cas store.CAS) (bool, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	cmd, err := tx.Exec(ctx, `
		UPDATE companies SET balance = $1, version = version + 1
		WHERE id = $2 AND version = $3
	`, cas.Balance, cas.Ref.ID, cas.ExpectedVersion)
	if err != nil {
		if isSerializationError(err) {
			return false, nil
		}
		return false, fmt.Errorf("update company balance: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return false, nil
	}
	for _, st := range cas.Stakes {
		if _, err := tx.Exec(ctx, `
			INSERT INTO equity_stakes (company_id, holder_id, percent, invested_amount)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (company_id, holder_id)
			DO UPDATE SET percent = EXCLUDED.percent, invested_amount = EXCLUDED.invested_amount
		`, cas.Ref.ID, st.HolderID, st.Percent, st.InvestedAmount); err != nil {
			return false, fmt.Errorf("write stake %d: %w", st.HolderID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		if isSerializationError(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) Company(ctx context.Context, id int64) (game.Company, error) {
	c, err := scanCompany(s.db.QueryRow(ctx, `SELECT `+companyColumns+` FROM companies WHERE id = $1`, id))
	if err != nil {
		return game.Company{}, notFound(err, fmt.Sprintf("company %d", id))
	}
	return c, nil
}

func (s *Store) User(ctx context.Context, id int64) (game.User, error) {
	var u game.User
	err := s.db.QueryRow(ctx, `
		SELECT id, name, balance, reputation, version, created_at FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.Name, &u.Balance, &u.Reputation, &u.Version, &u.CreatedAt)
	if err != nil {
		return game.User{}, notFound(err, fmt.Sprintf("user %d", id))
	}
	return u, nil
}

func (s *Store) Companies(ctx context.Context) ([]game.Company, error) {
	rows, err := s.db.Query(ctx, `SELECT `+companyColumns+` FROM companies ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []game.Company
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) Stakes(ctx context.Context, companyID int64) ([]game.EquityStake, error) {
	rows, err := s.db.Query(ctx, `
		SELECT company_id, holder_id, percent, invested_amount
		FROM equity_stakes WHERE company_id = $1
		ORDER BY holder_id
	`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []game.EquityStake
	for rows.Next() {
		var st game.EquityStake
		if err := rows.Scan(&st.CompanyID, &st.HolderID, &st.Percent, &st.InvestedAmount); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		if _, err := s.Company(ctx, companyID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) CreateUser(ctx context.Context, name string, balance int64) (game.User, error) {
	if balance < 0 {
		return game.User{}, fmt.Errorf("initial balance must not be negative")
	}
	u := game.User{Name: name, Balance: balance}
	err := s.db.QueryRow(ctx, `
		INSERT INTO users (name, balance) VALUES ($1, $2)
		RETURNING id, reputation, version, created_at
	`, name, balance).Scan(&u.ID, &u.Reputation, &u.Version, &u.CreatedAt)
	return u, err
}

func (s *Store) CreateCompany(ctx context.Context, in store.NewCompany) (game.Company, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return game.Company{}, err
	}
	defer tx.Rollback(ctx)

	created := in.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	c, err := scanCompany(tx.QueryRow(ctx, `
		INSERT INTO companies (name, company_type, owner_id, balance, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+companyColumns, in.Name, in.Type, in.OwnerID, in.InitialFunds, created))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return game.Company{}, game.ErrDuplicateName
		}
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return game.Company{}, fmt.Errorf("owner %d: %w", in.OwnerID, game.ErrNotFound)
		}
		return game.Company{}, err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO equity_stakes (company_id, holder_id, percent, invested_amount)
		VALUES ($1, $2, $3, $4)
	`, c.ID, in.OwnerID, game.FullOwnership, in.InitialFunds); err != nil {
		return game.Company{}, fmt.Errorf("write founder stake: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO company_operation_profiles (company_id) VALUES ($1)
		ON CONFLICT DO NOTHING
	`, c.ID); err != nil {
		return game.Company{}, fmt.Errorf("write operating profile: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return game.Company{}, err
	}
	return c, nil
}

func (s *Store) RefreshProductIncome(ctx context.Context, companyID int64) (int64, error) {
	var total int64
	err := s.db.QueryRow(ctx, `
		UPDATE companies c
		SET daily_revenue = COALESCE((SELECT SUM(p.daily_income) FROM products p WHERE p.company_id = c.id), 0)
		WHERE c.id = $1
		RETURNING daily_revenue
	`, companyID).Scan(&total)
	if err != nil {
		return 0, notFound(err, fmt.Sprintf("company %d", companyID))
	}
	return total, nil
}

func (s *Store) Products(ctx context.Context, companyID int64) ([]game.Product, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, company_id, name, daily_income, quality, assigned_employees
		FROM products WHERE company_id = $1 ORDER BY id
	`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []game.Product
	for rows.Next() {
		var p game.Product
		if err := rows.Scan(&p.ID, &p.CompanyID, &p.Name, &p.DailyIncome, &p.Quality, &p.AssignedEmployees); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) CooperationMultipliers(ctx context.Context, companyID int64, at time.Time) ([]float64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT bonus_multiplier FROM cooperations
		WHERE (company_a_id = $1 OR company_b_id = $1) AND expires_at > $2
	`, companyID, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []float64
	for rows.Next() {
		var m float64
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) RealEstateIncome(ctx context.Context, companyID int64) (int64, error) {
	var total int64
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(daily_income), 0)::BIGINT FROM real_estates WHERE company_id = $1
	`, companyID).Scan(&total)
	return total, err
}

func (s *Store) OperatingProfile(ctx context.Context, companyID int64) (game.OperatingProfile, error) {
	p := game.OperatingProfile{CompanyID: companyID}
	err := s.db.QueryRow(ctx, `
		SELECT culture, ethics, regulation_pressure
		FROM company_operation_profiles WHERE company_id = $1
	`, companyID).Scan(&p.Culture, &p.Ethics, &p.RegulationPressure)
	if errors.Is(err, pgx.ErrNoRows) {
		return game.DefaultProfile(companyID), nil
	}
	return p, err
}

func (s *Store) AdjustReputation(ctx context.Context, userID, delta int64) (int64, error) {
	var rep int64
	err := s.db.QueryRow(ctx, `
		UPDATE users SET reputation = GREATEST(reputation + $1, 0)
		WHERE id = $2 RETURNING reputation
	`, delta, userID).Scan(&rep)
	if err != nil {
		return 0, notFound(err, fmt.Sprintf("user %d", userID))
	}
	return rep, nil
}

func (s *Store) AdjustEmployees(ctx context.Context, companyID int64, delta, limit int) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		UPDATE companies SET employee_count = LEAST(GREATEST(employee_count + $1, 1), GREATEST($2, 1))
		WHERE id = $3 RETURNING employee_count
	`, delta, limit, companyID).Scan(&n)
	if err != nil {
		return 0, notFound(err, fmt.Sprintf("company %d", companyID))
	}
	return n, nil
}

func (s *Store) AdjustProductQuality(ctx context.Context, productID int64, delta int) (int, error) {
	var q int
	err := s.db.QueryRow(ctx, `
		UPDATE products SET quality = GREATEST(quality + $1, 1)
		WHERE id = $2 RETURNING quality
	`, delta, productID).Scan(&q)
	if err != nil {
		return 0, notFound(err, fmt.Sprintf("product %d", productID))
	}
	return q, nil
}

func (s *Store) MarkNewbieEventGranted(ctx context.Context, companyID int64) (bool, error) {
	cmd, err := s.db.Exec(ctx, `
		UPDATE companies SET newbie_event_granted = true
		WHERE id = $1 AND NOT newbie_event_granted
	`, companyID)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (s *Store) InsertReport(ctx context.Context, r game.DailyReport) (bool, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return false, fmt.Errorf("encode report: %w", err)
	}
	cmd, err := s.db.Exec(ctx, `
		INSERT INTO daily_reports (id, company_id, report_date, body, created_at)
		VALUES ($1, $2, $3::date, $4::jsonb, $5)
		ON CONFLICT (company_id, report_date) DO NOTHING
	`, r.ID, r.CompanyID, r.Date, string(body), r.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert report: %w", err)
	}
	return cmd.RowsAffected() == 1, nil
}

func (s *Store) ReportExists(ctx context.Context, companyID int64, date string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM daily_reports WHERE company_id = $1 AND report_date = $2::date)
	`, companyID, date).Scan(&exists)
	return exists, err
}

func (s *Store) Reports(ctx context.Context, companyID int64, limit int) ([]game.DailyReport, error) {
	if limit <= 0 || limit > 100 {
		limit = 30
	}
	rows, err := s.db.Query(ctx, `
		SELECT body FROM daily_reports
		WHERE company_id = $1
		ORDER BY report_date DESC
		LIMIT $2
	`, companyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []game.DailyReport
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var r game.DailyReport
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, fmt.Errorf("decode report: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) RepairIntegrity(ctx context.Context) ([]string, error) {
	var msgs []string

	removed, err := s.removeOverAllocatedProducts(ctx)
	if err != nil {
		return msgs, fmt.Errorf("products: %w", err)
	}
	msgs = append(msgs, removed...)

	rows, err := s.db.Query(ctx, `
		WITH totals AS (
			SELECT company_id, SUM(percent) AS total
			FROM equity_stakes
			GROUP BY company_id
			HAVING SUM(percent) > $1
		)
		UPDATE equity_stakes e
		SET percent = e.percent * 100.0 / t.total
		FROM totals t
		WHERE e.company_id = t.company_id
		RETURNING e.company_id, t.total
	`, game.FullOwnership+game.PercentTolerance)
	if err != nil {
		return msgs, fmt.Errorf("normalise stakes: %w", err)
	}
	seen := map[int64]bool{}
	for rows.Next() {
		var id int64
		var total float64
		if err := rows.Scan(&id, &total); err != nil {
			rows.Close()
			return msgs, err
		}
		if !seen[id] {
			seen[id] = true
			msgs = append(msgs, fmt.Sprintf("company %d: stake total %.2f%% normalised to 100%%", id, total))
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return msgs, err
	}

	cmd, err := s.db.Exec(ctx, `
		UPDATE companies SET balance = 0, version = version + 1 WHERE balance < 0
	`)
	if err != nil {
		return msgs, fmt.Errorf("reset negative balances: %w", err)
	}
	if n := cmd.RowsAffected(); n > 0 {
		msgs = append(msgs, fmt.Sprintf("reset %d negative company balances to 0", n))
	}

	cmd, err = s.db.Exec(ctx, `DELETE FROM cooperations WHERE expires_at <= now()`)
	if err != nil {
		return msgs, fmt.Errorf("expire cooperations: %w", err)
	}
	if n := cmd.RowsAffected(); n > 0 {
		msgs = append(msgs, fmt.Sprintf("removed %d expired cooperations", n))
	}
	return msgs, nil
}

type allocation struct {
	productID   int64
	companyID   int64
	name        string
	dailyIncome int64
	assigned    int
	employees   int
}

// removeOverAllocatedProducts drops the lowest-income products of every company
// whose assigned headcount exceeds its employees.
func (s *Store) removeOverAllocatedProducts(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT p.id, p.company_id, p.name, p.daily_income, p.assigned_employees, c.employee_count
		FROM products p
		JOIN companies c ON c.id = p.company_id
		WHERE p.company_id IN (
			SELECT p2.company_id FROM products p2
			JOIN companies c2 ON c2.id = p2.company_id
			GROUP BY p2.company_id, c2.employee_count
			HAVING SUM(p2.assigned_employees) > c2.employee_count
		)
		ORDER BY p.company_id, p.daily_income ASC, p.id
	`)
	if err != nil {
		return nil, err
	}
	byCompany := map[int64][]allocation{}
	for rows.Next() {
		var a allocation
		if err := rows.Scan(&a.productID, &a.companyID, &a.name, &a.dailyIncome, &a.assigned, &a.employees); err != nil {
			rows.Close()
			return nil, err
		}
		byCompany[a.companyID] = append(byCompany[a.companyID], a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(byCompany))
	for id := range byCompany {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var msgs []string
	for _, companyID := range ids {
		products := byCompany[companyID]
		assigned := 0
		for _, p := range products {
			assigned += p.assigned
		}
		var drop []int64
		var names []string
		for _, p := range products {
			if assigned <= p.employees {
				break
			}
			assigned -= p.assigned
			drop = append(drop, p.productID)
			names = append(names, p.name)
		}
		if len(drop) == 0 {
			continue
		}
		if _, err := s.db.Exec(ctx, `DELETE FROM products WHERE id = ANY($1)`, drop); err != nil {
			return msgs, err
		}
		msgs = append(msgs, fmt.Sprintf("company %d: removed over-allocated products %s", companyID, strings.Join(names, ", ")))
	}
	return msgs, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, game.ErrNotFound)
	}
	return err
}

func isSerializationError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}

var _ store.Store = (*Store)(nil)
