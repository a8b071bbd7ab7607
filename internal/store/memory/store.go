// Package memory is an in-process store used by tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"empire/internal/game"
	"empire/internal/store"
)

type cooperation struct {
	companyA   int64
	companyB   int64
	multiplier float64
	expiresAt  time.Time
}

type Store struct {
	mu sync.Mutex

	now func() time.Time

	nextUserID    int64
	nextCompanyID int64
	nextProductID int64

	users        map[int64]game.User
	companies    map[int64]game.Company
	stakes       map[int64][]game.EquityStake
	products     map[int64]game.Product
	cooperations []cooperation
	estates      map[int64][]int64
	profiles     map[int64]game.OperatingProfile
	reports      map[int64]map[string]game.DailyReport
}

func New() *Store {
	return &Store{
		now:       time.Now,
		users:     make(map[int64]game.User),
		companies: make(map[int64]game.Company),
		stakes:    make(map[int64][]game.EquityStake),
		products:  make(map[int64]game.Product),
		estates:   make(map[int64][]int64),
		profiles:  make(map[int64]game.OperatingProfile),
		reports:   make(map[int64]map[string]game.DailyReport),
	}
}

// SetClock replaces the time source used for created_at and cooperation expiry.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Get(_ context.Context, ref game.AccountRef) (game.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ref.Kind {
	case game.CompanyAccount:
		c, ok := s.companies[ref.ID]
		if !ok {
			return game.Account{}, fmt.Errorf("company %d: %w", ref.ID, game.ErrNotFound)
		}
		return c.Account(), nil
	case game.UserAccount:
		u, ok := s.users[ref.ID]
		if !ok {
			return game.Account{}, fmt.Errorf("user %d: %w", ref.ID, game.ErrNotFound)
		}
		return u.Account(), nil
	default:
		return game.Account{}, fmt.Errorf("unknown account kind %q", ref.Kind)
	}
}

func (s *Store) ConditionalUpdate(_ context.Context, cas store.CAS) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch cas.Ref.Kind {
	case game.CompanyAccount:
		c, ok := s.companies[cas.Ref.ID]
		if !ok {
			return false, fmt.Errorf("company %d: %w", cas.Ref.ID, game.ErrNotFound)
		}
		if c.Version != cas.ExpectedVersion {
			return false, nil
		}
		c.Balance = cas.Balance
		c.Version++
		s.companies[c.ID] = c
		if cas.Stakes != nil {
			s.stakes[c.ID] = cloneStakes(cas.Stakes)
		}
		return true, nil
	case game.UserAccount:
		if cas.Stakes != nil {
			return false, fmt.Errorf("stakes can only be written with a company account")
		}
		u, ok := s.users[cas.Ref.ID]
		if !ok {
			return false, fmt.Errorf("user %d: %w", cas.Ref.ID, game.ErrNotFound)
		}
		if u.Version != cas.ExpectedVersion {
			return false, nil
		}
		u.Balance = cas.Balance
		u.Version++
		s.users[u.ID] = u
		return true, nil
	default:
		return false, fmt.Errorf("unknown account kind %q", cas.Ref.Kind)
	}
}

func (s *Store) Company(_ context.Context, id int64) (game.Company, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.companies[id]
	if !ok {
		return game.Company{}, fmt.Errorf("company %d: %w", id, game.ErrNotFound)
	}
	return c, nil
}

func (s *Store) User(_ context.Context, id int64) (game.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return game.User{}, fmt.Errorf("user %d: %w", id, game.ErrNotFound)
	}
	return u, nil
}

func (s *Store) Companies(_ context.Context) ([]game.Company, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]game.Company, 0, len(s.companies))
	for _, c := range s.companies {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Stakes(_ context.Context, companyID int64) ([]game.EquityStake, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.companies[companyID]; !ok {
		return nil, fmt.Errorf("company %d: %w", companyID, game.ErrNotFound)
	}
	return cloneStakes(s.stakes[companyID]), nil
}

func (s *Store) CreateUser(_ context.Context, name string, balance int64) (game.User, error) {
	if balance < 0 {
		return game.User{}, fmt.Errorf("initial balance must not be negative")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextUserID++
	u := game.User{ID: s.nextUserID, Name: name, Balance: balance, Version: 1, CreatedAt: s.now().UTC()}
	s.users[u.ID] = u
	return u, nil
}

func (s *Store) CreateCompany(_ context.Context, in store.NewCompany) (game.Company, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[in.OwnerID]; !ok {
		return game.Company{}, fmt.Errorf("owner %d: %w", in.OwnerID, game.ErrNotFound)
	}
	for _, c := range s.companies {
		if strings.EqualFold(c.Name, in.Name) {
			return game.Company{}, game.ErrDuplicateName
		}
	}
	created := in.CreatedAt
	if created.IsZero() {
		created = s.now().UTC()
	}
	s.nextCompanyID++
	c := game.Company{
		ID:            s.nextCompanyID,
		Name:          in.Name,
		Type:          in.Type,
		OwnerID:       in.OwnerID,
		Balance:       in.InitialFunds,
		Level:         1,
		EmployeeCount: 1,
		Version:       1,
		CreatedAt:     created,
	}
	s.companies[c.ID] = c
	s.stakes[c.ID] = []game.EquityStake{{
		CompanyID:      c.ID,
		HolderID:       in.OwnerID,
		Percent:        game.FullOwnership,
		InvestedAmount: in.InitialFunds,
	}}
	return c, nil
}

func (s *Store) RefreshProductIncome(_ context.Context, companyID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.companies[companyID]
	if !ok {
		return 0, fmt.Errorf("company %d: %w", companyID, game.ErrNotFound)
	}
	var total int64
	for _, p := range s.products {
		if p.CompanyID == companyID {
			total += p.DailyIncome
		}
	}
	c.DailyRevenue = total
	s.companies[companyID] = c
	return total, nil
}

func (s *Store) Products(_ context.Context, companyID int64) ([]game.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.productsLocked(companyID), nil
}

func (s *Store) productsLocked(companyID int64) []game.Product {
	var out []game.Product
	for _, p := range s.products {
		if p.CompanyID == companyID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) CooperationMultipliers(_ context.Context, companyID int64, at time.Time) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []float64
	for _, c := range s.cooperations {
		if (c.companyA == companyID || c.companyB == companyID) && c.expiresAt.After(at) {
			out = append(out, c.multiplier)
		}
	}
	return out, nil
}

func (s *Store) RealEstateIncome(_ context.Context, companyID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, v := range s.estates[companyID] {
		total += v
	}
	return total, nil
}

func (s *Store) OperatingProfile(_ context.Context, companyID int64) (game.OperatingProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.profiles[companyID]; ok {
		return p, nil
	}
	return game.DefaultProfile(companyID), nil
}

func (s *Store) AdjustReputation(_ context.Context, userID, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return 0, fmt.Errorf("user %d: %w", userID, game.ErrNotFound)
	}
	u.Reputation = max(u.Reputation+delta, 0)
	s.users[userID] = u
	return u.Reputation, nil
}

func (s *Store) AdjustEmployees(_ context.Context, companyID int64, delta, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.companies[companyID]
	if !ok {
		return 0, fmt.Errorf("company %d: %w", companyID, game.ErrNotFound)
	}
	c.EmployeeCount = min(max(c.EmployeeCount+delta, 1), max(limit, 1))
	s.companies[companyID] = c
	return c.EmployeeCount, nil
}

func (s *Store) AdjustProductQuality(_ context.Context, productID int64, delta int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok {
		return 0, fmt.Errorf("product %d: %w", productID, game.ErrNotFound)
	}
	p.Quality = max(p.Quality+delta, 1)
	s.products[productID] = p
	return p.Quality, nil
}

func (s *Store) MarkNewbieEventGranted(_ context.Context, companyID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.companies[companyID]
	if !ok {
		return false, fmt.Errorf("company %d: %w", companyID, game.ErrNotFound)
	}
	if c.NewbieEventGranted {
		return false, nil
	}
	c.NewbieEventGranted = true
	s.companies[companyID] = c
	return true, nil
}

func (s *Store) InsertReport(_ context.Context, r game.DailyReport) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byDate, ok := s.reports[r.CompanyID]
	if !ok {
		byDate = make(map[string]game.DailyReport)
		s.reports[r.CompanyID] = byDate
	}
	if _, exists := byDate[r.Date]; exists {
		return false, nil
	}
	r.EventMessages = append([]string(nil), r.EventMessages...)
	byDate[r.Date] = r
	return true, nil
}

func (s *Store) ReportExists(_ context.Context, companyID int64, date string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.reports[companyID][date]
	return ok, nil
}

func (s *Store) Reports(_ context.Context, companyID int64, limit int) ([]game.DailyReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]game.DailyReport, 0, len(s.reports[companyID]))
	for _, r := range s.reports[companyID] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) RepairIntegrity(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var msgs []string

	ids := make([]int64, 0, len(s.companies))
	for id := range s.companies {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		c := s.companies[id]

		products := s.productsLocked(id)
		sort.SliceStable(products, func(i, j int) bool { return products[i].DailyIncome < products[j].DailyIncome })
		assigned := 0
		for _, p := range products {
			assigned += p.AssignedEmployees
		}
		var removed []string
		for _, p := range products {
			if assigned <= c.EmployeeCount {
				break
			}
			assigned -= p.AssignedEmployees
			removed = append(removed, p.Name)
			delete(s.products, p.ID)
		}
		if len(removed) > 0 {
			msgs = append(msgs, fmt.Sprintf("company %d: removed over-allocated products %s", id, strings.Join(removed, ", ")))
		}

		stakes := s.stakes[id]
		if total := game.SumPercent(stakes); total > game.FullOwnership+game.PercentTolerance {
			game.Normalize(stakes)
			msgs = append(msgs, fmt.Sprintf("company %d: stake total %.2f%% normalised to 100%%", id, total))
		}

		if c.Balance < 0 {
			msgs = append(msgs, fmt.Sprintf("company %d: negative balance %d reset to 0", id, c.Balance))
			c.Balance = 0
			c.Version++
			s.companies[id] = c
		}
	}

	now := s.now()
	kept := s.cooperations[:0]
	expired := 0
	for _, coop := range s.cooperations {
		if coop.expiresAt.After(now) {
			kept = append(kept, coop)
			continue
		}
		expired++
	}
	s.cooperations = kept
	if expired > 0 {
		msgs = append(msgs, fmt.Sprintf("removed %d expired cooperations", expired))
	}
	return msgs, nil
}

func cloneStakes(in []game.EquityStake) []game.EquityStake {
	if in == nil {
		return nil
	}
	out := make([]game.EquityStake, len(in))
	copy(out, in)
	return out
}

var _ store.Store = (*Store)(nil)
