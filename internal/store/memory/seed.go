package memory

import (
	"fmt"
	"time"

	"empire/internal/game"
)

// Seeding helpers for tests and local runs. They bypass the CAS path.

func (s *Store) AddProduct(p game.Product) game.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextProductID++
	p.ID = s.nextProductID
	if p.Quality < 1 {
		p.Quality = 1
	}
	s.products[p.ID] = p
	return p
}

func (s *Store) AddCooperation(companyA, companyB int64, multiplier float64, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooperations = append(s.cooperations, cooperation{
		companyA:   companyA,
		companyB:   companyB,
		multiplier: multiplier,
		expiresAt:  expiresAt,
	})
}

func (s *Store) AddRealEstate(companyID, dailyIncome int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.estates[companyID] = append(s.estates[companyID], dailyIncome)
}

func (s *Store) SetProfile(p game.OperatingProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.CompanyID] = p
}

// UpdateCompany applies fn to the stored company without bumping its version.
func (s *Store) UpdateCompany(id int64, fn func(*game.Company)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.companies[id]
	if !ok {
		return fmt.Errorf("company %d: %w", id, game.ErrNotFound)
	}
	fn(&c)
	s.companies[id] = c
	return nil
}

func (s *Store) UpdateUser(id int64, fn func(*game.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return fmt.Errorf("user %d: %w", id, game.ErrNotFound)
	}
	fn(&u)
	s.users[id] = u
	return nil
}

func (s *Store) SetStakes(companyID int64, stakes []game.EquityStake) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stakes[companyID] = cloneStakes(stakes)
}
