package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"empire/internal/db"
	"empire/internal/game"
	"empire/internal/store"
)

func TestNotFoundMapping(t *testing.T) {
	err := notFound(pgx.ErrNoRows, "company 7")
	if !errors.Is(err, game.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	other := errors.New("boom")
	if got := notFound(other, "x"); got != other {
		t.Fatalf("unexpected wrap of unrelated error: %v", got)
	}
}

// openTestStore connects to EMPIRE_TEST_DATABASE_URL and skips when unset.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("EMPIRE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("EMPIRE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.Connect(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(pool)
}

func TestCompanyCASRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	owner, err := s.CreateUser(ctx, "founder", 100)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	name := fmt.Sprintf("co-%s", uuid.NewString()[:8])
	c, err := s.CreateCompany(ctx, store.NewCompany{Name: name, Type: "tech", OwnerID: owner.ID, InitialFunds: 1000})
	if err != nil {
		t.Fatalf("create company: %v", err)
	}
	if _, err := s.CreateCompany(ctx, store.NewCompany{Name: name, Type: "tech", OwnerID: owner.ID}); !errors.Is(err, game.ErrDuplicateName) {
		t.Fatalf("expected duplicate name, got %v", err)
	}

	investor, _ := s.CreateUser(ctx, "investor", 0)
	stakes := []game.EquityStake{
		{CompanyID: c.ID, HolderID: owner.ID, Percent: 95.238, InvestedAmount: 1000},
		{CompanyID: c.ID, HolderID: investor.ID, Percent: 4.762, InvestedAmount: 500},
	}
	ok, err := s.ConditionalUpdate(ctx, store.CAS{Ref: game.CompanyRef(c.ID), ExpectedVersion: c.Version, Balance: 1500, Stakes: stakes})
	if err != nil || !ok {
		t.Fatalf("cas ok=%v err=%v", ok, err)
	}
	ok, err = s.ConditionalUpdate(ctx, store.CAS{Ref: game.CompanyRef(c.ID), ExpectedVersion: c.Version, Balance: 0})
	if err != nil || ok {
		t.Fatalf("stale cas applied: ok=%v err=%v", ok, err)
	}
	got, err := s.Stakes(ctx, c.ID)
	if err != nil || len(got) != 2 || !game.CapTableBalanced(got) {
		t.Fatalf("stakes=%+v err=%v", got, err)
	}

	report := game.DailyReport{ID: uuid.NewString(), CompanyID: c.ID, Date: "2026-01-02", CreatedAt: time.Now().UTC()}
	if ok, err := s.InsertReport(ctx, report); err != nil || !ok {
		t.Fatalf("insert report ok=%v err=%v", ok, err)
	}
	report.ID = uuid.NewString()
	if ok, err := s.InsertReport(ctx, report); err != nil || ok {
		t.Fatalf("duplicate report inserted ok=%v err=%v", ok, err)
	}
}
