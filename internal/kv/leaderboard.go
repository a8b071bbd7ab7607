package kv

import (
	"context"
	"fmt"
	"strconv"

	"empire/internal/game"
)

const (
	BoardIncome    = "income"
	BoardFunds     = "funds"
	BoardValuation = "valuation"
)

func ValidBoard(board string) bool {
	switch board {
	case BoardIncome, BoardFunds, BoardValuation:
		return true
	}
	return false
}

func boardKey(board string) string { return "lb:" + board }

// PushCompanyMetrics upserts a company's settlement figures into every board.
func PushCompanyMetrics(ctx context.Context, c Coordinator, companyID, grossIncome, balance, valuation int64) error {
	member := strconv.FormatInt(companyID, 10)
	for board, score := range map[string]int64{
		BoardIncome:    grossIncome,
		BoardFunds:     balance,
		BoardValuation: valuation,
	} {
		if err := c.SortedSetUpsert(ctx, boardKey(board), member, float64(score)); err != nil {
			return fmt.Errorf("leaderboard %s: %w", board, err)
		}
	}
	return nil
}

func Leaderboard(ctx context.Context, c Coordinator, board string, n int) ([]game.LeaderboardRow, error) {
	if !ValidBoard(board) {
		return nil, fmt.Errorf("unknown leaderboard %q", board)
	}
	members, err := c.SortedSetTopN(ctx, boardKey(board), n)
	if err != nil {
		return nil, err
	}
	rows := make([]game.LeaderboardRow, 0, len(members))
	for i, m := range members {
		rows = append(rows, game.LeaderboardRow{Rank: int64(i + 1), Member: m.Name, Score: m.Score})
	}
	return rows, nil
}
