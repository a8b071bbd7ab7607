package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

const (
	BuffRiskHedge      = "risk_hedge"
	BuffMarketAnalysis = "market_analysis"
)

func BuffKey(companyID int64, item string) string {
	return fmt.Sprintf("buff:%d:%s", companyID, item)
}

func AdKey(companyID int64) string {
	return fmt.Sprintf("ad:%d", companyID)
}

func PointsKey(userID int64) string {
	return fmt.Sprintf("points:%d", userID)
}

// GrantBuff stores value under the buff key. A zero ttl makes it one-shot:
// it lives until consumed.
func GrantBuff(ctx context.Context, c Coordinator, companyID int64, item, value string, ttl time.Duration) (bool, error) {
	return c.SetIfAbsent(ctx, BuffKey(companyID, item), value, ttl)
}

func HasBuff(ctx context.Context, c Coordinator, companyID int64, item string) (bool, error) {
	_, ok, err := c.Get(ctx, BuffKey(companyID, item))
	return ok, err
}

// ConsumeBuff deletes a one-shot buff and reports whether this caller removed it.
func ConsumeBuff(ctx context.Context, c Coordinator, companyID int64, item string) (bool, error) {
	return c.Delete(ctx, BuffKey(companyID, item))
}

// ShopIncomeBuff returns the market analysis income bonus as a fraction of
// product income, or zero when the buff is absent or malformed.
func ShopIncomeBuff(ctx context.Context, c Coordinator, companyID int64) (float64, error) {
	v, ok, err := c.Get(ctx, BuffKey(companyID, BuffMarketAnalysis))
	if err != nil || !ok {
		return 0, err
	}
	pct, perr := strconv.ParseFloat(v, 64)
	if perr != nil || pct < 0 {
		return 0, nil
	}
	return pct, nil
}

type adCampaign struct {
	BoostPct float64 `json:"boost_pct"`
	Tier     string  `json:"tier,omitempty"`
}

func StartAd(ctx context.Context, c Coordinator, companyID int64, tier string, boostPct float64, ttl time.Duration) (bool, error) {
	body, err := json.Marshal(adCampaign{BoostPct: boostPct, Tier: tier})
	if err != nil {
		return false, err
	}
	return c.SetIfAbsent(ctx, AdKey(companyID), string(body), ttl)
}

// AdBoost returns the active advertising boost fraction, zero when none.
func AdBoost(ctx context.Context, c Coordinator, companyID int64) (float64, error) {
	v, ok, err := c.Get(ctx, AdKey(companyID))
	if err != nil || !ok {
		return 0, err
	}
	var ad adCampaign
	if err := json.Unmarshal([]byte(v), &ad); err != nil {
		return 0, nil
	}
	return ad.BoostPct, nil
}

func AddPoints(ctx context.Context, c Coordinator, userID, n int64) (int64, error) {
	return c.IncrBy(ctx, PointsKey(userID), n)
}
