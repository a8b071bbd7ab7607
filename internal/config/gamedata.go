package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

//go:embed gamedata/game_data.json
var embeddedGameData []byte

type LevelDef struct {
	Level        int    `json:"level"`
	Name         string `json:"name"`
	RevenueBonus int64  `json:"revenue_bonus"`
}

type CompanyTypeDef struct {
	Name        string  `json:"name"`
	IncomeBonus float64 `json:"income_bonus"`
	CostBonus   float64 `json:"cost_bonus"`
}

// GameData is the static level and company-type table. It is read-only after
// LoadGameData returns.
type GameData struct {
	levels []LevelDef
	types  map[string]CompanyTypeDef
}

type gameDataFile struct {
	Levels       []LevelDef                `json:"levels"`
	CompanyTypes map[string]CompanyTypeDef `json:"company_types"`
}

// LoadGameData decodes the file at path, or the embedded table when path is empty.
func LoadGameData(path string) (*GameData, error) {
	raw := embeddedGameData
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read game data: %w", err)
		}
		raw = b
	}
	return ParseGameData(raw)
}

func ParseGameData(raw []byte) (*GameData, error) {
	var f gameDataFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode game data: %w", err)
	}
	if len(f.Levels) == 0 {
		return nil, fmt.Errorf("game data has no levels")
	}
	levels := append([]LevelDef(nil), f.Levels...)
	sort.Slice(levels, func(i, j int) bool { return levels[i].Level < levels[j].Level })
	for i := 1; i < len(levels); i++ {
		if levels[i].Level == levels[i-1].Level {
			return nil, fmt.Errorf("duplicate level %d", levels[i].Level)
		}
		if levels[i].RevenueBonus < levels[i-1].RevenueBonus {
			return nil, fmt.Errorf("level %d revenue bonus decreases", levels[i].Level)
		}
	}
	types := make(map[string]CompanyTypeDef, len(f.CompanyTypes))
	for k, v := range f.CompanyTypes {
		types[k] = v
	}
	return &GameData{levels: levels, types: types}, nil
}

// LevelBonus returns the permanent revenue bonus for level. Levels above the
// table use the highest entry; unknown low levels get zero.
func (g *GameData) LevelBonus(level int) int64 {
	var bonus int64
	for _, l := range g.levels {
		if l.Level > level {
			break
		}
		bonus = l.RevenueBonus
	}
	return bonus
}

func (g *GameData) MaxLevel() int {
	return g.levels[len(g.levels)-1].Level
}

func (g *GameData) CompanyType(key string) (CompanyTypeDef, bool) {
	t, ok := g.types[key]
	return t, ok
}

// CostModifier scales operating cost for a company type. Unknown types use 1.
func (g *GameData) CostModifier(key string) float64 {
	t, ok := g.types[key]
	if !ok {
		return 1
	}
	return 1 + t.CostBonus
}

func (g *GameData) TypeIncomeBonus(key string) float64 {
	return g.types[key].IncomeBonus
}
