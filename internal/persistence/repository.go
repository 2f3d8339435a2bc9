// Package persistence stores opaque JSON snapshots of strategy and risk
// state so both survive process restarts.
package persistence

import "grid-risk-engine/internal/models"

// StateRepository abstracts the underlying store. Load methods return
// (nil, nil) when no state has been written yet.
type StateRepository interface {
	SaveStrategyState(symbol string, st *models.StrategyState) error
	LoadStrategyState(symbol string) (*models.StrategyState, error)

	SaveRiskState(st *models.RiskState) error
	LoadRiskState() (*models.RiskState, error)

	Close() error
}
