package persistence

import (
	"encoding/json"
	"errors"

	"github.com/dgraph-io/badger/v3"

	"grid-risk-engine/internal/models"
)

const (
	strategyKeyPrefix = "strategy_state:"
	riskKey           = "risk_state"
)

// badgerRepository persists JSON blobs in BadgerDB, one key per symbol plus
// one account-wide risk key.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository opens (or creates) the database at dbPath. Badger's own
// logging is disabled; its errors still surface through operations.
func NewBadgerRepository(dbPath string) (StateRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerRepository{db: db}, nil
}

func (r *badgerRepository) save(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

// load unmarshals the blob at key into out, reporting whether the key
// existed at all.
func (r *badgerRepository) load(key string, out any) (bool, error) {
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("empty state value in database")
			}
			return json.Unmarshal(val, out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *badgerRepository) SaveStrategyState(symbol string, st *models.StrategyState) error {
	return r.save(strategyKeyPrefix+symbol, st)
}

func (r *badgerRepository) LoadStrategyState(symbol string) (*models.StrategyState, error) {
	var st models.StrategyState
	found, err := r.load(strategyKeyPrefix+symbol, &st)
	if err != nil || !found {
		return nil, err
	}
	return &st, nil
}

func (r *badgerRepository) SaveRiskState(st *models.RiskState) error {
	return r.save(riskKey, st)
}

func (r *badgerRepository) LoadRiskState() (*models.RiskState, error) {
	var st models.RiskState
	found, err := r.load(riskKey, &st)
	if err != nil || !found {
		return nil, err
	}
	return &st, nil
}

func (r *badgerRepository) Close() error {
	return r.db.Close()
}
