package config

import (
	"sync/atomic"

	"github.com/gregtusar/triarb/pkg/models"
)

// StrategyHolder publishes the strategy snapshot in effect. The evaluation
// loop reads it once per cycle; the config watcher replaces it.
type StrategyHolder struct {
	current atomic.Pointer[models.StrategyConfig]
}

func NewStrategyHolder(initial models.StrategyConfig) *StrategyHolder {
	h := &StrategyHolder{}
	h.Store(initial)
	return h
}

func (h *StrategyHolder) Strategy() models.StrategyConfig {
	return *h.current.Load()
}

func (h *StrategyHolder) Store(cfg models.StrategyConfig) {
	h.current.Store(&cfg)
}
