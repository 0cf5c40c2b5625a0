// Package strategy feeds externally produced decisions into the coordinator.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"trade-sentinel/internal/engine"
)

var log = logrus.WithField("component", "strategy")

// Provider yields decisions that have not been handed out before.
type Provider interface {
	Next(ctx context.Context) ([]engine.Decision, error)
}

// Config is a strategy entry in the decisions file. Its risk and leverage
// fill decisions of that strategy that leave them unset.
type Config struct {
	ID       string  `yaml:"id"`
	Name     string  `yaml:"name"`
	RiskPct  float64 `yaml:"risk_pct"`
	Leverage int     `yaml:"leverage"`
	IsActive bool    `yaml:"is_active"`
}

// File is the top-level YAML structure.
type File struct {
	Strategies []Config          `yaml:"strategies"`
	Decisions  []engine.Decision `yaml:"decisions"`
}

// Load reads and parses a decisions file.
func Load(path string) (File, error) {
	var f File
	data, err := os.ReadFile(path)
	if err != nil {
		return f, err
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("parse %s: %w", path, err)
	}
	return f, nil
}

// FileProvider re-reads a YAML file whenever it changes and returns each
// decision once. Decisions are keyed by id, or by their content when the
// id is empty.
type FileProvider struct {
	path string

	mu      sync.Mutex
	modTime time.Time
	seen    map[string]bool
}

func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path, seen: make(map[string]bool)}
}

// Next returns new decisions from active strategies. A missing file yields nothing.
func (p *FileProvider) Next(ctx context.Context) ([]engine.Decision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	info, err := os.Stat(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !info.ModTime().After(p.modTime) {
		return nil, nil
	}

	f, err := Load(p.path)
	if err != nil {
		return nil, err
	}
	p.modTime = info.ModTime()

	strategies := make(map[string]Config, len(f.Strategies))
	for _, s := range f.Strategies {
		strategies[s.ID] = s
	}

	var out []engine.Decision
	for _, d := range f.Decisions {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		key := decisionKey(d)
		if p.seen[key] {
			continue
		}
		p.seen[key] = true

		if s, ok := strategies[d.StrategyID]; ok {
			if !s.IsActive {
				log.WithField("strategy", s.ID).Debug("skipping decision of inactive strategy")
				continue
			}
			if d.RiskPct <= 0 {
				d.RiskPct = s.RiskPct
			}
			if d.Leverage <= 0 {
				d.Leverage = s.Leverage
			}
		}
		out = append(out, d)
	}
	if len(out) > 0 {
		log.Infof("loaded %d new decisions from %s", len(out), p.path)
	}
	return out, nil
}

func decisionKey(d engine.Decision) string {
	if d.ID != "" {
		return d.ID
	}
	opt := func(v *float64) string {
		if v == nil {
			return "-"
		}
		return fmt.Sprint(*v)
	}
	return strings.Join([]string{
		d.StrategyID, strings.ToUpper(d.Symbol), strings.ToUpper(d.Side),
		fmt.Sprint(d.EntryPrice), opt(d.StopLoss), opt(d.TakeProfit),
	}, "|")
}
