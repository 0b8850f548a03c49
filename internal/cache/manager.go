package cache

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"

	"mediacache/internal/category"
	"mediacache/internal/core/logger"
	"mediacache/internal/core/types"
)

// Manager owns one Store per category of a policy, laid out as
// <root>/<categoryId>.
type Manager struct {
	root        string
	totalBudget int64
	policy      *category.Policy
	stores      map[category.ID]*Store
	log         *logger.Logger
}

// NewManager opens the store of every category in policy.
func NewManager(root string, totalBudget int64, policy *category.Policy, log *logger.Logger, opts ...StoreOption) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("cache root cannot be empty")
	}
	if log == nil {
		log = logger.NewLogger(logger.WithName("cache"))
	}

	m := &Manager{
		root:        root,
		totalBudget: totalBudget,
		policy:      policy,
		stores:      make(map[category.ID]*Store),
		log:         log,
	}

	storeOpts := append([]StoreOption{WithLogger(log)}, opts...)
	for _, c := range policy.Categories() {
		dir := filepath.Join(root, strconv.Itoa(int(c.ID)))
		s, err := NewStore(c, category.BudgetBytes(c, totalBudget), dir, storeOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s store: %w", c.Name, err)
		}
		m.stores[c.ID] = s
	}

	log.Info("cache ready",
		"root", root,
		"budget", types.HumanBytes(totalBudget),
		"categories", len(m.stores),
	)
	return m, nil
}

// Store returns the store of c.
func (m *Manager) Store(c category.Category) (*Store, error) {
	s, ok := m.stores[c.ID]
	if !ok {
		return nil, fmt.Errorf("unknown cache category %s", c)
	}
	return s, nil
}

// Stores returns every store ordered by category id.
func (m *Manager) Stores() []*Store {
	out := make([]*Store, 0, len(m.stores))
	for _, c := range m.policy.Categories() {
		out = append(out, m.stores[c.ID])
	}
	return out
}

func (m *Manager) Policy() *category.Policy { return m.policy }

func (m *Manager) TotalBudget() int64 { return m.totalBudget }

// ClearAll clears every category.
func (m *Manager) ClearAll() error {
	var errs []error
	for _, s := range m.Stores() {
		if err := s.Clear(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns the stats of every category.
func (m *Manager) Stats() []Stats {
	stats := make([]Stats, 0, len(m.stores))
	for _, s := range m.Stores() {
		stats = append(stats, s.Stats())
	}
	return stats
}

// Close waits for pending trims of every store.
func (m *Manager) Close() {
	for _, s := range m.stores {
		s.Close()
	}
}
