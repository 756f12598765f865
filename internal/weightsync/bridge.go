// Package weightsync periodically blends reasoning-core activations into an
// adapter's weights.
package weightsync

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/nidhogg/knirv-skillnet/internal/cognitive"
)

// Config controls the sync loop.
type Config struct {
	SyncFrequency       time.Duration `json:"sync_frequency"`
	AdaptationThreshold float64       `json:"adaptation_threshold"`
	MaxWeightChange     float64       `json:"max_weight_change"`
	Bidirectional       bool          `json:"bidirectional"`
}

// DefaultConfig returns the stock bridge settings.
func DefaultConfig() Config {
	return Config{
		SyncFrequency:       time.Second,
		AdaptationThreshold: 0.01,
		MaxWeightChange:     0.1,
		Bidirectional:       true,
	}
}

// ErrNotAttached is returned by Start and ForceSyncNow until both a core and
// an adapter are attached.
var ErrNotAttached = errors.New("weight sync: core and adapter must both be attached")

// MappingStatus is the per-mapping outcome of a cycle.
type MappingStatus string

const (
	MappingApplied MappingStatus = "applied"
	MappingSkipped MappingStatus = "skipped"
	MappingFailed  MappingStatus = "failed"
)

// MappingResult reports one mapping within a cycle.
type MappingResult struct {
	Mapping   LayerMapping  `json:"mapping"`
	Influence float64       `json:"influence"`
	Strength  float64       `json:"strength"`
	Status    MappingStatus `json:"status"`
	Error     string        `json:"error,omitempty"`
}

// CycleReport summarizes one sync cycle.
type CycleReport struct {
	StartedAt time.Time       `json:"startedAt"`
	Duration  time.Duration   `json:"duration"`
	Applied   int             `json:"applied"`
	Skipped   int             `json:"skipped"`
	Failed    int             `json:"failed"`
	Results   []MappingResult `json:"results"`
}

// Stats accumulates across cycles.
type Stats struct {
	Running      bool          `json:"running"`
	Cycles       int64         `json:"cycles"`
	Applied      int64         `json:"applied"`
	Skipped      int64         `json:"skipped"`
	Failed       int64         `json:"failed"`
	FeedbackSent int64         `json:"feedbackSent"`
	Mappings     int           `json:"mappings"`
	LastCycleAt  time.Time     `json:"lastCycleAt,omitempty"`
	LastDuration time.Duration `json:"lastDuration"`
}

// Bridge owns the mapping plan and the sync loop.
type Bridge struct {
	cfg    Config
	logger *zap.Logger
	group  singleflight.Group
	cycles metric.Int64Counter

	mu        sync.Mutex
	core      cognitive.Core
	adapter   cognitive.Adapter
	mappings  []LayerMapping
	influence func(float64) float64
	cache     cognitive.Weights // working copy of the last cycle while running
	cancel    context.CancelFunc
	done      chan struct{}
	stats     Stats

	inCycle atomic.Bool
}

// NewBridge creates a detached bridge. Zero values in cfg get defaults.
func NewBridge(cfg Config, logger *zap.Logger) *Bridge {
	d := DefaultConfig()
	if cfg.SyncFrequency <= 0 {
		cfg.SyncFrequency = d.SyncFrequency
	}
	if cfg.AdaptationThreshold < 0 {
		cfg.AdaptationThreshold = 0
	}
	if cfg.MaxWeightChange <= 0 {
		cfg.MaxWeightChange = d.MaxWeightChange
	}
	cycles, err := otel.Meter("knirv/weightsync").Int64Counter("knirv.weightsync.mappings",
		metric.WithDescription("Mapping outcomes per sync cycle"))
	if err != nil {
		logger.Warn("weight sync metric unavailable", zap.Error(err))
	}
	return &Bridge{
		cfg:       cfg,
		logger:    logger,
		cycles:    cycles,
		influence: Tanh,
	}
}

// Config returns the effective configuration.
func (b *Bridge) Config() Config { return b.cfg }

func (b *Bridge) AttachCore(c cognitive.Core) {
	b.mu.Lock()
	b.core = c
	b.mu.Unlock()
}

func (b *Bridge) AttachAdapter(a cognitive.Adapter) {
	b.mu.Lock()
	b.adapter = a
	b.mu.Unlock()
}

// SetInfluenceFunc replaces the activation-to-influence policy.
func (b *Bridge) SetInfluenceFunc(f func(activation float64) float64) {
	if f == nil {
		f = Tanh
	}
	b.mu.Lock()
	b.influence = f
	b.mu.Unlock()
}

// AddMapping adds m, replacing any mapping with the same layer and module.
func (b *Bridge) AddMapping(m LayerMapping) error {
	if err := m.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cur := range b.mappings {
		if cur.key() == m.key() {
			b.mappings[i] = m
			return nil
		}
	}
	b.mappings = append(b.mappings, m)
	return nil
}

// RemoveMapping deletes the mapping for coreLayer -> adapterModule.
func (b *Bridge) RemoveMapping(coreLayer, adapterModule string) bool {
	key := LayerMapping{CoreLayer: coreLayer, AdapterModule: adapterModule}.key()
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cur := range b.mappings {
		if cur.key() == key {
			b.mappings = append(b.mappings[:i], b.mappings[i+1:]...)
			return true
		}
	}
	return false
}

// Mappings returns a copy of the current plan.
func (b *Bridge) Mappings() []LayerMapping {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]LayerMapping(nil), b.mappings...)
}

// Stats returns accumulated counters.
func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Mappings = len(b.mappings)
	return s
}

// Start derives mappings if none were added, then launches the periodic
// cycle. Calling Start on a running or starting bridge is a no-op.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.cancel != nil {
		b.mu.Unlock()
		return nil
	}
	core, adapter := b.core, b.adapter
	if core == nil || adapter == nil {
		b.mu.Unlock()
		return ErrNotAttached
	}
	// Claim the loop before releasing the lock; Stop may run while the plan
	// is derived and the loop then exits on its first select.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	b.cancel = cancel
	b.done = done
	b.stats.Running = true
	needPlan := len(b.mappings) == 0
	b.mu.Unlock()

	if needPlan {
		plan := b.derivePlan(ctx, core, adapter)
		b.mu.Lock()
		if len(b.mappings) == 0 {
			b.mappings = plan
		}
		b.mu.Unlock()
	}

	go b.loop(loopCtx, done)
	b.logger.Info("weight sync started",
		zap.Duration("frequency", b.cfg.SyncFrequency),
		zap.Int("mappings", len(b.Mappings())),
		zap.Bool("bidirectional", b.cfg.Bidirectional))
	return nil
}

// Stop cancels the loop, waits for it to exit and drops cached tensors.
func (b *Bridge) Stop() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done

	b.mu.Lock()
	if b.cancel == nil {
		b.cache = nil
		b.stats.Running = false
	}
	b.mu.Unlock()
	b.logger.Info("weight sync stopped")
}

// ForceSyncNow runs one cycle outside the timer. If a cycle is already in
// flight the caller joins it and receives its report.
func (b *Bridge) ForceSyncNow(ctx context.Context) (CycleReport, error) {
	b.mu.Lock()
	attached := b.core != nil && b.adapter != nil
	b.mu.Unlock()
	if !attached {
		return CycleReport{}, ErrNotAttached
	}
	return b.runCycle(ctx)
}

func (b *Bridge) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(b.cfg.SyncFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b.inCycle.Load() {
				continue
			}
			if _, err := b.runCycle(ctx); err != nil && ctx.Err() == nil {
				b.logger.Warn("weight sync cycle failed", zap.Error(err))
			}
		}
	}
}

func (b *Bridge) runCycle(ctx context.Context) (CycleReport, error) {
	v, err, _ := b.group.Do("cycle", func() (any, error) {
		b.inCycle.Store(true)
		defer b.inCycle.Store(false)
		return b.cycle(ctx)
	})
	if v == nil {
		return CycleReport{}, err
	}
	return v.(CycleReport), err
}

func (b *Bridge) cycle(ctx context.Context) (CycleReport, error) {
	b.mu.Lock()
	core, adapter, influence := b.core, b.adapter, b.influence
	mappings := append([]LayerMapping(nil), b.mappings...)
	b.mu.Unlock()

	report := CycleReport{StartedAt: time.Now()}
	work := adapter.ExportWeights()
	touched := make(cognitive.Weights)

	for _, m := range mappings {
		res := b.applyMapping(ctx, core, influence, work, touched, m)
		report.Results = append(report.Results, res)
	}

	var importErr error
	if len(touched) > 0 {
		if importErr = adapter.ImportWeights(touched); importErr != nil {
			for i := range report.Results {
				r := &report.Results[i]
				if r.Status == MappingApplied {
					r.Status = MappingFailed
					r.Error = "import: " + importErr.Error()
				}
			}
		}
	}

	var feedback int64
	if b.cfg.Bidirectional && importErr == nil {
		if fr, ok := core.(cognitive.FeedbackReceiver); ok {
			feedback = b.sendFeedback(ctx, fr, report.Results)
		}
	}

	for _, r := range report.Results {
		switch r.Status {
		case MappingApplied:
			report.Applied++
		case MappingSkipped:
			report.Skipped++
		case MappingFailed:
			report.Failed++
		}
		if b.cycles != nil {
			b.cycles.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(r.Status))))
		}
	}
	report.Duration = time.Since(report.StartedAt)

	b.mu.Lock()
	if b.cancel != nil {
		b.cache = work
	}
	b.stats.Cycles++
	b.stats.Applied += int64(report.Applied)
	b.stats.Skipped += int64(report.Skipped)
	b.stats.Failed += int64(report.Failed)
	b.stats.FeedbackSent += feedback
	b.stats.LastCycleAt = report.StartedAt
	b.stats.LastDuration = report.Duration
	b.mu.Unlock()

	b.logger.Debug("weight sync cycle",
		zap.Int("applied", report.Applied),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Duration("elapsed", report.Duration))

	if importErr != nil {
		return report, fmt.Errorf("weight sync: import: %w", importErr)
	}
	return report, nil
}

// applyMapping updates touched from work for one mapping. A failure, panics
// included, only affects this mapping.
func (b *Bridge) applyMapping(ctx context.Context, core cognitive.Core, influence func(float64) float64,
	work, touched cognitive.Weights, m LayerMapping) (res MappingResult) {
	res.Mapping = m
	defer func() {
		if r := recover(); r != nil {
			res.Status = MappingFailed
			res.Error = fmt.Sprintf("panic: %v", r)
		}
		if res.Status == MappingFailed {
			b.logger.Warn("mapping skipped",
				zap.String("layer", m.CoreLayer),
				zap.String("module", m.AdapterModule),
				zap.String("error", res.Error))
		}
	}()

	act, err := core.Activation(ctx, m.CoreLayer)
	if err != nil {
		res.Status, res.Error = MappingFailed, err.Error()
		return res
	}
	res.Influence = influence(act)
	if math.IsNaN(res.Influence) || math.IsInf(res.Influence, 0) {
		res.Status, res.Error = MappingFailed, "influence not finite"
		return res
	}
	if math.Abs(res.Influence) < b.cfg.AdaptationThreshold {
		res.Status = MappingSkipped
		return res
	}
	res.Strength = clamp(m.AdaptationStrength*res.Influence, b.cfg.MaxWeightChange)

	base, ok := touched[m.AdapterModule]
	if !ok {
		base, ok = work[m.AdapterModule]
	}
	if !ok {
		res.Status, res.Error = MappingFailed, fmt.Sprintf("adapter has no module %q", m.AdapterModule)
		return res
	}
	next := base.Clone()
	if err := apply(m.Strategy, next, res.Strength, b.cfg.MaxWeightChange); err != nil {
		res.Status, res.Error = MappingFailed, err.Error()
		return res
	}
	touched[m.AdapterModule] = next
	res.Status = MappingApplied
	return res
}

func (b *Bridge) sendFeedback(ctx context.Context, fr cognitive.FeedbackReceiver, results []MappingResult) int64 {
	var sent int64
	for _, r := range results {
		if r.Status != MappingApplied {
			continue
		}
		if err := fr.Feedback(ctx, r.Mapping.CoreLayer, r.Strength); err != nil {
			b.logger.Warn("core feedback failed",
				zap.String("layer", r.Mapping.CoreLayer),
				zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

// Default adaptation strengths per strategy.
const (
	directStrength     = 0.1
	projectionStrength = 0.05
	attentionStrength  = 0.08
)

// derivePlan maps L layers to direct and H layers to attention, assigning
// adapter modules round-robin. A core that reports nothing gets a fixed
// three-mapping plan.
func (b *Bridge) derivePlan(ctx context.Context, core cognitive.Core, adapter cognitive.Adapter) []LayerMapping {
	modules := moduleNames(adapter)
	if len(modules) == 0 {
		b.logger.Warn("adapter exposes no modules, no mappings derived")
		return nil
	}
	pick := func(i int) string { return modules[i%len(modules)] }

	s, err := core.Structure(ctx)
	if err != nil || s.Empty() {
		if err != nil {
			b.logger.Warn("core structure unavailable, using default mappings", zap.Error(err))
		}
		return []LayerMapping{
			{CoreLayer: cognitive.LModule(0), AdapterModule: pick(0), Strategy: StrategyDirect, AdaptationStrength: directStrength},
			{CoreLayer: cognitive.LModule(1), AdapterModule: pick(1), Strategy: StrategyProjection, AdaptationStrength: projectionStrength},
			{CoreLayer: cognitive.HModule(0), AdapterModule: pick(2), Strategy: StrategyAttention, AdaptationStrength: attentionStrength},
		}
	}

	plan := make([]LayerMapping, 0, s.LModules+s.HModules)
	for i := 0; i < s.LModules; i++ {
		plan = append(plan, LayerMapping{
			CoreLayer: cognitive.LModule(i), AdapterModule: pick(i),
			Strategy: StrategyDirect, AdaptationStrength: directStrength,
		})
	}
	for j := 0; j < s.HModules; j++ {
		plan = append(plan, LayerMapping{
			CoreLayer: cognitive.HModule(j), AdapterModule: pick(s.LModules + j),
			Strategy: StrategyAttention, AdaptationStrength: attentionStrength,
		})
	}
	return plan
}

func moduleNames(a cognitive.Adapter) []string {
	w := a.ExportWeights()
	out := make([]string, 0, len(w))
	for k := range w {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
