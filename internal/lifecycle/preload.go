package lifecycle

import (
	"context"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"inferd/internal/config"
	"inferd/internal/logging"
	"inferd/internal/types"
)

// Preloader warms modules in the background based on predicted demand.
// Best effort throughout: a full queue drops the hint, a failed load is
// logged and forgotten.
type Preloader struct {
	cfg       config.LifecycleConfig
	manager   *Manager
	predictor *predictor

	queue  chan string
	cancel context.CancelFunc
	group  *errgroup.Group

	mu       sync.Mutex
	started  bool
	enqueued int
	dropped  int
}

// NewPreloader creates a Preloader over the manager's registry.
func NewPreloader(cfg config.LifecycleConfig, manager *Manager) *Preloader {
	size := cfg.PreloadQueueSize
	if size <= 0 {
		size = 64
	}
	return &Preloader{
		cfg:       cfg,
		manager:   manager,
		predictor: newPredictor(cfg.HistoryWindow),
		queue:     make(chan string, size),
	}
}

// Start launches the worker pool. Idempotent.
func (p *Preloader) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	p.group, ctx = errgroup.WithContext(ctx)

	workers := p.cfg.PreloadWorkers
	if workers <= 0 {
		workers = 2
	}
	for i := 0; i < workers; i++ {
		p.group.Go(func() error {
			p.work(ctx)
			return nil
		})
	}
	logging.Preload("started workers=%d queue=%d", workers, cap(p.queue))
}

// Stop cancels the workers and waits for them to drain.
func (p *Preloader) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	cancel, group := p.cancel, p.group
	p.mu.Unlock()

	cancel()
	_ = group.Wait()
	logging.Preload("stopped")
}

func (p *Preloader) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case name := <-p.queue:
			if _, err := p.manager.Load(ctx, name); err != nil {
				// Preloading is an optimization; failures never propagate.
				logging.PreloadWarn("preload %s failed: %v", name, err)
			} else {
				logging.Preload("preloaded %s", name)
				logging.AuditModule("module_preload", name, 0, true, "")
			}
		}
	}
}

// Observe records a request and enqueues modules whose predicted demand
// clears the confidence threshold. Non-blocking; hints are dropped when the
// queue is full.
func (p *Preloader) Observe(req types.Request, complexity types.ComplexityTier) {
	predictions := p.predictor.predict(req.Text, req.FileHints, complexity)

	for _, pred := range predictions {
		if pred.confidence < p.cfg.PreloadConfidence {
			continue
		}
		for _, name := range p.manager.SpecsByCategory(pred.category) {
			select {
			case p.queue <- name:
				p.mu.Lock()
				p.enqueued++
				p.mu.Unlock()
				logging.Preload("enqueued %s category=%s confidence=%.2f", name, pred.category, pred.confidence)
			default:
				p.mu.Lock()
				p.dropped++
				p.mu.Unlock()
			}
		}
	}

	p.predictor.record(req.Text, complexity, predictions)
}

// Enqueued reports accepted and dropped hint counts.
func (p *Preloader) Enqueued() (accepted, dropped int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enqueued, p.dropped
}

// =============================================================================
// DEMAND PREDICTOR
// =============================================================================

// prediction is one ranked module-category candidate.
type prediction struct {
	category   string
	confidence float64
}

// categoryKeywords maps request vocabulary to module categories. Scores are
// base confidences before history weighting.
var categoryKeywords = map[string]map[string]float64{
	"code": {
		"implement": 0.5, "refactor": 0.5, "debug": 0.5, "compile": 0.5,
		"function": 0.4, "bug": 0.4, "test": 0.4, "code": 0.4,
	},
	"math": {
		"prove": 0.5, "theorem": 0.5, "calculate": 0.5, "equation": 0.5,
		"integral": 0.4, "probability": 0.4,
	},
	"general": {
		"explain": 0.3, "summarize": 0.3, "describe": 0.3, "what": 0.2,
	},
}

// hintCategories maps file extensions to categories.
var hintCategories = map[string]string{
	".go": "code", ".py": "code", ".rs": "code", ".ts": "code", ".js": "code",
	".c": "code", ".cpp": "code", ".java": "code", ".sql": "code",
	".tex": "math", ".ipynb": "math",
}

// historyEntry is one observed request for similarity weighting.
type historyEntry struct {
	tokens     map[string]bool
	complexity types.ComplexityTier
	categories []string
}

// predictor ranks module categories for incoming requests using keyword and
// file-hint matches plus a Jaccard-weighted rolling history.
type predictor struct {
	mu      sync.Mutex
	history []historyEntry
	window  int
}

func newPredictor(window int) *predictor {
	if window <= 0 {
		window = 20
	}
	return &predictor{window: window}
}

func (p *predictor) predict(text string, fileHints []string, complexity types.ComplexityTier) []prediction {
	tokens := tokenize(text)
	scores := make(map[string]float64)

	for category, keywords := range categoryKeywords {
		for kw, score := range keywords {
			if tokens[kw] && score > scores[category] {
				scores[category] = score
			}
		}
	}

	for _, hint := range fileHints {
		if category, ok := hintCategories[strings.ToLower(hint)]; ok {
			if s := scores[category] + 0.3; s > scores[category] {
				scores[category] = s
			}
		}
	}

	// History: similar past requests vote for their categories, weighted by
	// text similarity, with a bonus when the complexity tier matches too.
	p.mu.Lock()
	for _, entry := range p.history {
		sim := jaccard(tokens, entry.tokens)
		if sim < 0.2 {
			continue
		}
		weight := sim * 0.5
		if entry.complexity == complexity {
			weight += 0.1
		}
		for _, category := range entry.categories {
			scores[category] += weight
		}
	}
	p.mu.Unlock()

	out := make([]prediction, 0, len(scores))
	for category, score := range scores {
		if score > 1 {
			score = 1
		}
		out = append(out, prediction{category: category, confidence: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].confidence != out[j].confidence {
			return out[i].confidence > out[j].confidence
		}
		return out[i].category < out[j].category
	})
	return out
}

// record appends the request to the rolling history window.
func (p *predictor) record(text string, complexity types.ComplexityTier, predictions []prediction) {
	categories := make([]string, 0, len(predictions))
	for _, pred := range predictions {
		if pred.confidence >= 0.3 {
			categories = append(categories, pred.category)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = append(p.history, historyEntry{
		tokens:     tokenize(text),
		complexity: complexity,
		categories: categories,
	})
	if len(p.history) > p.window {
		p.history = p.history[len(p.history)-p.window:]
	}
}

func tokenize(text string) map[string]bool {
	out := make(map[string]bool)
	for _, f := range strings.Fields(strings.ToLower(text)) {
		out[strings.Trim(f, ".,!?;:\"'()")] = true
	}
	return out
}

// jaccard is intersection over union of the token sets.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if b[t] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
