package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Runner loads a manifest from its Source and applies it. One Runner backs
// the one-shot run, the file watcher and the scheduler alike; runs never
// overlap.
type Runner struct {
	mu         sync.Mutex
	source     Source
	reconciler *Reconciler
	logger     logrus.FieldLogger
}

// NewRunner creates a runner
func NewRunner(source Source, reconciler *Reconciler, logger logrus.FieldLogger) *Runner {
	return &Runner{source: source, reconciler: reconciler, logger: logger}
}

// Run loads and applies the manifest once and logs a summary.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	logger := r.logger.WithField("source", r.source.String())

	m, err := r.source.Load(ctx)
	if err != nil {
		return err
	}

	report, err := r.reconciler.Apply(ctx, m)
	if err != nil {
		return fmt.Errorf("failed to apply %s: %w", r.source, err)
	}

	entities := report.Entities()
	names := make([]string, 0, len(entities))
	for name := range entities {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := logrus.Fields{"changed": report.Changed()}
	for _, name := range names {
		c := entities[name]
		fields[name] = fmt.Sprintf("created=%d updated=%d unchanged=%d skipped=%d", c.Created, c.Updated, c.Unchanged, c.Skipped)
	}
	logger.WithFields(fields).Info("manifest applied")

	for _, skipped := range report.Skipped() {
		logger.WithField("item", skipped).Warn("skipped")
	}
	return nil
}
