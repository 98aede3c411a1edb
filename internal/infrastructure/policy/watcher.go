package policy

import (
	"context"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/internal/domain/service"
	"github.com/turtacn/sentinel/pkg/logger"
)

// RuleWatcher serves the rule set from a file and swaps it atomically when the file
// changes. A file that fails to parse leaves the previous rule set in force.
type RuleWatcher struct {
	path    string
	current atomic.Pointer[RuleSet]
	reloads atomic.Int64
	logger  logger.Logger
}

var _ service.ContentInspector = (*RuleWatcher)(nil)

// NewRuleWatcher loads path once. The initial load must succeed.
func NewRuleWatcher(path string, log logger.Logger) (*RuleWatcher, error) {
	rs, err := LoadRuleFile(path)
	if err != nil {
		return nil, err
	}
	w := &RuleWatcher{path: path, logger: log.WithComponent("RuleWatcher")}
	w.current.Store(rs)
	return w, nil
}

// Current returns the rule set in force.
func (w *RuleWatcher) Current() *RuleSet {
	return w.current.Load()
}

// Reloads returns how many successful reloads happened since start.
func (w *RuleWatcher) Reloads() int64 {
	return w.reloads.Load()
}

func (w *RuleWatcher) InspectWAF(content string) *models.WAFResult {
	return w.Current().InspectWAF(content)
}

func (w *RuleWatcher) ScanDLP(content string) *models.DLPResult {
	return w.Current().ScanDLP(content)
}

// Reload re-reads the file and swaps the rule set if it compiles.
func (w *RuleWatcher) Reload(ctx context.Context) error {
	rs, err := LoadRuleFile(w.path)
	if err != nil {
		w.logger.Warn(ctx, "rule file rejected, keeping previous rules", logger.Err(err), logger.String("path", w.path))
		return err
	}
	w.current.Store(rs)
	w.reloads.Add(1)
	w.logger.Info(ctx, "rule file reloaded", logger.String("path", w.path), logger.Int("waf_rules", len(rs.waf)), logger.Int("dlp_rules", len(rs.dlp)))
	return nil
}

// Watch reloads on every write to the rule file until ctx is cancelled. The parent
// directory is watched so editors that replace the file by rename are handled.
func (w *RuleWatcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	target := filepath.Clean(w.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				_ = w.Reload(ctx)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error(ctx, "rule watcher error", err)
		}
	}
}
