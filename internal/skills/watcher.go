package skills

import (
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"synapse/internal/logging"
)

// reloadDebounce coalesces bursts of filesystem events into one reload.
const reloadDebounce = 500 * time.Millisecond

// Watch reloads the library whenever a rule file under its root changes.
// Returns a stop function. Watching is best-effort: when the watcher cannot
// be created the library simply stays static until the next restart.
func (l *Library) Watch() (stop func()) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.SkillsDebug("skill watcher unavailable: %v", err)
		return func() {}
	}
	if err := watcher.Add(l.rootPath); err != nil {
		logging.SkillsDebug("cannot watch %s: %v", l.rootPath, err)
		watcher.Close()
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		var pending <-chan time.Time
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !isRuleFile(ev.Name) {
					continue
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					pending = time.After(reloadDebounce)
				}
			case <-pending:
				logging.Skills("rule files changed, reloading skill library")
				l.Reload()
				pending = nil
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.SkillsDebug("skill watcher error: %v", err)
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}
}

func isRuleFile(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml") || strings.HasSuffix(lower, ".json")
}
