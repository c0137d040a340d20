package host

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/platinummonkey/plughost/pkg/observability"
	"github.com/platinummonkey/plughost/pkg/plugins/source"
)

// watchDebounce coalesces bursts of writes into one reinstall.
const watchDebounce = 500 * time.Millisecond

// Watch reinstalls plugins installed from local directories when their
// files change. It blocks until ctx is done.
func (h *Host) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	roots := h.localRoots()
	for root := range roots {
		if err := addTree(watcher, root); err != nil {
			h.logger.WithError(err).WithField("dir", root).Warn("Failed to watch plugin directory")
		}
	}
	h.logger.WithField("dirs", len(roots)).Info("Watching local plugins for changes")

	var (
		mu     sync.Mutex
		timers = make(map[string]*time.Timer)
	)
	defer func() {
		mu.Lock()
		for _, t := range timers {
			t.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
					if err := watcher.Add(event.Name); err != nil {
						h.logger.WithError(err).Warn("Failed to watch new directory")
					}
				}
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			root, raw := owner(roots, event.Name)
			if root == "" {
				continue
			}

			mu.Lock()
			if t, ok := timers[root]; ok {
				t.Stop()
			}
			timers[root] = time.AfterFunc(watchDebounce, func() {
				h.reload(ctx, raw)
			})
			mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			h.logger.WithError(err).Warn("Watcher error")
		}
	}
}

// reload runs on a timer goroutine, so a panic is logged rather than
// taking the host down.
func (h *Host) reload(ctx context.Context, raw string) {
	defer observability.RecoverPanic(h.logger, "reload "+raw)
	if ctx.Err() != nil {
		return
	}
	res, err := h.Install(ctx, raw, InstallOptions{Force: true})
	if err != nil {
		h.logger.WithError(err).WithField("source", raw).Error("Failed to reload plugin")
		return
	}
	h.logger.WithField("plugin", res.Instance.ID()).Info("Reloaded plugin after change")
}

// localRoots maps each watched directory to the source string it was
// installed from.
func (h *Host) localRoots() map[string]string {
	roots := make(map[string]string)
	for _, inst := range h.registry.List() {
		src, err := source.Parse(inst.Source)
		if err != nil || src.Kind != source.KindLocal {
			continue
		}
		abs, err := filepath.Abs(src.Path)
		if err != nil {
			continue
		}
		if fi, err := os.Stat(abs); err == nil && fi.IsDir() {
			roots[abs] = inst.Source
		}
	}
	return roots
}

func owner(roots map[string]string, path string) (string, string) {
	for root, raw := range roots {
		rel, err := filepath.Rel(root, path)
		if err == nil && rel != ".." && !filepath.IsAbs(rel) && (len(rel) < 3 || rel[:3] != ".."+string(filepath.Separator)) {
			return root, raw
		}
	}
	return "", ""
}

func addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if info.Name() == ".git" {
				return filepath.SkipDir
			}
			return watcher.Add(path)
		}
		return nil
	})
}
