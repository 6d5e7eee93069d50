//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package indexer

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/panjf2000/ants/v2"

	"trpc.group/trpc-go/trpc-recall-go/log"
)

// watcher reacts to filesystem events under the docs folder. Events for one
// path coalesce while a task for it is in flight, and each task waits a
// settle delay before reading so editors that write in bursts are only
// indexed once. A failing file is logged and the watcher keeps running.
type watcher struct {
	ix     *Indexer
	fw     *fsnotify.Watcher
	pool   *ants.Pool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newWatcher(ix *Indexer) (*watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	pool, err := ants.NewPool(ix.workers)
	if err != nil {
		fw.Close()
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())

	w := &watcher{ix: ix, fw: fw, pool: pool, cancel: cancel}
	if err := w.addRecursive(ix.root); err != nil {
		w.close()
		return nil, err
	}

	w.wg.Add(1)
	go w.run(ctx)
	log.Infof("indexer: watching %s", ix.root)
	return w, nil
}

func (w *watcher) close() error {
	w.cancel()
	err := w.fw.Close()
	w.wg.Wait()
	w.pool.Release()
	return err
}

// addRecursive watches dir and every non-hidden directory below it.
func (w *watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && isHidden(d.Name()) {
			return filepath.SkipDir
		}
		return w.fw.Add(path)
	})
}

func (w *watcher) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handle(ctx, event)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			log.Warnf("indexer: watch error: %v", err)
		}
	}
}

func (w *watcher) handle(ctx context.Context, event fsnotify.Event) {
	rel, err := filepath.Rel(w.ix.root, event.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	// A new directory needs its own watch before files appear inside it.
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !isHidden(filepath.Base(event.Name)) {
				if err := w.addRecursive(event.Name); err != nil {
					log.Warnf("indexer: watch new dir %s: %v", rel, err)
				}
			}
			return
		}
	}

	if !w.ix.eligible(rel) {
		return
	}
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) &&
		!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
		return
	}
	w.schedule(ctx, rel)
}

// schedule submits one reconcile task per path; further events for the same
// path while the task is pending are dropped.
func (w *watcher) schedule(ctx context.Context, rel string) {
	w.ix.inflightMu.Lock()
	if _, busy := w.ix.inflight[rel]; busy {
		w.ix.inflightMu.Unlock()
		return
	}
	w.ix.inflight[rel] = struct{}{}
	w.ix.inflightMu.Unlock()

	w.wg.Add(1)
	err := w.pool.Submit(func() {
		defer w.wg.Done()
		defer func() {
			w.ix.inflightMu.Lock()
			delete(w.ix.inflight, rel)
			w.ix.inflightMu.Unlock()
		}()

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.ix.settleDelay):
		}
		w.reconcile(ctx, rel)
	})
	if err != nil {
		w.wg.Done()
		w.ix.inflightMu.Lock()
		delete(w.ix.inflight, rel)
		w.ix.inflightMu.Unlock()
		log.Warnf("indexer: submit watch task for %s: %v", rel, err)
	}
}

// reconcile brings one path in line with the disk: present files are
// re-indexed when their content changed, absent ones are removed.
func (w *watcher) reconcile(ctx context.Context, rel string) {
	abs := filepath.Join(w.ix.root, filepath.FromSlash(rel))
	info, err := os.Stat(abs)
	switch {
	case err == nil && info.IsDir():
		return
	case os.IsNotExist(err):
		if err := w.ix.deletePath(ctx, rel); err != nil {
			log.Warnf("indexer: remove %s failed: %v", rel, err)
		}
		return
	case err != nil:
		log.Warnf("indexer: stat %s failed: %v", rel, err)
		return
	}

	hash, err := hashFile(abs)
	if err != nil {
		log.Warnf("indexer: hash %s failed: %v", rel, err)
		return
	}
	w.ix.mu.Lock()
	entry, known := w.ix.catalog[rel]
	w.ix.mu.Unlock()
	if known && entry.FileHash == hash {
		return
	}

	if err := w.ix.indexFile(ctx, rel); err != nil {
		log.Warnf("indexer: index %s failed: %v", rel, err)
	}
}
