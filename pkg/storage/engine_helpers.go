package storage

import "github.com/dgraph-io/badger/v4"

func (e *Engine) ensureOpen() error {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return ErrStorageClosed
	}
	return nil
}

func (e *Engine) withView(fn func(txn *badger.Txn) error) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	return e.db.View(fn)
}

func (e *Engine) withUpdate(fn func(txn *badger.Txn) error) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	return e.db.Update(fn)
}

func iterOptsKeyOnly(prefix []byte) badger.IteratorOptions {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	return opts
}

func iterOptsPrefetchValues(prefix []byte, prefetchSize int) badger.IteratorOptions {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = true
	if prefetchSize > 0 {
		opts.PrefetchSize = prefetchSize
	}
	opts.Prefix = prefix
	return opts
}
