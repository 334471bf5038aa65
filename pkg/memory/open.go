package memory

import (
	"fmt"
	"path/filepath"

	"github.com/kioku-ai/kioku/pkg/store"
)

// Open builds a manager on SQLite stores rooted at cfg.StoragePath. The
// returned closer releases every opened database.
func Open(cfg Config, opts ManagerOptions) (*Manager, func() error, error) {
	cfg = cfg.withDefaults()
	if cfg.StoragePath == "" {
		return nil, nil, fmt.Errorf("storage path required")
	}

	var closers []func() error
	closeAll := func() error {
		var first error
		for _, c := range closers {
			if err := c(); err != nil && first == nil {
				first = err
			}
		}
		return first
	}

	var (
		docs    DocumentStore
		epVecs  VectorStore
		semVecs VectorStore
		graph   GraphStore
	)

	if opts.EnableEpisodic {
		d, err := store.NewDocumentStore(filepath.Join(cfg.StoragePath, "documents.db"))
		if err != nil {
			_ = closeAll()
			return nil, nil, err
		}
		closers = append(closers, d.Close)
		docs = d

		v, err := store.NewVectorStore(filepath.Join(cfg.StoragePath, "vectors.db"), "episodic")
		if err != nil {
			_ = closeAll()
			return nil, nil, err
		}
		closers = append(closers, v.Close)
		epVecs = v
	}
	if opts.EnableSemantic {
		v, err := store.NewVectorStore(filepath.Join(cfg.StoragePath, "vectors.db"), "semantic")
		if err != nil {
			_ = closeAll()
			return nil, nil, err
		}
		closers = append(closers, v.Close)
		semVecs = v

		g, err := store.NewGraphStore(filepath.Join(cfg.StoragePath, "graph.db"))
		if err != nil {
			_ = closeAll()
			return nil, nil, err
		}
		closers = append(closers, g.Close)
		graph = g
	}

	mgr, err := NewManager(cfg, opts, docs, epVecs, semVecs, graph)
	if err != nil {
		_ = closeAll()
		return nil, nil, err
	}
	return mgr, closeAll, nil
}
