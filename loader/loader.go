// Package loader is the entry point for obtaining a runnable model: it routes
// a model name and source descriptor to the cache, to direct structured
// loading, or to the full detect, resolve, remap and assemble pipeline.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/diffusekit/diffusekit/cache"
	"github.com/diffusekit/diffusekit/convert"
	"github.com/diffusekit/diffusekit/model"
)

// SourceNotFound is returned when no usable source exists for the requested
// model name.
type SourceNotFound struct {
	Name string
}

func (e *SourceNotFound) Error() string {
	return fmt.Sprintf("no source found for model %q", e.Name)
}

// Source describes where a model comes from. The set is closed: a structured
// directory, a downloadable reference, or a raw checkpoint file.
type Source interface {
	source()
}

// Directory is a pre-structured model directory, loaded as is.
type Directory struct {
	Path string
}

// Download references a checkpoint hosted in a remote repository, retrieved
// through the ArtifactFetcher collaborator before conversion.
type Download struct {
	RepoID     string
	Filename   string
	ConfigFile string // optional structural config in the same repository
	VAEFile    string // optional image codec override in the same repository
	Keyword    string

	// PredictionType, when set, is a catalog-declared training target that
	// overrides whatever detection infers from the checkpoint.
	PredictionType convert.PredictionType
}

// File is a raw legacy checkpoint on local disk.
type File struct {
	Path       string
	ConfigPath string // optional explicit structural config
	VAEPath    string // optional image codec override
	Keywords   string
}

func (Directory) source() {}
func (Download) source()  {}
func (File) source()      {}

// ArtifactFetcher retrieves remote files. Network retrieval is delegated
// entirely to this collaborator; the pipeline only sees local paths.
type ArtifactFetcher interface {
	Fetch(ctx context.Context, repoID, filename string) (string, error)
}

// Options are applied after a model is loaded.
type Options struct {
	Attention model.AttentionMode

	// Placement optionally moves the model onto an accelerator once
	// assembled.
	Placement model.Placement
}

// Metadata accompanies a loaded model.
type Metadata struct {
	PredictionType convert.PredictionType
	Keyword        string
}

type Loader struct {
	cache   *cache.Manager
	fetcher ArtifactFetcher
	group   singleflight.Group
}

func New(c *cache.Manager, fetcher ArtifactFetcher) *Loader {
	return &Loader{cache: c, fetcher: fetcher}
}

// Load resolves name to a runnable model. The cache is consulted first; on a
// miss the source is converted, assembled and stored. Conversions for the
// same name are deduplicated: concurrent first-time requests share a single
// conversion instead of racing on the cache entry.
func (l *Loader) Load(ctx context.Context, name string, src Source, opts Options) (*model.Model, Metadata, error) {
	if m, md, err := l.cached(name); err == nil {
		return finish(m, md, opts)
	} else if !errors.Is(err, cache.ErrNotFound) {
		return nil, Metadata{}, err
	}

	if src == nil {
		return nil, Metadata{}, &SourceNotFound{Name: name}
	}

	if dir, ok := src.(Directory); ok {
		m, mf, err := cache.LoadDir(dir.Path)
		if err != nil {
			return nil, Metadata{}, err
		}
		return finish(m, metadata(mf), opts)
	}

	type converted struct {
		m  *model.Model
		md Metadata
	}

	v, err, shared := l.group.Do(name, func() (any, error) {
		m, md, err := l.convert(ctx, name, src)
		if err != nil {
			return nil, err
		}
		return converted{m, md}, nil
	})
	if err != nil {
		return nil, Metadata{}, err
	}

	if shared {
		slog.Debug("conversion shared with concurrent request", "name", name)
	}

	c := v.(converted)
	return finish(c.m, c.md, opts)
}

func (l *Loader) cached(name string) (*model.Model, Metadata, error) {
	m, mf, err := l.cache.Lookup(name)
	if err != nil {
		return nil, Metadata{}, err
	}

	slog.Debug("loaded model from cache", "name", name)
	return m, metadata(mf), nil
}

// convert runs the full pipeline for a raw or downloadable source and
// persists the result.
func (l *Loader) convert(ctx context.Context, name string, src Source) (*model.Model, Metadata, error) {
	var path string
	var opts convert.Options
	var keyword string
	var prediction convert.PredictionType

	switch s := src.(type) {
	case File:
		path = s.Path
		opts.ConfigPath = s.ConfigPath
		opts.VAEPath = s.VAEPath
		keyword = s.Keywords
	case Download:
		if l.fetcher == nil {
			return nil, Metadata{}, &SourceNotFound{Name: name}
		}

		var err error
		if path, err = l.fetcher.Fetch(ctx, s.RepoID, s.Filename); err != nil {
			return nil, Metadata{}, fmt.Errorf("fetching %s/%s: %w", s.RepoID, s.Filename, err)
		}
		if s.ConfigFile != "" {
			if opts.ConfigPath, err = l.fetcher.Fetch(ctx, s.RepoID, s.ConfigFile); err != nil {
				return nil, Metadata{}, fmt.Errorf("fetching %s/%s: %w", s.RepoID, s.ConfigFile, err)
			}
		}
		if s.VAEFile != "" {
			if opts.VAEPath, err = l.fetcher.Fetch(ctx, s.RepoID, s.VAEFile); err != nil {
				return nil, Metadata{}, fmt.Errorf("fetching %s/%s: %w", s.RepoID, s.VAEFile, err)
			}
		}
		keyword = s.Keyword
		prediction = s.PredictionType
	default:
		return nil, Metadata{}, &SourceNotFound{Name: name}
	}

	if err := ctx.Err(); err != nil {
		return nil, Metadata{}, err
	}

	r, err := convert.ConvertFile(path, opts)
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("converting %s: %w", name, err)
	}

	if prediction != "" {
		r.Configs.Variant.Prediction = prediction
		r.Configs.Scheduler.PredictionType = prediction
	}

	m, err := model.Assemble(r)
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("assembling %s: %w", name, err)
	}

	if err := l.cache.Store(name, m, cache.Manifest{Keyword: keyword}); err != nil {
		return nil, Metadata{}, fmt.Errorf("caching %s: %w", name, err)
	}

	return m, Metadata{PredictionType: m.PredictionType, Keyword: keyword}, nil
}

func metadata(mf *cache.Manifest) Metadata {
	if mf == nil {
		return Metadata{}
	}
	return Metadata{PredictionType: mf.PredictionType, Keyword: mf.Keyword}
}

func finish(m *model.Model, md Metadata, opts Options) (*model.Model, Metadata, error) {
	m.AttentionMode = opts.Attention

	if opts.Placement != nil {
		if err := opts.Placement.Place(m); err != nil {
			return nil, Metadata{}, fmt.Errorf("placing model: %w", err)
		}
	}

	return m, md, nil
}
