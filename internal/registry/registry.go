// Package registry tracks the known log entities and serializes every
// change to their extraction state.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tinytelemetry/logtt/internal/logging"
	"github.com/tinytelemetry/logtt/internal/model"
)

// FormatValidator reports whether a format can be resolved.
type FormatValidator interface {
	Validate(spec model.FormatSpec) error
}

// Registry is the in-memory view of the log entities, written through to
// an EntityStore. All methods are safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	store    model.EntityStore
	formats  FormatValidator
	log      *logging.Logger
	entities map[int64]*model.LogEntity
	byName   map[string]int64
}

// New loads the persisted entities. Entities left Extracting by a previous
// process are marked Interrupted, since their run did not finish.
func New(store model.EntityStore, formats FormatValidator, logger *logging.Logger) (*Registry, error) {
	r := &Registry{
		store:    store,
		formats:  formats,
		log:      logger.WithComponent("registry"),
		entities: make(map[int64]*model.LogEntity),
		byName:   make(map[string]int64),
	}

	list, err := store.ListEntities()
	if err != nil {
		return nil, fmt.Errorf("load entities: %w", err)
	}
	for i := range list {
		e := list[i]
		if e.Status == model.StatusExtracting {
			e.Status = model.StatusInterrupted
			e.LastError = model.ErrInterrupted.Error()
			if err := store.UpdateEntity(e); err != nil {
				return nil, fmt.Errorf("recover entity %d: %w", e.ID, err)
			}
			r.log.Warn().Int64("log_id", e.ID).Str("name", e.Name).Msg("extraction did not finish, marked interrupted")
		}
		r.entities[e.ID] = &e
		r.byName[e.Name] = e.ID
	}
	return r, nil
}

// Register creates an entity. Names are unique and compared exactly.
func (r *Registry) Register(name string, source model.SourceDescriptor, format model.FormatSpec) (model.LogEntity, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.LogEntity{}, errors.New("log name is required")
	}
	source = source.WithDefaults()
	if err := source.Validate(); err != nil {
		return model.LogEntity{}, err
	}
	if r.formats != nil {
		if err := r.formats.Validate(format); err != nil {
			return model.LogEntity{}, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return model.LogEntity{}, fmt.Errorf("%q: %w", name, model.ErrDuplicateName)
	}

	e := model.LogEntity{
		Name:   name,
		Source: source,
		Format: format,
		Status: model.StatusNotExtracted,
	}
	if err := r.store.InsertEntity(&e); err != nil {
		return model.LogEntity{}, err
	}
	r.entities[e.ID] = &e
	r.byName[e.Name] = e.ID
	r.log.Info().Int64("log_id", e.ID).Str("name", e.Name).Str("source", source.URI()).
		Str("format", format.String()).Msg("registered log")
	return e, nil
}

// Remove deletes an entity and its results. It fails with ErrJobActive
// while the entity is extracting.
func (r *Registry) Remove(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entities[id]
	if !ok {
		return fmt.Errorf("log %d: %w", id, model.ErrNotFound)
	}
	if e.Status == model.StatusExtracting {
		return fmt.Errorf("log %d: %w", id, model.ErrJobActive)
	}
	if err := r.store.DeleteEntity(id); err != nil {
		return err
	}
	delete(r.entities, id)
	delete(r.byName, e.Name)
	r.log.Info().Int64("log_id", id).Str("name", e.Name).Msg("removed log")
	return nil
}

// Get returns a copy of one entity.
func (r *Registry) Get(id int64) (model.LogEntity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entities[id]
	if !ok {
		return model.LogEntity{}, fmt.Errorf("log %d: %w", id, model.ErrNotFound)
	}
	return *e, nil
}

// Lookup returns the entity registered under name.
func (r *Registry) Lookup(name string) (model.LogEntity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byName[name]
	if !ok {
		return model.LogEntity{}, fmt.Errorf("log %q: %w", name, model.ErrNotFound)
	}
	return *r.entities[id], nil
}

// SortKey orders List results.
type SortKey string

const (
	SortByID      SortKey = "id"
	SortByName    SortKey = "name"
	SortByCreated SortKey = "created"
)

// ListOptions filters and orders List.
type ListOptions struct {
	// NameContains keeps entities whose name contains it, case-insensitively.
	NameContains string
	Sort         SortKey
	Descending   bool
}

// List returns copies of the entities matching opts, ordered by id unless
// another key is given.
func (r *Registry) List(opts ListOptions) []model.LogEntity {
	r.mu.Lock()
	out := make([]model.LogEntity, 0, len(r.entities))
	needle := strings.ToLower(opts.NameContains)
	for _, e := range r.entities {
		if needle != "" && !strings.Contains(strings.ToLower(e.Name), needle) {
			continue
		}
		out = append(out, *e)
	}
	r.mu.Unlock()

	less := func(a, b model.LogEntity) bool { return a.ID < b.ID }
	switch opts.Sort {
	case SortByName:
		less = func(a, b model.LogEntity) bool {
			if a.Name != b.Name {
				return a.Name < b.Name
			}
			return a.ID < b.ID
		}
	case SortByCreated:
		less = func(a, b model.LogEntity) bool {
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.ID < b.ID
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if opts.Descending {
			return less(out[j], out[i])
		}
		return less(out[i], out[j])
	})
	return out
}

// BeginExtraction moves an entity to Extracting. It fails with
// ErrAlreadyRunning, leaving the entity untouched, when a run is active.
// A format with a kind replaces the registered one for this and later runs.
// The returned function restores the previous state; the caller uses it
// when the run cannot start after all.
func (r *Registry) BeginExtraction(id int64, method string, format model.FormatSpec) (model.LogEntity, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entities[id]
	if !ok {
		return model.LogEntity{}, nil, fmt.Errorf("log %d: %w", id, model.ErrNotFound)
	}
	if e.Status == model.StatusExtracting {
		return model.LogEntity{}, nil, fmt.Errorf("log %d: %w", id, model.ErrAlreadyRunning)
	}

	prev := *e
	next := *e
	next.Status = model.StatusExtracting
	next.Progress = 0
	next.ExtractMethod = method
	next.LastError = ""
	if format.Kind != "" {
		next.Format = format
	}
	if err := r.store.UpdateEntity(next); err != nil {
		return model.LogEntity{}, nil, err
	}
	*e = next

	restore := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		cur, ok := r.entities[id]
		if !ok || cur.Status != model.StatusExtracting {
			return
		}
		if err := r.store.UpdateEntity(prev); err != nil {
			r.log.Error().Err(err).Int64("log_id", id).Msg("restore entity state failed")
		}
		*cur = prev
	}
	return next, restore, nil
}

// SetProgress records the progress of an active run. Progress updates for
// entities that are no longer extracting are ignored.
func (r *Registry) SetProgress(id int64, progress float64, lines int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entities[id]
	if !ok || e.Status != model.StatusExtracting {
		return
	}
	e.Progress = progress
	e.LineCount = lines
}

// FinishExtraction records a terminal outcome. A Failed run reverts the
// entity to NotExtracted with the error kept in LastError.
func (r *Registry) FinishExtraction(id int64, status model.Status, lines int64, runErr error) (model.LogEntity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entities[id]
	if !ok {
		return model.LogEntity{}, fmt.Errorf("log %d: %w", id, model.ErrNotFound)
	}

	next := *e
	next.LastError = ""
	if runErr != nil {
		next.LastError = runErr.Error()
	}
	switch status {
	case model.StatusExtracted:
		next.Status = model.StatusExtracted
		next.Progress = 1
		next.LineCount = lines
	case model.StatusInterrupted:
		next.Status = model.StatusInterrupted
		next.LineCount = lines
	case model.StatusFailed:
		next.Status = model.StatusNotExtracted
		next.Progress = 0
		next.LineCount = 0
	default:
		return model.LogEntity{}, fmt.Errorf("finish log %d: status %q is not terminal", id, status)
	}
	if err := r.store.UpdateEntity(next); err != nil {
		return model.LogEntity{}, err
	}
	*e = next
	return next, nil
}
