// Package registry owns the canonical set of characters per project: alias
// matching with a nickname table, frequency and recency bookkeeping, atomic
// merges, and deterministic conflict resolution.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"fable/internal/logging"
	"fable/internal/services"
	"fable/internal/store"
)

// Registry serializes all character mutation for a project. Concurrent
// analysis completions proposing or merging characters for the same project
// take the registry mutex; the store transaction keeps persisted references
// consistent.
type Registry struct {
	store  *store.Store
	logger *slog.Logger

	mu       sync.Mutex
	projects map[string]*projectIndex
}

type projectIndex struct {
	byID    map[int64]*store.Character
	aliasTo map[string]int64
	nickTo  map[string]int64
}

// New returns a registry backed by the given store.
func New(st *store.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Registry{
		store:    st,
		logger:   logging.NewComponentLogger(logger, "registry"),
		projects: make(map[string]*projectIndex),
	}
}

// Load refreshes the in-memory index for a project from the store.
func (r *Registry) Load(ctx context.Context, projectID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.loadLocked(ctx, projectID, true)
	return err
}

func (r *Registry) loadLocked(ctx context.Context, projectID string, force bool) (*projectIndex, error) {
	if idx, ok := r.projects[projectID]; ok && !force {
		return idx, nil
	}

	characters, err := r.store.ListCharacters(ctx, projectID)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "registry", "load", "list characters", err)
	}
	aliases, err := r.store.ListAliases(ctx, projectID)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "registry", "load", "list aliases", err)
	}

	idx := &projectIndex{
		byID:    make(map[int64]*store.Character, len(characters)),
		aliasTo: make(map[string]int64, len(aliases)),
		nickTo:  make(map[string]int64, len(aliases)),
	}
	for _, ch := range characters {
		idx.byID[ch.ID] = ch
	}
	for _, alias := range aliases {
		idx.aliasTo[alias.Alias] = alias.CharacterID
		if key := nicknameKey(alias.Alias); key != alias.Alias {
			idx.nickTo[key] = alias.CharacterID
		}
	}
	r.projects[projectID] = idx
	return idx, nil
}

// Lookup resolves a surface form to a character id without mutating state.
func (r *Registry) Lookup(ctx context.Context, projectID, name string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, err := r.loadLocked(ctx, projectID, false)
	if err != nil {
		return 0, false
	}
	return lookupIndex(idx, normalizeName(name))
}

func lookupIndex(idx *projectIndex, normalized string) (int64, bool) {
	if normalized == "" {
		return 0, false
	}
	if id, ok := idx.aliasTo[normalized]; ok {
		return id, true
	}
	key := nicknameKey(normalized)
	if id, ok := idx.aliasTo[key]; ok {
		return id, true
	}
	if id, ok := idx.nickTo[key]; ok {
		return id, true
	}
	return 0, false
}

// View adapts the registry to the segmenter's read-only lookup surface.
func (r *Registry) View(projectID string) ProjectView {
	return ProjectView{registry: r, projectID: projectID}
}

// ProjectView is a project-scoped read-only registry handle.
type ProjectView struct {
	registry  *Registry
	projectID string
}

// Lookup resolves a name to a character id.
func (v ProjectView) Lookup(name string) (int64, bool) {
	return v.registry.Lookup(context.Background(), v.projectID, name)
}

// Propose resolves a name candidate to a canonical character: an alias or
// nickname match increments frequency and absorbs the new surface form; no
// match creates a fresh character with frequency 1.
func (r *Registry) Propose(ctx context.Context, projectID, name string, segmentID int64, aliasHints ...string) (*store.Character, error) {
	display := strings.TrimSpace(name)
	normalized := normalizeName(display)
	if normalized == "" {
		return nil, services.Wrap(services.ErrValidation, "registry", "propose", fmt.Sprintf("unusable name candidate %q", name), nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	idx, err := r.loadLocked(ctx, projectID, false)
	if err != nil {
		return nil, err
	}

	if id, ok := lookupIndex(idx, normalized); ok {
		ch := idx.byID[id]
		ch.Frequency++
		if segmentID > ch.LastSeenSegment {
			ch.LastSeenSegment = segmentID
		}
		if err := r.store.UpdateCharacter(ctx, ch); err != nil {
			return nil, services.Wrap(services.ErrTransient, "registry", "propose", "update character", err)
		}
		if err := r.bindAliasLocked(ctx, idx, projectID, normalized, display, id); err != nil {
			return nil, err
		}
		if err := r.bindHintsLocked(ctx, idx, projectID, id, aliasHints); err != nil {
			return nil, err
		}
		copied := *ch
		return &copied, nil
	}

	created, err := r.store.InsertCharacter(ctx, &store.Character{
		ProjectID:       projectID,
		CanonicalName:   display,
		Frequency:       1,
		LastSeenSegment: segmentID,
	})
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "registry", "propose", "insert character", err)
	}
	idx.byID[created.ID] = created
	if err := r.bindAliasLocked(ctx, idx, projectID, normalized, display, created.ID); err != nil {
		return nil, err
	}
	if err := r.bindHintsLocked(ctx, idx, projectID, created.ID, aliasHints); err != nil {
		return nil, err
	}

	r.logger.Debug("character created",
		logging.String(logging.FieldProjectID, projectID),
		logging.String(logging.FieldCharacter, display),
		logging.Int64("character_id", created.ID))
	copied := *created
	return &copied, nil
}

func (r *Registry) bindHintsLocked(ctx context.Context, idx *projectIndex, projectID string, id int64, hints []string) error {
	for _, hint := range hints {
		display := strings.TrimSpace(hint)
		normalized := normalizeName(display)
		if normalized == "" {
			continue
		}
		if err := r.bindAliasLocked(ctx, idx, projectID, normalized, display, id); err != nil {
			return err
		}
	}
	return nil
}

// bindAliasLocked records a surface form for a character. Alias sets stay
// disjoint: a form already bound to another character is left untouched.
func (r *Registry) bindAliasLocked(ctx context.Context, idx *projectIndex, projectID, normalized, display string, id int64) error {
	if existing, ok := idx.aliasTo[normalized]; ok {
		if existing != id {
			r.logger.Debug("alias already bound elsewhere",
				logging.String(logging.FieldProjectID, projectID),
				logging.String("alias", normalized),
				logging.Int64("bound_to", existing))
		}
		return nil
	}
	if err := r.store.InsertAlias(ctx, store.Alias{
		ProjectID:   projectID,
		Alias:       normalized,
		Display:     display,
		CharacterID: id,
	}); err != nil {
		return services.Wrap(services.ErrTransient, "registry", "propose", "insert alias", err)
	}
	idx.aliasTo[normalized] = id
	if key := nicknameKey(normalized); key != normalized {
		if _, taken := idx.nickTo[key]; !taken {
			idx.nickTo[key] = id
		}
	}
	return nil
}

// Merge folds loser into winner atomically: segments are reassigned, alias
// sets union, frequencies sum, and the loser id disappears. Serializes with
// concurrent Propose calls for the project.
func (r *Registry) Merge(ctx context.Context, projectID string, winnerID, loserID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, err := r.loadLocked(ctx, projectID, false)
	if err != nil {
		return err
	}
	winner, ok := idx.byID[winnerID]
	if !ok {
		return services.Wrap(services.ErrNotFound, "registry", "merge", fmt.Sprintf("character %d not found", winnerID), nil)
	}
	loser, ok := idx.byID[loserID]
	if !ok {
		return services.Wrap(services.ErrNotFound, "registry", "merge", fmt.Sprintf("character %d not found", loserID), nil)
	}

	if err := r.store.MergeCharacters(ctx, projectID, winnerID, loserID); err != nil {
		return services.Wrap(services.ErrRegistryConflict, "registry", "merge", "merge characters", err)
	}

	winner.Frequency += loser.Frequency
	if loser.LastSeenSegment > winner.LastSeenSegment {
		winner.LastSeenSegment = loser.LastSeenSegment
	}
	for alias, id := range idx.aliasTo {
		if id == loserID {
			idx.aliasTo[alias] = winnerID
		}
	}
	for key, id := range idx.nickTo {
		if id == loserID {
			idx.nickTo[key] = winnerID
		}
	}
	delete(idx.byID, loserID)

	r.logger.Info("characters merged",
		logging.String(logging.FieldProjectID, projectID),
		logging.String(logging.FieldCharacter, winner.CanonicalName),
		logging.Int64("winner_id", winnerID),
		logging.Int64("merged_id", loserID))
	return nil
}

// ResolveConflict picks between plausible names for one speaker slot:
// highest existing frequency wins, ties favor the name most recently active
// in the narrative. The decision is logged, never an error.
func (r *Registry) ResolveConflict(ctx context.Context, projectID string, candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", services.Wrap(services.ErrValidation, "registry", "resolve_conflict", "no candidates", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	idx, err := r.loadLocked(ctx, projectID, false)
	if err != nil {
		return "", err
	}

	best := candidates[0]
	var bestFreq, bestSeen int64 = -1, -1
	for _, candidate := range candidates {
		var freq, seen int64
		name := candidate
		if id, ok := lookupIndex(idx, normalizeName(candidate)); ok {
			ch := idx.byID[id]
			freq = ch.Frequency
			seen = ch.LastSeenSegment
			name = ch.CanonicalName
		}
		if freq > bestFreq || (freq == bestFreq && seen > bestSeen) {
			best = name
			bestFreq = freq
			bestSeen = seen
		}
	}

	r.logger.Debug("conflict resolved",
		logging.String(logging.FieldProjectID, projectID),
		logging.String(logging.FieldCharacter, best),
		logging.Int("candidates", len(candidates)))
	return best, nil
}

// Characters returns a frequency-ordered snapshot of the project's cast.
func (r *Registry) Characters(ctx context.Context, projectID string) ([]store.Character, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, err := r.loadLocked(ctx, projectID, false)
	if err != nil {
		return nil, err
	}

	characters := make([]store.Character, 0, len(idx.byID))
	for _, ch := range idx.byID {
		characters = append(characters, *ch)
	}
	sort.Slice(characters, func(i, j int) bool {
		if characters[i].Frequency != characters[j].Frequency {
			return characters[i].Frequency > characters[j].Frequency
		}
		return characters[i].ID < characters[j].ID
	})
	return characters, nil
}

// CanonicalNames returns the known cast names for window snapshots.
func (r *Registry) CanonicalNames(ctx context.Context, projectID string) ([]string, error) {
	characters, err := r.Characters(ctx, projectID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(characters))
	for _, ch := range characters {
		names = append(names, ch.CanonicalName)
	}
	return names, nil
}

// SetAttributes stores analysis descriptor hints (speaking style, narrator
// flag) on a character for later voice suggestion.
func (r *Registry) SetAttributes(ctx context.Context, projectID string, characterID int64, attributesJSON string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, err := r.loadLocked(ctx, projectID, false)
	if err != nil {
		return err
	}
	ch, ok := idx.byID[characterID]
	if !ok {
		return services.Wrap(services.ErrNotFound, "registry", "set_attributes", fmt.Sprintf("character %d not found", characterID), nil)
	}
	ch.AttributesJSON = attributesJSON
	if err := r.store.UpdateCharacter(ctx, ch); err != nil {
		return services.Wrap(services.ErrTransient, "registry", "set_attributes", "update character", err)
	}
	return nil
}
