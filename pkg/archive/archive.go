// Package archive keeps finished runs as JSON documents, one collection per
// experiment kind.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"sort"

	"github.com/google/uuid"
	scribble "github.com/nanobox-io/golang-scribble"

	"github.com/itohio/rcexp/pkg/experiment"
)

// ErrNotCaptured is returned when saving a result of a kind that records no samples.
var ErrNotCaptured = errors.New("run kind records no samples")

// Archive stores results under a directory.
type Archive struct {
	db *scribble.Driver
}

// Open creates the archive directory if needed.
func Open(dir string) (*Archive, error) {
	db, err := scribble.New(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", dir, err)
	}
	return &Archive{db: db}, nil
}

// Save writes res under its kind and run id, replacing any previous copy.
func (a *Archive) Save(res *experiment.Result) error {
	if !res.Kind.Captures() {
		return ErrNotCaptured
	}
	if err := a.db.Write(res.Kind.String(), res.ID.String(), res); err != nil {
		return fmt.Errorf("failed to archive run %s: %w", res.ID, err)
	}
	return nil
}

// Load reads one run.
func (a *Archive) Load(kind experiment.Kind, id uuid.UUID) (*experiment.Result, error) {
	var res experiment.Result
	if err := a.db.Read(kind.String(), id.String(), &res); err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", id, err)
	}
	return &res, nil
}

// List returns every archived run of kind, oldest first.
func (a *Archive) List(kind experiment.Kind) ([]*experiment.Result, error) {
	records, err := a.db.ReadAll(kind.String())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s runs: %w", kind, err)
	}

	results := make([]*experiment.Result, 0, len(records))
	for _, rec := range records {
		var res experiment.Result
		if err := json.Unmarshal([]byte(rec), &res); err != nil {
			log.Printf("Skipping unreadable archive record in %s: %v", kind, err)
			continue
		}
		results = append(results, &res)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].StartedAt.Before(results[j].StartedAt)
	})
	return results, nil
}

// Delete removes one run.
func (a *Archive) Delete(kind experiment.Kind, id uuid.UUID) error {
	if err := a.db.Delete(kind.String(), id.String()); err != nil {
		return fmt.Errorf("failed to delete run %s: %w", id, err)
	}
	return nil
}

// Observe archives the result carried by a run's final event. It is meant to
// be registered with Coordinator.OnEvent.
func (a *Archive) Observe(ev experiment.Event) {
	if ev.Type != experiment.Done || ev.Result == nil || !ev.Result.Kind.Captures() {
		return
	}
	if err := a.Save(ev.Result); err != nil {
		log.Printf("Archive: %v", err)
		return
	}
	log.Printf("Archived run %s (%d samples)", ev.Result.ID, len(ev.Result.Samples))
}
