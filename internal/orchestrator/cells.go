package orchestrator

import (
	"fmt"

	"github.com/hochfrequenz/cellrun/internal/domain"
)

// AddCell appends an idle cell. An empty id gets a generated one.
func (o *Orchestrator) AddCell(id, source string) (domain.Cell, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if id == "" {
		id = o.cfg.NewID()
	}
	if _, exists := o.index[id]; exists {
		return domain.Cell{}, fmt.Errorf("%w: %s", ErrDuplicateCell, id)
	}
	cell := &domain.Cell{ID: id, Source: source, Status: domain.CellIdle}
	o.cells = append(o.cells, cell)
	o.index[id] = cell
	return *cell.Clone(), nil
}

// LoadCells replaces every cell. It is refused while anything is running.
func (o *Orchestrator) LoadCells(cells []domain.Cell) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.run != nil || o.batch != nil {
		return ErrSingleFlight
	}

	index := make(map[string]*domain.Cell, len(cells))
	list := make([]*domain.Cell, 0, len(cells))
	for _, c := range cells {
		if _, exists := index[c.ID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateCell, c.ID)
		}
		cell := &domain.Cell{ID: c.ID, Source: c.Source, Status: domain.CellIdle}
		list = append(list, cell)
		index[c.ID] = cell
	}
	o.cells = list
	o.index = index
	return nil
}

// ReloadSources takes new sources for known cells that are not running and
// appends unknown ones. Cells missing from the input are kept; only the user
// deletes cells.
func (o *Orchestrator) ReloadSources(cells []domain.Cell) (updated, added int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, c := range cells {
		existing, ok := o.index[c.ID]
		if !ok {
			cell := &domain.Cell{ID: c.ID, Source: c.Source, Status: domain.CellIdle}
			o.cells = append(o.cells, cell)
			o.index[c.ID] = cell
			added++
			continue
		}
		if existing.Status == domain.CellRunning || existing.Source == c.Source {
			continue
		}
		existing.Source = c.Source
		updated++
	}
	return updated, added
}

// UpdateSource replaces a cell's source. A running cell keeps executing the
// source it was submitted with.
func (o *Orchestrator) UpdateSource(id, source string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	cell, ok := o.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCell, id)
	}
	cell.Source = source
	return nil
}

// RemoveCell deletes a cell that is not running
func (o *Orchestrator) RemoveCell(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.index[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCell, id)
	}
	if o.run != nil && o.run.rc.CellID == id {
		return fmt.Errorf("%w: cell %s is running", ErrSingleFlight, id)
	}

	delete(o.index, id)
	for i, c := range o.cells {
		if c.ID == id {
			o.cells = append(o.cells[:i], o.cells[i+1:]...)
			break
		}
	}
	return nil
}

// Cells returns copies of all cells in display order
func (o *Orchestrator) Cells() []domain.Cell {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]domain.Cell, len(o.cells))
	for i, c := range o.cells {
		out[i] = *c.Clone()
	}
	return out
}

// Cell returns a copy of one cell
func (o *Orchestrator) Cell(id string) (domain.Cell, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	c, ok := o.index[id]
	if !ok {
		return domain.Cell{}, false
	}
	return *c.Clone(), true
}

func (o *Orchestrator) orderLocked() []string {
	ids := make([]string, len(o.cells))
	for i, c := range o.cells {
		ids[i] = c.ID
	}
	return ids
}
