// Package chain runs dependent work items one after another, each building on
// the branch produced by its predecessor, persisting the chain after every
// transition so an interrupted run can be resumed.
package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/dispatch/internal/scheduler"
)

var (
	// ErrEmptyChain is returned when a chain has no items.
	ErrEmptyChain = errors.New("chain has no items")
	// ErrNotFound is returned by stores for unknown chain IDs.
	ErrNotFound = errors.New("chain not found")
)

// Item is one link of a chain.
type Item struct {
	Item            scheduler.WorkItem   `json:"item"`
	Order           int                  `json:"order"`
	Status          scheduler.ItemStatus `json:"status"`
	Branch          string               `json:"branch,omitempty"`
	DependsOnBranch string               `json:"depends_on_branch,omitempty"`
	StartedAt       *time.Time           `json:"started_at,omitempty"`
	CompletedAt     *time.Time           `json:"completed_at,omitempty"`
	SessionRef      string               `json:"session_ref,omitempty"`
	Error           string               `json:"error,omitempty"`
}

// ID returns the underlying work item's ID.
func (i *Item) ID() string {
	return i.Item.ID
}

// Chain is the unit of persistence for a sequential run.
type Chain struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	BaseBranch  string               `json:"base_branch"`
	Items       []*Item              `json:"items"`
	Status      scheduler.ItemStatus `json:"status"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
}

// Store persists chains. SaveChain must replace the stored record atomically.
type Store interface {
	SaveChain(ctx context.Context, c *Chain) error
	LoadChain(ctx context.Context, id string) (*Chain, error)
}

// New creates a pending chain over items in the given order.
func New(name, baseBranch string, items []scheduler.WorkItem) *Chain {
	now := time.Now().UTC()
	c := &Chain{
		ID:         uuid.NewString(),
		Name:       name,
		BaseBranch: baseBranch,
		Status:     scheduler.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for i, item := range items {
		wi := item.Clone()
		wi.Status = scheduler.StatusPending
		wi.Error = ""
		c.Items = append(c.Items, &Item{Item: *wi, Order: i, Status: scheduler.StatusPending})
	}
	return c
}

// Validate checks the chain has items with unique, non-empty IDs.
func (c *Chain) Validate() error {
	if c == nil || len(c.Items) == 0 {
		return ErrEmptyChain
	}
	items := make([]*scheduler.WorkItem, 0, len(c.Items))
	for i, it := range c.Items {
		if it == nil {
			return fmt.Errorf("chain item %d is nil", i)
		}
		items = append(items, &it.Item)
	}
	return scheduler.ValidateItems(items)
}

// Summary counts the terminal outcomes of the chain's items.
func (c *Chain) Summary() scheduler.Summary {
	s := scheduler.Summary{Total: len(c.Items)}
	for _, it := range c.Items {
		s.Add(it.Status)
	}
	return s
}

// Failures maps failed and skipped item IDs to their diagnostics.
func (c *Chain) Failures() map[string]string {
	out := make(map[string]string)
	for _, it := range c.Items {
		if it.Status == scheduler.StatusFailed || it.Status == scheduler.StatusSkipped {
			out[it.ID()] = it.Error
		}
	}
	return out
}

// Clone returns a deep copy of the chain.
func (c *Chain) Clone() *Chain {
	if c == nil {
		return nil
	}
	cp := *c
	cp.CompletedAt = cloneTime(c.CompletedAt)
	cp.Items = make([]*Item, 0, len(c.Items))
	for _, it := range c.Items {
		ic := *it
		ic.Item = *it.Item.Clone()
		ic.StartedAt = cloneTime(it.StartedAt)
		ic.CompletedAt = cloneTime(it.CompletedAt)
		cp.Items = append(cp.Items, &ic)
	}
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
