package updater

import (
	"context"
	"sort"
	"sync"
)

// WeekLocks serializes updates that touch the same week. Without it two
// updates of one week can both read the same plan and the later save wins.
//
// Locks are taken in ascending week order so a delivery-date update that
// holds two weeks cannot deadlock with another one moving the other way.
type WeekLocks struct {
	mu    sync.Mutex
	weeks map[int]chan struct{}
}

// NewWeekLocks creates an empty lock table.
func NewWeekLocks() *WeekLocks {
	return &WeekLocks{weeks: make(map[int]chan struct{})}
}

func (l *WeekLocks) slot(week int) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.weeks[week]
	if !ok {
		ch = make(chan struct{}, 1)
		l.weeks[week] = ch
	}
	return ch
}

// Acquire locks every distinct week, waiting until they are free or ctx is
// done. The returned func releases them.
func (l *WeekLocks) Acquire(ctx context.Context, weeks ...int) (func(), error) {
	ordered := distinctSorted(weeks)
	held := make([]chan struct{}, 0, len(ordered))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}

	for _, week := range ordered {
		ch := l.slot(week)
		select {
		case ch <- struct{}{}:
			held = append(held, ch)
		case <-ctx.Done():
			release()
			return nil, context.Cause(ctx)
		}
	}
	return release, nil
}

func distinctSorted(weeks []int) []int {
	out := make([]int, 0, len(weeks))
	seen := make(map[int]bool, len(weeks))
	for _, w := range weeks {
		if w <= 0 || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	sort.Ints(out)
	return out
}
