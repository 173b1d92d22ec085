package memcache

import (
	"container/list"
	"sync"
)

// freeList is a FIFO of unbound pages ready to be reused.
type freeList struct {
	mu    sync.Mutex
	pages *list.List
}

func newFreeList() *freeList {
	return &freeList{pages: list.New()}
}

func (f *freeList) push(p *PageBuffer) {
	f.mu.Lock()
	f.pages.PushBack(p)
	f.mu.Unlock()
}

func (f *freeList) pop() (*PageBuffer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e := f.pages.Front()
	if e == nil {
		return nil, false
	}
	return f.pages.Remove(e).(*PageBuffer), true
}

func (f *freeList) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pages.Len()
}
