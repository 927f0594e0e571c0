package simplevariants

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/google/uuid"
)

const keyLockShards = 64

// variantLockKey names the lock serializing writes to one variant row.
func variantLockKey(imageID uuid.UUID, size SizeClass) string {
	return fmt.Sprintf("variant:%s:%d", imageID, size)
}

// MemoryKeyLocker is an in-process KeyLocker. Lock state is kept in sharded
// maps and dropped once no goroutine holds or waits for a key.
type MemoryKeyLocker struct {
	shards [keyLockShards]keyLockShard
}

type keyLockShard struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

func NewMemoryKeyLocker() *MemoryKeyLocker {
	l := &MemoryKeyLocker{}
	for i := range l.shards {
		l.shards[i].locks = make(map[string]*keyLock)
	}
	return l
}

func (l *MemoryKeyLocker) shard(key string) *keyLockShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &l.shards[h.Sum32()%keyLockShards]
}

// Lock blocks until key is free or ctx is done.
func (l *MemoryKeyLocker) Lock(ctx context.Context, key string) (func(), error) {
	s := l.shard(key)

	s.mu.Lock()
	kl, ok := s.locks[key]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		s.locks[key] = kl
	}
	kl.refs++
	s.mu.Unlock()

	select {
	case kl.sem <- struct{}{}:
	case <-ctx.Done():
		s.release(key, kl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.sem
			s.release(key, kl)
		})
	}, nil
}

func (s *keyLockShard) release(key string, kl *keyLock) {
	s.mu.Lock()
	kl.refs--
	if kl.refs == 0 {
		delete(s.locks, key)
	}
	s.mu.Unlock()
}
