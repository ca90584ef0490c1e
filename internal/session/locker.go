package session

import "sync"

// Locker serializes work per sender. Entries are reference counted and
// removed once no goroutine holds or waits for them.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewLocker creates an empty Locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*keyLock)}
}

// Lock blocks until sender's lock is held and returns the function that releases it.
func (l *Locker) Lock(sender string) (unlock func()) {
	l.mu.Lock()
	kl, ok := l.locks[sender]
	if !ok {
		kl = &keyLock{}
		l.locks[sender] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			kl.mu.Unlock()
			l.mu.Lock()
			kl.refs--
			if kl.refs == 0 {
				delete(l.locks, sender)
			}
			l.mu.Unlock()
		})
	}
}

// Active returns the number of senders currently locked or waited on.
func (l *Locker) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
