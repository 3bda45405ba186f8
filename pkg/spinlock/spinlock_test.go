package spinlock

import (
	"sync"
	"testing"
)

func TestExclusiveMutualExclusion(t *testing.T) {
	var l Exclusive
	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.Lock()
				counter++
				l.Unlock()
			}
		}()
	}
	wg.Wait()
	if counter != 5000 {
		t.Fatalf("expected 5000, got %d", counter)
	}
}

func TestExclusiveTryLock(t *testing.T) {
	var l Exclusive
	if !l.TryLock() {
		t.Fatal("expected first TryLock to succeed")
	}
	if l.TryLock() {
		t.Fatal("expected second TryLock to fail while held")
	}
	l.Unlock()
	if !l.TryLock() {
		t.Fatal("expected TryLock to succeed after unlock")
	}
}

func TestRWSharedReaders(t *testing.T) {
	var l RW
	l.LockShared()
	l.LockShared()
	if l.TryLockExclusive() {
		t.Fatal("exclusive should not succeed while readers held")
	}
	l.UnlockShared()
	l.UnlockShared()
	if !l.TryLockExclusive() {
		t.Fatal("exclusive should succeed once readers release")
	}
	l.UnlockExclusive()
}

func TestRWUpgrade(t *testing.T) {
	var l RW
	l.LockShared()
	if !l.Upgrade() {
		t.Fatal("sole reader should be able to upgrade")
	}
	if !l.IsExclusivelyLocked() {
		t.Fatal("expected exclusive after upgrade")
	}
	l.UnlockExclusive()
}

func TestRWUpgradeFailsWithMultipleReaders(t *testing.T) {
	var l RW
	l.LockShared()
	l.LockShared()
	if l.Upgrade() {
		t.Fatal("upgrade should fail with two readers")
	}
	l.UnlockShared()
	l.UnlockShared()
}
