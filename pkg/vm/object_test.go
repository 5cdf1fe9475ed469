package vm

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/example/diskpager/pkg/fs"
)

const testPageSize = 4096

// testPager is an in-memory pager. Offsets listed in holes read as
// write-locked zero pages; unlockErr is returned from UnlockPage.
type testPager struct {
	mu        sync.Mutex
	store     map[int64][]byte
	holes     map[int64]bool
	reads     int
	unlocks   []int64
	writes    []int64
	unlockErr error
	gate      chan struct{}
	cleared   int
}

func newTestPager() *testPager {
	return &testPager{
		store: make(map[int64][]byte),
		holes: make(map[int64]bool),
	}
}

func (p *testPager) ReadPage(off int64) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads++
	buf := make([]byte, testPageSize)
	if p.holes[off] {
		return buf, true, nil
	}
	copy(buf, p.store[off])
	return buf, false, nil
}

func (p *testPager) WritePage(off int64, buf []byte) error {
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, off)
	p.store[off] = append([]byte(nil), buf...)
	return nil
}

func (p *testPager) UnlockPage(off int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unlockErr != nil {
		return p.unlockErr
	}
	p.unlocks = append(p.unlocks, off)
	delete(p.holes, off)
	return nil
}

func (p *testPager) ReportExtent() (int64, int64, error) {
	return 0, 4 * testPageSize, nil
}

func (p *testPager) ClearUserData() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleared++
}

func newTestObject(p *testPager, mayCache bool) *Object {
	return NewObject(p, ObjectConfig{
		PageSize: testPageSize,
		MayCache: mayCache,
		Copy:     CopyDelay,
		Name:     "test",
	})
}

func TestReadFaultsOnce(t *testing.T) {
	p := newTestPager()
	p.store[testPageSize] = bytes.Repeat([]byte{'x'}, testPageSize)
	obj := newTestObject(p, false)

	buf := make([]byte, 100)
	for i := 0; i < 3; i++ {
		if _, err := obj.ReadAt(buf, testPageSize+10); err != nil {
			t.Fatalf("ReadAt failed: %v", err)
		}
	}
	if p.reads != 1 {
		t.Errorf("ReadPage called %d times, want 1", p.reads)
	}
	if !bytes.Equal(buf, bytes.Repeat([]byte{'x'}, 100)) {
		t.Error("Unexpected data")
	}
}

func TestReadAcrossPages(t *testing.T) {
	p := newTestPager()
	p.store[0] = bytes.Repeat([]byte{'a'}, testPageSize)
	p.store[testPageSize] = bytes.Repeat([]byte{'b'}, testPageSize)
	obj := newTestObject(p, false)

	buf := make([]byte, 4)
	n, err := obj.ReadAt(buf, testPageSize-2)
	if err != nil || n != 4 {
		t.Fatalf("ReadAt = %d, %v", n, err)
	}
	if string(buf) != "aabb" {
		t.Errorf("ReadAt data = %q, want %q", buf, "aabb")
	}
}

func TestWriteUnlocksHole(t *testing.T) {
	p := newTestPager()
	p.holes[0] = true
	obj := newTestObject(p, false)

	if _, err := obj.WriteAt([]byte("hello"), 3); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	if _, err := obj.WriteAt([]byte("!"), 8); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	if diff := cmp.Diff([]int64{0}, p.unlocks); diff != "" {
		t.Errorf("unlocks mismatch (-want +got):\n%s", diff)
	}

	st := obj.Stats()
	if st.Dirty != 1 || st.WriteLocked != 0 {
		t.Errorf("Stats = %+v, want one dirty unlocked page", st)
	}

	if err := obj.Sync(true); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if got := string(p.store[0][:9]); got != "\x00\x00\x00hello!" {
		t.Errorf("Written page = %q", got)
	}
	if st := obj.Stats(); st.Dirty != 0 {
		t.Errorf("Dirty = %d after sync, want 0", st.Dirty)
	}
}

func TestWriteUnlockFailure(t *testing.T) {
	p := newTestPager()
	p.holes[0] = true
	p.unlockErr = fs.ErrLastBlock
	obj := newTestObject(p, false)

	_, err := obj.WriteAt([]byte("x"), 0)
	if !errors.Is(err, fs.ErrIO) {
		t.Errorf("WriteAt = %v, want I/O error", err)
	}
	if st := obj.Stats(); st.Dirty != 0 || st.WriteLocked != 1 {
		t.Errorf("Stats = %+v, want the page still write-locked and clean", st)
	}
}

func TestTerminateOnLastRelease(t *testing.T) {
	p := newTestPager()
	obj := newTestObject(p, false)

	r1, err := obj.MakeSendRight()
	if err != nil {
		t.Fatalf("MakeSendRight failed: %v", err)
	}
	r2, err := obj.MakeSendRight()
	if err != nil {
		t.Fatalf("MakeSendRight failed: %v", err)
	}
	if r1.ID() == r2.ID() {
		t.Error("Send rights share an ID")
	}
	if _, err := obj.WriteAt([]byte("data"), 0); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}

	r1.Release()
	r1.Release()
	if p.cleared != 0 {
		t.Fatal("Object terminated with a right outstanding")
	}

	r2.Release()
	select {
	case <-obj.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Object did not terminate")
	}
	if p.cleared != 1 {
		t.Errorf("ClearUserData called %d times, want 1", p.cleared)
	}
	if diff := cmp.Diff([]int64{0}, p.writes); diff != "" {
		t.Errorf("dirty page not written during termination (-want +got):\n%s", diff)
	}

	if obj.Reference() {
		t.Error("Reference succeeded on a terminated object")
	}
	if _, err := obj.MakeSendRight(); !errors.Is(err, ErrTerminated) {
		t.Errorf("MakeSendRight = %v, want ErrTerminated", err)
	}
	if _, err := obj.ReadAt(make([]byte, 1), 0); !errors.Is(err, ErrTerminated) {
		t.Errorf("ReadAt = %v, want ErrTerminated", err)
	}
}

func TestSoftReference(t *testing.T) {
	p := newTestPager()
	obj := newTestObject(p, true)

	r, err := obj.MakeSendRight()
	if err != nil {
		t.Fatalf("MakeSendRight failed: %v", err)
	}
	r.Release()
	if p.cleared != 0 {
		t.Fatal("Cached object terminated on last release")
	}

	// A temporary reference around the attribute change defers termination
	// to the final Unreference.
	if !obj.Reference() {
		t.Fatal("Reference failed on cached object")
	}
	obj.ChangeAttributes(false, CopyDelay)
	if p.cleared != 0 {
		t.Fatal("Object terminated while referenced")
	}
	obj.Unreference()
	if p.cleared != 1 {
		t.Errorf("ClearUserData called %d times, want 1", p.cleared)
	}
}

func TestChangeAttributesTerminatesIdleObject(t *testing.T) {
	p := newTestPager()
	obj := newTestObject(p, true)
	obj.ChangeAttributes(false, CopyNone)
	if p.cleared != 1 {
		t.Errorf("ClearUserData called %d times, want 1", p.cleared)
	}
}

func TestShutdown(t *testing.T) {
	p := newTestPager()
	obj := newTestObject(p, true)
	if _, err := obj.WriteAt([]byte("z"), testPageSize); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	if err := obj.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if len(p.writes) != 1 {
		t.Errorf("Shutdown wrote %d pages, want 1", len(p.writes))
	}
	if _, err := obj.ReadAt(make([]byte, 1), 0); !errors.Is(err, fs.ErrShutdown) {
		t.Errorf("ReadAt = %v, want ErrShutdown", err)
	}
	if _, err := obj.MakeSendRight(); !errors.Is(err, fs.ErrShutdown) {
		t.Errorf("MakeSendRight = %v, want ErrShutdown", err)
	}
	if !obj.Reference() {
		t.Error("Reference should still succeed on a shut down object")
	}
	obj.Unreference()
}

func TestAsyncSync(t *testing.T) {
	p := newTestPager()
	p.gate = make(chan struct{})
	obj := newTestObject(p, false)
	if _, err := obj.WriteAt([]byte("async"), 0); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}

	returned := make(chan error, 1)
	go func() { returned <- obj.Sync(false) }()
	select {
	case err := <-returned:
		if err != nil {
			t.Fatalf("Sync(false) failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Sync(false) blocked on write-back")
	}

	close(p.gate)
	obj.Wait()
	if len(p.writes) != 1 {
		t.Errorf("Background sync wrote %d pages, want 1", len(p.writes))
	}
}

func TestExtentAndAttributes(t *testing.T) {
	obj := newTestObject(newTestPager(), true)
	base, size, err := obj.Extent()
	if err != nil || base != 0 || size != 4*testPageSize {
		t.Errorf("Extent() = %d, %d, %v", base, size, err)
	}
	obj.ChangeAttributes(true, CopyCall)
	if mayCache, copy := obj.Attributes(); !mayCache || copy != CopyCall {
		t.Errorf("Attributes() = %v, %v", mayCache, copy)
	}
	if CopyDelay.String() != "delay" {
		t.Errorf("CopyDelay.String() = %q", CopyDelay.String())
	}
}
