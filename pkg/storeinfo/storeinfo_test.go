package storeinfo

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/example/diskpager/pkg/device"
	"github.com/example/diskpager/pkg/fs"
	"github.com/example/diskpager/pkg/fs/local"
)

// fakeNode is a node whose block map is a plain slice; 0 is a hole.
type fakeNode struct {
	mu              sync.Mutex
	alloc           sync.RWMutex
	blocks          []uint64
	sectorsPerBlock uint64
}

func (n *fakeNode) Ino() uint64              { return 42 }
func (n *fakeNode) AllocLock() *sync.RWMutex { return &n.alloc }
func (n *fakeNode) StatBlocks() uint64       { return uint64(len(n.blocks)) * n.sectorsPerBlock }
func (n *fakeNode) Lock()                    { n.mu.Lock() }
func (n *fakeNode) Unlock()                  { n.mu.Unlock() }
func (n *fakeNode) RefLight()                {}
func (n *fakeNode) UnrefLight()              {}

func (n *fakeNode) AllocSize() int64 {
	return int64(n.StatBlocks()) * fs.SectorSize
}

type fakeAllocator struct {
	err error
}

func (a fakeAllocator) GetBlock(node fs.Node, index uint64, allocate bool) (uint64, error) {
	if a.err != nil {
		return 0, a.err
	}
	n := node.(*fakeNode)
	if index >= uint64(len(n.blocks)) {
		return 0, fs.ErrInvalid
	}
	if n.blocks[index] == 0 {
		return 0, fs.ErrNotAllocated
	}
	return n.blocks[index], nil
}

// sectorGeometry makes filesystem and device blocks the same size, so
// block numbers and device addresses coincide.
var sectorGeometry = fs.Geometry{PageSize: 512, FSBlockSize: 512, DevBlockSize: 512}

func newTestReporter(t *testing.T, geom fs.Geometry, class Class, alloc fs.BlockAllocator) *Reporter {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Geometry = geom
	canonical := NewDeviceStore(device.NewMem(1<<20, geom.DevBlockSize), class)
	r, err := NewReporter(cfg, canonical, alloc)
	if err != nil {
		t.Fatalf("NewReporter failed: %v", err)
	}
	return r
}

func TestRuns(t *testing.T) {
	r := newTestReporter(t, sectorGeometry, ClassDevice, fakeAllocator{})

	tests := []struct {
		name   string
		blocks []uint64
		want   []Run
	}{
		{"empty", nil, []Run{}},
		{"contiguous and hole", []uint64{100, 101, 102, 0, 200, 201}, []Run{{100, 3}, {Hole, 1}, {200, 2}}},
		{"leading holes", []uint64{0, 0, 7}, []Run{{Hole, 2}, {7, 1}}},
		{"backwards", []uint64{9, 8}, []Run{{9, 1}, {8, 1}}},
		{"trailing holes", []uint64{5, 0, 0}, []Run{{5, 1}, {Hole, 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Runs(&fakeNode{blocks: tt.blocks, sectorsPerBlock: 1})
			if err != nil {
				t.Fatalf("Runs failed: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Runs mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRunsScaleToDeviceBlocks(t *testing.T) {
	r := newTestReporter(t, fs.DefaultGeometry(), ClassDevice, fakeAllocator{})
	got, err := r.Runs(&fakeNode{blocks: []uint64{10, 11, 0}, sectorsPerBlock: 8})
	if err != nil {
		t.Fatalf("Runs failed: %v", err)
	}
	want := []Run{{80, 16}, {Hole, 8}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Runs mismatch (-want +got):\n%s", diff)
	}
}

func TestRunsErrors(t *testing.T) {
	r := newTestReporter(t, sectorGeometry, ClassDevice, fakeAllocator{err: fs.ErrCorrupt})
	n := &fakeNode{blocks: []uint64{1}, sectorsPerBlock: 1}
	if _, err := r.Runs(n); !errors.Is(err, fs.ErrCorrupt) {
		t.Errorf("Runs = %v, want the allocator error", err)
	}
	if !n.mu.TryLock() {
		t.Fatal("node lock still held after failed walk")
	}
	n.mu.Unlock()

	cfg := DefaultConfig()
	cfg.Geometry = sectorGeometry
	cfg.MaxRuns = 2
	r, err := NewReporter(cfg, NewDeviceStore(device.NewMem(1<<20, 512), ClassDevice), fakeAllocator{})
	if err != nil {
		t.Fatal(err)
	}
	n = &fakeNode{blocks: []uint64{1, 0, 3}, sectorsPerBlock: 1}
	if _, err := r.Runs(n); !errors.Is(err, fs.ErrNoMemory) {
		t.Errorf("Runs past MaxRuns = %v, want ErrNoMemory", err)
	}
	if !n.mu.TryLock() {
		t.Fatal("node lock still held after exhausted walk")
	}
	n.mu.Unlock()
}

// TestRunsMatchBlockMap expands the runs of a real store's file and checks
// them against direct lookups, block by block.
func TestRunsMatchBlockMap(t *testing.T) {
	scfg := local.DefaultConfig()
	scfg.DirectBlocks = 3
	dev := device.NewMem(1<<20, fs.SectorSize)
	store, err := local.Format(scfg, dev)
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}
	defer store.Close()

	a, _ := store.CreateNode("a")
	b, _ := store.CreateNode("b")
	// Interleave allocations so the files fragment, and leave holes in a.
	for i := int64(1); i <= 6; i++ {
		if err := store.Grow(b, i*4096); err != nil {
			t.Fatal(err)
		}
		store.GrowSparse(a, (2*i-1)*4096)
		if err := store.Grow(a, 2*i*4096); err != nil {
			t.Fatal(err)
		}
	}

	geom := fs.DefaultGeometry()
	r, err := NewReporter(DefaultConfig(), NewDeviceStore(dev, ClassDevice), store)
	if err != nil {
		t.Fatal(err)
	}
	runs, err := r.Runs(a)
	if err != nil {
		t.Fatalf("Runs failed: %v", err)
	}

	var got []int64
	for _, run := range runs {
		for i := int64(0); i < run.Length; i++ {
			if run.Start == Hole {
				got = append(got, Hole)
			} else {
				got = append(got, run.Start+i)
			}
		}
	}
	var want []int64
	devPerFS := uint64(1) << geom.DevPerFSBlockShift()
	for index := uint64(0); index < a.StatBlocks()>>geom.StatPerFSBlockShift(); index++ {
		blk, err := store.GetBlock(a, index, false)
		for j := uint64(0); j < devPerFS; j++ {
			if err != nil {
				want = append(want, Hole)
			} else {
				want = append(want, int64(blk*devPerFS+j))
			}
		}
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("expanded runs differ from block map (-want +got):\n%s", diff)
	}
}

func TestRunsForeignNode(t *testing.T) {
	dev := device.NewMem(1<<20, fs.SectorSize)
	store, err := local.Format(local.DefaultConfig(), dev)
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}
	defer store.Close()
	other, err := local.Format(local.DefaultConfig(), device.NewMem(1<<20, fs.SectorSize))
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}
	defer other.Close()

	n, _ := other.CreateNode("f")
	if err := other.Grow(n, 3*4096); err != nil {
		t.Fatal(err)
	}
	r, err := NewReporter(DefaultConfig(), NewDeviceStore(dev, ClassDevice), store)
	if err != nil {
		t.Fatal(err)
	}
	if runs, err := r.Runs(n); !errors.Is(err, fs.ErrForeignNode) {
		t.Errorf("Runs on another store's node = %v, %v; want ErrForeignNode", runs, err)
	}
	if _, err := r.StorageInfo(n, fs.Credentials{}, fs.OpenFlags{Read: true}); !errors.Is(err, fs.ErrForeignNode) {
		t.Errorf("StorageInfo on another store's node = %v, want ErrForeignNode", err)
	}
}

func TestStorageInfoPermissions(t *testing.T) {
	user := fs.Credentials{UID: 1000, GID: 1000}
	root := fs.Credentials{}
	node := &fakeNode{blocks: []uint64{100, 101, 0}, sectorsPerBlock: 1}

	tests := []struct {
		name         string
		class        Class
		flags        Flags
		cred         fs.Credentials
		open         fs.OpenFlags
		wantErr      error
		wantInactive bool
	}{
		{"root gets active descriptor", ClassFile, 0, root, fs.OpenFlags{Read: true}, nil, false},
		{"user gets inactive device", ClassDevice, 0, user, fs.OpenFlags{Read: true}, nil, true},
		{"user denied file store", ClassFile, 0, user, fs.OpenFlags{Read: true}, fs.ErrPermission, false},
		{"enforced store is returnable", ClassFile, FlagEnforced, user, fs.OpenFlags{Read: true, Write: true}, nil, false},
		{"enforced readonly store for writer", ClassFile, FlagEnforced | FlagReadonly, user, fs.OpenFlags{Write: true}, fs.ErrPermission, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestReporter(t, sectorGeometry, tt.class, fakeAllocator{})
			r.store.Flags = tt.flags
			enc, err := r.StorageInfo(node, tt.cred, tt.open)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("StorageInfo = %v, want %v", err, tt.wantErr)
				}
				if enc != nil {
					t.Error("StorageInfo returned a descriptor along with an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("StorageInfo failed: %v", err)
			}
			s, err := Decode(enc)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if inactive := s.Flags&FlagInactive != 0; inactive != tt.wantInactive {
				t.Errorf("inactive = %v, want %v", inactive, tt.wantInactive)
			}
			if tt.wantInactive != (len(enc.Ports) == 0) {
				t.Errorf("Ports = %v with inactive %v", enc.Ports, tt.wantInactive)
			}
			if diff := cmp.Diff([]Run{{100, 2}, {Hole, 1}}, s.Runs); diff != "" {
				t.Errorf("Runs mismatch (-want +got):\n%s", diff)
			}
			if r.store.Flags != tt.flags {
				t.Error("StorageInfo modified the canonical store")
			}
		})
	}
}

func TestRemap(t *testing.T) {
	base := &Store{Class: ClassDevice, BlockSize: 512, Name: "dev", Runs: []Run{{0, 10}, {50, 10}}}

	s := base.Clone()
	if err := s.Remap([]Run{{5, 10}, {Hole, 2}, {19, 1}}); err != nil {
		t.Fatalf("Remap failed: %v", err)
	}
	want := []Run{{5, 5}, {50, 5}, {Hole, 2}, {59, 1}}
	if diff := cmp.Diff(want, s.Runs); diff != "" {
		t.Errorf("Remap mismatch (-want +got):\n%s", diff)
	}
	if s.Size() != 13*512 {
		t.Errorf("Size = %d, want %d", s.Size(), 13*512)
	}
	if len(base.Runs) != 2 {
		t.Error("Remap of a clone changed the original")
	}

	if err := base.Clone().Remap([]Run{{15, 6}}); !errors.Is(err, fs.ErrInvalid) {
		t.Errorf("Remap past end = %v, want ErrInvalid", err)
	}
}

func TestEncodingWireForm(t *testing.T) {
	s := &Store{
		Class:     ClassDevice,
		Flags:     FlagEnforced,
		BlockSize: 512,
		Name:      "disk0",
		Port:      "device:disk0",
		Runs:      []Run{{100, 3}, {Hole, 1}, {200, 2}},
	}
	enc, err := UnmarshalEncoding(s.Encode().Marshal())
	if err != nil {
		t.Fatalf("UnmarshalEncoding failed: %v", err)
	}
	got, err := Decode(enc)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if diff := cmp.Diff(s, got); diff != "" {
		t.Errorf("descriptor mismatch (-want +got):\n%s", diff)
	}

	if _, err := UnmarshalEncoding([]byte{0x12, 0x05, 0x01}); !errors.Is(err, fs.ErrInvalid) {
		t.Errorf("UnmarshalEncoding of truncated input = %v, want ErrInvalid", err)
	}
	if _, err := Decode(&Encoding{Ints: []int64{1, 0, 512, 2, 0}}); !errors.Is(err, fs.ErrInvalid) {
		t.Errorf("Decode with missing offsets = %v, want ErrInvalid", err)
	}
}

func TestParseClass(t *testing.T) {
	for _, c := range []Class{ClassDevice, ClassFile, ClassMemory} {
		got, err := ParseClass(c.String())
		if err != nil || got != c {
			t.Errorf("ParseClass(%q) = %v, %v", c.String(), got, err)
		}
	}
	if _, err := ParseClass("tape"); !errors.Is(err, fs.ErrInvalid) {
		t.Errorf("ParseClass(tape) = %v, want ErrInvalid", err)
	}
}
