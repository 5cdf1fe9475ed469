package wire

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/diskpager/pkg/fs"
)

func TestMapErrorToCode(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{nil, codes.OK},
		{fs.ErrNotExist, codes.NotFound},
		{fs.NewError("storage_info", "ino 3", fs.ErrPermission), codes.PermissionDenied},
		{fs.ErrRange, codes.OutOfRange},
		{fs.ErrLastBlock, codes.FailedPrecondition},
		{fs.ErrIO, codes.Internal},
		{fmt.Errorf("walk: %w", fs.ErrCorrupt), codes.DataLoss},
		{fs.ErrNoMemory, codes.ResourceExhausted},
		{errors.New("mystery"), codes.Unknown},
	}
	for _, tt := range tests {
		if got := MapErrorToCode(tt.err); got != tt.want {
			t.Errorf("MapErrorToCode(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestStatusRoundTrip(t *testing.T) {
	for _, sentinel := range []error{fs.ErrStale, fs.ErrNotExist, fs.ErrShutdown, fs.ErrRange, fs.ErrInvalidHandle, fs.ErrForeignNode} {
		err := StatusToError(ErrorToStatus(fs.NewError("stat", "ino 9", sentinel)))
		if !errors.Is(err, sentinel) {
			t.Errorf("round trip of %v gave %v", sentinel, err)
		}
	}

	// Without a detail the code alone picks the sentinel.
	err := StatusToError(status.Error(codes.PermissionDenied, "nope"))
	if !errors.Is(err, fs.ErrPermission) {
		t.Errorf("StatusToError(PermissionDenied) = %v", err)
	}
	unavailable := status.Error(codes.Unavailable, "down")
	if got := StatusToError(unavailable); got != unavailable {
		t.Errorf("StatusToError(Unavailable) = %v, want it unchanged", got)
	}
}

func TestStorageRequestConversion(t *testing.T) {
	want := StorageRequest{
		Ino:   12,
		Cred:  fs.Credentials{UID: 1000, GID: 100, Groups: []uint32{4, 24}},
		Write: true,
	}
	s, err := StorageRequestToStruct(want)
	if err != nil {
		t.Fatalf("StorageRequestToStruct failed: %v", err)
	}
	got, err := StructToStorageRequest(s)
	if err != nil {
		t.Fatalf("StructToStorageRequest failed: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}

	bad := []map[string]interface{}{
		{"uid": 0, "gid": 0},
		{"ino": 5, "gid": 0},
		{"ino": 5, "uid": "root", "gid": 0},
		{"ino": -5, "uid": 0, "gid": 0},
	}
	for _, m := range bad {
		s, _ := structpb.NewStruct(m)
		if _, err := StructToStorageRequest(s); !errors.Is(err, fs.ErrInvalid) {
			t.Errorf("StructToStorageRequest(%v) = %v, want ErrInvalid", m, err)
		}
	}
}

func TestNodeStatConversion(t *testing.T) {
	tests := []NodeStat{
		{Ino: 2, Name: "a", Handle: "00", Size: 100, AllocSize: 512, StatBlocks: 8},
		{Ino: 3, Name: "b", Size: 8192, AllocSize: 8192, StatBlocks: 16, Pager: &PagerStat{
			Resident: 2, Dirty: 1, Refs: 1, MayCache: true, Copy: "delay", ExtentSize: 8192,
		}},
	}
	for _, want := range tests {
		s, err := NodeStatToStruct(want)
		if err != nil {
			t.Fatalf("NodeStatToStruct failed: %v", err)
		}
		got, err := StructToNodeStat(s)
		if err != nil {
			t.Fatalf("StructToNodeStat failed: %v", err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("stat mismatch (-want +got):\n%s", diff)
		}
	}
}
