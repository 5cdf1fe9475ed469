package wire

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/diskpager/pkg/fs"
)

// StorageRequest asks for the storage descriptor of one file.
type StorageRequest struct {
	// Ino names the file. When zero, Handle is used instead.
	Ino uint64

	// Handle is the hex form of an fs.NodeHandle.
	Handle string

	Cred  fs.Credentials
	Write bool
}

// PagerStat describes a file's memory object.
type PagerStat struct {
	Resident    int
	Dirty       int
	WriteLocked int
	Refs        int
	MayCache    bool
	Copy        string
	Shutdown    bool

	// ExtentSize is the byte range the pager reports for the object.
	ExtentSize int64
}

// NodeStat describes one file.
type NodeStat struct {
	Ino        uint64
	Name       string
	Handle     string
	Size       int64
	AllocSize  int64
	StatBlocks uint64

	// Pager is nil when the file has no live pager.
	Pager *PagerStat
}

// Status describes the filesystem and its pagers.
type Status struct {
	FileSystemID uint32
	BlockSize    int
	PageSize     int
	BlocksCount  uint64
	FreeBlocks   uint64
	DeviceName   string
	DeviceSize   int64
	FilePagers   int
}

// StorageRequestToStruct converts a StorageRequest to its message form
func StorageRequestToStruct(r StorageRequest) (*structpb.Struct, error) {
	groups := make([]interface{}, len(r.Cred.Groups))
	for i, g := range r.Cred.Groups {
		groups[i] = g
	}
	return structpb.NewStruct(map[string]interface{}{
		"ino":    r.Ino,
		"handle": r.Handle,
		"uid":    r.Cred.UID,
		"gid":    r.Cred.GID,
		"groups": groups,
		"write":  r.Write,
	})
}

// StructToStorageRequest converts a message back to a StorageRequest
func StructToStorageRequest(s *structpb.Struct) (StorageRequest, error) {
	var r StorageRequest
	f := fields{s: s}
	r.Ino = f.optU64("ino")
	r.Handle = f.optString("handle")
	r.Cred.UID = uint32(f.u64("uid"))
	r.Cred.GID = uint32(f.u64("gid"))
	r.Write = f.optBool("write")
	if v, ok := s.GetFields()["groups"]; ok {
		for _, g := range v.GetListValue().GetValues() {
			r.Cred.Groups = append(r.Cred.Groups, uint32(g.GetNumberValue()))
		}
	}
	if f.err != nil {
		return StorageRequest{}, f.err
	}
	if r.Ino == 0 && r.Handle == "" {
		return StorageRequest{}, fmt.Errorf("storage request names no file: %w", fs.ErrInvalid)
	}
	return r, nil
}

// NodeStatToStruct converts a NodeStat to its message form
func NodeStatToStruct(st NodeStat) (*structpb.Struct, error) {
	m := map[string]interface{}{
		"ino":         st.Ino,
		"name":        st.Name,
		"handle":      st.Handle,
		"size":        st.Size,
		"alloc_size":  st.AllocSize,
		"stat_blocks": st.StatBlocks,
	}
	if p := st.Pager; p != nil {
		m["pager"] = map[string]interface{}{
			"resident":     p.Resident,
			"dirty":        p.Dirty,
			"write_locked": p.WriteLocked,
			"refs":         p.Refs,
			"may_cache":    p.MayCache,
			"copy":         p.Copy,
			"shutdown":     p.Shutdown,
			"extent":       p.ExtentSize,
		}
	}
	return structpb.NewStruct(m)
}

// StructToNodeStat converts a message back to a NodeStat
func StructToNodeStat(s *structpb.Struct) (NodeStat, error) {
	f := fields{s: s}
	st := NodeStat{
		Ino:        f.u64("ino"),
		Name:       f.optString("name"),
		Handle:     f.optString("handle"),
		Size:       f.i64("size"),
		AllocSize:  f.i64("alloc_size"),
		StatBlocks: f.u64("stat_blocks"),
	}
	if v, ok := s.GetFields()["pager"]; ok {
		pf := fields{s: v.GetStructValue()}
		st.Pager = &PagerStat{
			Resident:    int(pf.i64("resident")),
			Dirty:       int(pf.i64("dirty")),
			WriteLocked: int(pf.i64("write_locked")),
			Refs:        int(pf.i64("refs")),
			MayCache:    pf.optBool("may_cache"),
			Copy:        pf.optString("copy"),
			Shutdown:    pf.optBool("shutdown"),
			ExtentSize:  pf.i64("extent"),
		}
		if pf.err != nil {
			return NodeStat{}, pf.err
		}
	}
	return st, f.err
}

// StatusToStruct converts a Status to its message form
func StatusToStruct(st Status) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"fsid":         st.FileSystemID,
		"block_size":   st.BlockSize,
		"page_size":    st.PageSize,
		"blocks_count": st.BlocksCount,
		"free_blocks":  st.FreeBlocks,
		"device_name":  st.DeviceName,
		"device_size":  st.DeviceSize,
		"file_pagers":  st.FilePagers,
	})
}

// StructToStatus converts a message back to a Status
func StructToStatus(s *structpb.Struct) (Status, error) {
	f := fields{s: s}
	st := Status{
		FileSystemID: uint32(f.u64("fsid")),
		BlockSize:    int(f.i64("block_size")),
		PageSize:     int(f.i64("page_size")),
		BlocksCount:  f.u64("blocks_count"),
		FreeBlocks:   f.u64("free_blocks"),
		DeviceName:   f.optString("device_name"),
		DeviceSize:   f.i64("device_size"),
		FilePagers:   int(f.i64("file_pagers")),
	}
	return st, f.err
}

// fields reads typed values out of a Struct, keeping the first error.
type fields struct {
	s   *structpb.Struct
	err error
}

func (f *fields) number(key string) float64 {
	v, ok := f.s.GetFields()[key]
	if !ok {
		f.fail("missing field %q", key)
		return 0
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		f.fail("field %q is not a number", key)
		return 0
	}
	if n.NumberValue < 0 {
		f.fail("field %q is negative", key)
		return 0
	}
	return n.NumberValue
}

func (f *fields) u64(key string) uint64 { return uint64(f.number(key)) }
func (f *fields) i64(key string) int64  { return int64(f.number(key)) }

func (f *fields) optU64(key string) uint64 {
	if _, ok := f.s.GetFields()[key]; !ok {
		return 0
	}
	return f.u64(key)
}

func (f *fields) optString(key string) string {
	return f.s.GetFields()[key].GetStringValue()
}

func (f *fields) optBool(key string) bool {
	return f.s.GetFields()[key].GetBoolValue()
}

func (f *fields) fail(format string, args ...interface{}) {
	if f.err == nil {
		f.err = fmt.Errorf(format+": %w", append(args, fs.ErrInvalid)...)
	}
}
