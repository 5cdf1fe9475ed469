package local

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	_ "modernc.org/sqlite"

	"github.com/example/diskpager/pkg/fs"
)

const schema = `
CREATE TABLE IF NOT EXISTS superblock (
	id               INTEGER PRIMARY KEY CHECK (id = 0),
	block_size       INTEGER NOT NULL,
	blocks_count     INTEGER NOT NULL,
	free_blocks      INTEGER NOT NULL,
	first_data_block INTEGER NOT NULL,
	fs_id            INTEGER NOT NULL,
	next_ino         INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS nodes (
	ino         INTEGER PRIMARY KEY,
	gen         INTEGER NOT NULL,
	name        TEXT NOT NULL UNIQUE,
	size        INTEGER NOT NULL,
	alloc_size  INTEGER NOT NULL,
	stat_blocks INTEGER NOT NULL,
	blocks      BLOB,
	indirect    BLOB
);
`

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fs.NewError("open_metadata", path, err)
	}
	// One connection, so ":memory:" databases are shared and writers never
	// contend for the file lock.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fs.NewError("open_metadata", path, err)
	}
	return db, nil
}

func (s *Store) loadSuperblock() (Superblock, error) {
	var sb Superblock
	err := s.db.QueryRow(`SELECT block_size, blocks_count, free_blocks, first_data_block, fs_id, next_ino
		FROM superblock WHERE id = 0`).Scan(
		&sb.BlockSize, &sb.BlocksCount, &sb.FreeBlocks, &sb.FirstDataBlock, &sb.FileSystemID, &sb.NextIno)
	if errors.Is(err, sql.ErrNoRows) {
		return sb, fs.NewError("open", s.dev.Name(), fmt.Errorf("filesystem not formatted: %w", fs.ErrInvalid))
	}
	if err != nil {
		return sb, fs.NewError("open", s.dev.Name(), err)
	}
	return sb, nil
}

func (s *Store) loadNodes() error {
	rows, err := s.db.Query(`SELECT ino, gen, name, size, alloc_size, stat_blocks, blocks, indirect FROM nodes`)
	if err != nil {
		return fs.NewError("load_nodes", s.dev.Name(), err)
	}
	defer rows.Close()

	for rows.Next() {
		n := &Node{store: s}
		var size, statBlocks int64
		var blocks, indirect []byte
		if err := rows.Scan(&n.ino, &n.gen, &n.name, &size, &n.allocSize, &statBlocks, &blocks, &indirect); err != nil {
			return fs.NewError("load_nodes", s.dev.Name(), err)
		}
		if n.blocks, err = decodeBlocks(blocks); err != nil {
			return fs.NewError("load_nodes", n.path(), err)
		}
		if n.indirect, err = decodeIndirect(indirect); err != nil {
			return fs.NewError("load_nodes", n.path(), err)
		}
		n.size.Store(size)
		n.statBlocks.Store(uint64(statBlocks))
		s.nodes[n.ino] = n
		s.names[n.name] = n
	}
	return rows.Err()
}

// FlushSuperblock implements fs.Metadata.FlushSuperblock.
func (s *Store) FlushSuperblock() error {
	s.mu.Lock()
	if !s.sbDirty {
		s.mu.Unlock()
		return nil
	}
	sb := s.sb
	s.sbDirty = false
	s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO superblock (id, block_size, blocks_count, free_blocks, first_data_block, fs_id, next_ino)
		VALUES (0, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET free_blocks = excluded.free_blocks, next_ino = excluded.next_ino`,
		sb.BlockSize, int64(sb.BlocksCount), int64(sb.FreeBlocks), int64(sb.FirstDataBlock), int64(sb.FileSystemID), int64(sb.NextIno))
	if err != nil {
		s.mu.Lock()
		s.sbDirty = true
		s.mu.Unlock()
		return fs.NewError("flush_superblock", s.dev.Name(), err)
	}
	return nil
}

// FlushAllNodes implements fs.Metadata.FlushAllNodes.
func (s *Store) FlushAllNodes() error {
	s.mu.Lock()
	nodes := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n)
	}
	s.mu.Unlock()

	var errs []error
	for _, n := range nodes {
		if err := s.writeNode(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// UpdateNode implements fs.Metadata.UpdateNode. SQLite commits are
// synchronous, so wait makes no difference.
func (s *Store) UpdateNode(node fs.Node, wait bool) error {
	n, err := s.node("update_node", node)
	if err != nil {
		return err
	}
	return s.writeNode(n)
}

// TakeDirtyIndirect implements fs.Metadata.TakeDirtyIndirect.
func (s *Store) TakeDirtyIndirect(node fs.Node) []uint64 {
	n, err := s.node("take_dirty_indirect", node)
	if err != nil {
		return nil
	}
	return n.takeDirtyIndirect()
}

func (s *Store) writeNode(n *Node) error {
	if !n.metaDirty.Swap(false) {
		return nil
	}
	n.allocLock.RLock()
	blocks := encodeBlocks(n.blocks)
	indirect := encodeIndirect(n.indirect)
	allocSize := n.allocSize
	n.allocLock.RUnlock()

	_, err := s.db.Exec(`INSERT INTO nodes (ino, gen, name, size, alloc_size, stat_blocks, blocks, indirect)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ino) DO UPDATE SET
			size = excluded.size,
			alloc_size = excluded.alloc_size,
			stat_blocks = excluded.stat_blocks,
			blocks = excluded.blocks,
			indirect = excluded.indirect`,
		int64(n.ino), int64(n.gen), n.name, n.size.Load(), allocSize, int64(n.statBlocks.Load()), blocks, indirect)
	if err != nil {
		n.metaDirty.Store(true)
		return fs.NewError("update_node", n.path(), err)
	}
	return nil
}

func encodeBlocks(blocks []uint64) []byte {
	buf := make([]byte, 0, len(blocks)*8)
	for _, blk := range blocks {
		buf = binary.LittleEndian.AppendUint64(buf, blk)
	}
	return buf
}

func decodeBlocks(buf []byte) ([]uint64, error) {
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("block map of %d bytes: %w", len(buf), fs.ErrCorrupt)
	}
	blocks := make([]uint64, len(buf)/8)
	for i := range blocks {
		blocks[i] = binary.LittleEndian.Uint64(buf[i*8:])
	}
	return blocks, nil
}

func encodeIndirect(indirect map[uint64]uint64) []byte {
	groups := make([]uint64, 0, len(indirect))
	for g := range indirect {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i] < groups[j] })
	buf := make([]byte, 0, len(groups)*16)
	for _, g := range groups {
		buf = binary.LittleEndian.AppendUint64(buf, g)
		buf = binary.LittleEndian.AppendUint64(buf, indirect[g])
	}
	return buf
}

func decodeIndirect(buf []byte) (map[uint64]uint64, error) {
	if len(buf)%16 != 0 {
		return nil, fmt.Errorf("indirect map of %d bytes: %w", len(buf), fs.ErrCorrupt)
	}
	indirect := make(map[uint64]uint64, len(buf)/16)
	for i := 0; i < len(buf); i += 16 {
		indirect[binary.LittleEndian.Uint64(buf[i:])] = binary.LittleEndian.Uint64(buf[i+8:])
	}
	return indirect, nil
}
