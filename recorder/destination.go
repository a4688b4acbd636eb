package recorder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/greendrake/gazecap/frame"
	"github.com/greendrake/gazecap/wire"
)

const ResultsFile = "results.rec"

// DirDestination writes each partition into its own numbered directory
// under Root. Frames go into one raw file per source, holding the codec
// bytes back to back; results go into ResultsFile as framed records.
type DirDestination struct {
	Root string
}

func (d DirDestination) Open(index int) (Partition, error) {
	dir := PartitionDir(d.Root, index)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("creating partition directory: %w", err)
	}
	p := &dirPartition{dir: dir}
	// results file is created up front so an unwritable root fails here
	f, err := p.file(ResultsFile)
	if err != nil {
		return nil, err
	}
	p.results = f
	return p, nil
}

func PartitionDir(root string, index int) string {
	return filepath.Join(root, fmt.Sprintf("%04d", index))
}

// bufferedFile tracks how much of the file is committed so a failed job can
// be cut back off.
type bufferedFile struct {
	f       *os.File
	w       *bufio.Writer
	size    int64
	pending int64
}

func newBufferedFile(f *os.File) *bufferedFile {
	return &bufferedFile{f: f, w: bufio.NewWriterSize(f, 256<<10)}
}

func (bf *bufferedFile) Write(b []byte) (int, error) {
	n, err := bf.w.Write(b)
	bf.pending += int64(n)
	return n, err
}

func (bf *bufferedFile) commit() {
	bf.size += bf.pending
	bf.pending = 0
}

// rollback drops whatever the failed job left in the buffer or the file.
// Devices that cannot be truncated keep what already reached them.
func (bf *bufferedFile) rollback() {
	bf.w.Reset(bf.f)
	bf.pending = 0
	bf.f.Truncate(bf.size)
	bf.f.Seek(bf.size, io.SeekStart)
}

type dirPartition struct {
	dir     string
	results *bufferedFile
	frames  [frame.NumSources]*bufferedFile
	extra   []*bufferedFile
	touched []*bufferedFile
}

func (p *dirPartition) Path() string {
	return p.dir
}

func (p *dirPartition) file(name string) (*bufferedFile, error) {
	path := filepath.Join(p.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("cannot create file %v: %w", path, err)
	}
	bf := newBufferedFile(f)
	p.extra = append(p.extra, bf)
	return bf, nil
}

func (p *dirPartition) target(r wire.Record) (*bufferedFile, error) {
	switch r.Type {
	case wire.TypeResult:
		return p.results, nil
	case wire.TypeFrameA, wire.TypeFrameB:
		src := frame.SourceA
		if r.Type == wire.TypeFrameB {
			src = frame.SourceB
		}
		if p.frames[src] == nil {
			name := fmt.Sprintf("%s.%s", fileStem(src), frame.Format(r.Format).Ext())
			bf, err := p.file(name)
			if err != nil {
				return nil, err
			}
			p.frames[src] = bf
		}
		return p.frames[src], nil
	}
	return nil, fmt.Errorf("%w: %d", wire.ErrUnknownType, uint32(r.Type))
}

// Write appends the records and flushes every file they touched. On error
// all of them are rolled back, so a/b raw files stay aligned with the
// result records.
func (p *dirPartition) Write(records ...wire.Record) error {
	p.touched = p.touched[:0]
	var err error
	for _, r := range records {
		var bf *bufferedFile
		if bf, err = p.target(r); err != nil {
			break
		}
		if !slices.Contains(p.touched, bf) {
			p.touched = append(p.touched, bf)
		}
		if r.Type == wire.TypeResult {
			err = wire.WriteTo(bf, r)
		} else {
			_, err = bf.Write(r.Payload)
		}
		if err != nil {
			break
		}
	}
	for _, bf := range p.touched {
		if err != nil {
			break
		}
		err = bf.w.Flush()
	}
	for _, bf := range p.touched {
		if err != nil {
			bf.rollback()
		} else {
			bf.commit()
		}
	}
	return err
}

func fileStem(src frame.SourceID) string {
	if src == frame.SourceB {
		return "b"
	}
	return "a"
}

func (p *dirPartition) Close() error {
	var first error
	for _, bf := range p.extra {
		if err := bf.w.Flush(); err != nil && first == nil {
			first = err
		}
		if err := bf.f.Close(); err != nil && first == nil {
			first = err
		}
	}
	p.extra = nil
	return first
}

// SocketDestination streams every record, framed, to a TCP peer. Each
// partition starts on a fresh connection. A failed write abandons the
// connection, since the peer may hold half a record, and the next write
// dials again.
type SocketDestination struct {
	Address      string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

const (
	defaultDialTimeout  = 5 * time.Second
	defaultWriteTimeout = 2 * time.Second
)

func (d SocketDestination) dial() (net.Conn, error) {
	timeout := d.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.Address, err)
	}
	return conn, nil
}

func (d SocketDestination) Open(index int) (Partition, error) {
	if d.WriteTimeout <= 0 {
		d.WriteTimeout = defaultWriteTimeout
	}
	p := &socketPartition{
		dest: d,
		path: fmt.Sprintf("tcp://%s#%d", d.Address, index),
	}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

type socketPartition struct {
	dest SocketDestination
	conn net.Conn
	w    *bufio.Writer
	path string
}

func (p *socketPartition) Path() string {
	return p.path
}

func (p *socketPartition) connect() error {
	conn, err := p.dest.dial()
	if err != nil {
		return err
	}
	p.conn = conn
	if p.w == nil {
		p.w = bufio.NewWriterSize(conn, 256<<10)
	} else {
		p.w.Reset(conn)
	}
	return nil
}

func (p *socketPartition) drop() {
	p.conn.Close()
	p.conn = nil
}

// Write sends the records back to back and flushes them.
func (p *socketPartition) Write(records ...wire.Record) error {
	if p.conn == nil {
		if err := p.connect(); err != nil {
			return err
		}
	}
	p.conn.SetWriteDeadline(time.Now().Add(p.dest.WriteTimeout))
	var err error
	for _, r := range records {
		if err = wire.WriteTo(p.w, r); err != nil {
			break
		}
	}
	if err == nil {
		err = p.w.Flush()
	}
	if err != nil {
		p.drop()
		return err
	}
	return nil
}

func (p *socketPartition) Close() error {
	if p.conn == nil {
		return nil
	}
	err := p.w.Flush()
	if cerr := p.conn.Close(); err == nil {
		err = cerr
	}
	p.conn = nil
	return err
}
