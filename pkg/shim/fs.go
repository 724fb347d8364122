package shim

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/warpgrid/warpgrid/pkg/errdefs"
)

// FileStat is the result of a stat on a virtual path.
type FileStat struct {
	Size        uint64
	IsFile      bool
	IsDirectory bool
}

// Filesystem answers a small, fixed set of virtual paths synthetically,
// without touching the host filesystem (timezone data being the one
// read-through exception). Handle values are opaque uint64s allocated per
// instance.
type Filesystem struct {
	mu         sync.Mutex
	nextHandle uint64
	open       map[uint64]*openFile

	// content maps virtual path to its fixed bytes. /dev/null and
	// /dev/urandom are special-cased in read.
	content  map[string][]byte
	urandom  bool
	timezone string
}

type openFile struct {
	path   string
	offset int
}

// Virtual process metadata, fixed for every guest.
const (
	procStatus  = "Name:\twarpgrid-guest\nState:\tR (running)\nPid:\t1\nThreads:\t1\n"
	procCmdline = "warpgrid-guest\x00"
)

// NewFilesystem builds the virtual filesystem for one instance.
func NewFilesystem(cfg *Config) *Filesystem {
	fs := &Filesystem{
		open:     make(map[uint64]*openFile),
		content:  make(map[string][]byte),
		urandom:  cfg.DevUrandom,
		timezone: cfg.Timezone,
	}

	fs.content["/dev/null"] = nil

	nameserver := cfg.Nameserver
	if nameserver == "" {
		nameserver = "127.0.0.1"
	}
	fs.content["/etc/resolv.conf"] = []byte(fmt.Sprintf("nameserver %s\noptions ndots:0\n", nameserver))

	fs.content["/etc/hosts"] = []byte(hostsContent(cfg))
	fs.content["/proc/self/status"] = []byte(procStatus)
	fs.content["/proc/self/cmdline"] = []byte(procCmdline)

	if cfg.Timezone != "" {
		// Best-effort read-through of the host's zoneinfo database.
		if data, err := os.ReadFile(filepath.Join("/usr/share/zoneinfo", cfg.Timezone)); err == nil {
			fs.content["/usr/share/zoneinfo/"+cfg.Timezone] = data
			fs.content["/etc/localtime"] = data
		}
	}

	return fs
}

// hostsContent renders the virtual /etc/hosts: the loopback block, the
// configured entries, and one injected line per service-registry mapping.
func hostsContent(cfg *Config) string {
	var b strings.Builder
	b.WriteString("127.0.0.1 localhost\n::1 localhost\n")
	for _, entry := range cfg.HostsEntries {
		b.WriteString(entry)
		b.WriteString("\n")
	}
	names := make([]string, 0, len(cfg.ServiceRegistry))
	for name := range cfg.ServiceRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, ip := range cfg.ServiceRegistry[name] {
			fmt.Fprintf(&b, "%s %s\n", ip, name)
		}
	}
	return b.String()
}

func (f *Filesystem) isVirtual(path string) bool {
	if path == "/dev/urandom" {
		return f.urandom
	}
	_, ok := f.content[path]
	return ok
}

// OpenVirtual opens a virtual path and returns an opaque handle.
func (f *Filesystem) OpenVirtual(path string) (uint64, error) {
	if !f.isVirtual(path) {
		return 0, errdefs.InvalidArgumentf("not a virtual path: %s", path)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextHandle++
	f.open[f.nextHandle] = &openFile{path: path}
	return f.nextHandle, nil
}

// ReadVirtual reads up to maxLen bytes from the handle. /dev/null always
// reads empty; /dev/urandom yields fresh random bytes on every read.
func (f *Filesystem) ReadVirtual(handle uint64, maxLen uint32) ([]byte, error) {
	f.mu.Lock()
	of, ok := f.open[handle]
	f.mu.Unlock()
	if !ok {
		return nil, errdefs.FailedPreconditionf("invalid file handle %d", handle)
	}

	switch of.path {
	case "/dev/null":
		return nil, nil
	case "/dev/urandom":
		buf := make([]byte, maxLen)
		if _, err := rand.Read(buf); err != nil {
			return nil, errdefs.Unavailablef("urandom read: %v", err)
		}
		return buf, nil
	}

	data := f.content[of.path]
	f.mu.Lock()
	defer f.mu.Unlock()
	if of.offset >= len(data) {
		return nil, nil
	}
	end := of.offset + int(maxLen)
	if end > len(data) {
		end = len(data)
	}
	out := data[of.offset:end]
	of.offset = end
	return out, nil
}

// StatVirtual stats a virtual path without opening it.
func (f *Filesystem) StatVirtual(path string) (FileStat, error) {
	if path == "/proc/self" {
		return FileStat{IsDirectory: true}, nil
	}
	if !f.isVirtual(path) {
		return FileStat{}, errdefs.InvalidArgumentf("not a virtual path: %s", path)
	}
	if path == "/dev/urandom" {
		return FileStat{IsFile: true}, nil
	}
	return FileStat{Size: uint64(len(f.content[path])), IsFile: true}, nil
}

// CloseVirtual releases the handle.
func (f *Filesystem) CloseVirtual(handle uint64) {
	f.mu.Lock()
	delete(f.open, handle)
	f.mu.Unlock()
}

// HostsContent exposes the rendered /etc/hosts for the DNS shim.
func (f *Filesystem) HostsContent() string {
	return string(f.content["/etc/hosts"])
}
