// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package procmap

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aclements/hotline/internal/fileident"
	"github.com/aclements/hotline/internal/sysinfo"
)

// fileInfo resolves the device/inode identity of a mapped path. It is a
// variable so tests can stub out the filesystem.
var fileInfo = sysinfo.FileInfo

// Bootstrap seeds the directory from every live process's /proc/<pid>/maps,
// since the kernel only emits MMAP2 records for mappings made after the
// profiler starts running. Each mapping line is treated as a synthetic
// MMAP2 and also registers its file identity in idents. Unreadable or
// exited processes are skipped; this is best-effort, not fatal.
func Bootstrap(dir *Directory, idents *fileident.Directory) error {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return fmt.Errorf("procmap: bootstrap: %w", err)
	}

	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		bootstrapPID(dir, idents, int32(pid))
	}
	return nil
}

func bootstrapPID(dir *Directory, idents *fileident.Directory, pid int32) {
	f, err := os.Open(filepath.Join("/proc", strconv.Itoa(int(pid)), "maps"))
	if err != nil {
		return
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		seg, path, ok := parseMapsLine(sc.Text())
		if !ok {
			continue
		}
		if path != "" {
			seg.File = identityOf(path)
			idents.Register(seg.File, path)
		}
		dir.InsertMapping(pid, seg)
	}
}

// parseMapsLine parses one line of /proc/<pid>/maps:
//
//	start-end perms offset maj:min inode path
//
// The path field is absent for anonymous mappings.
func parseMapsLine(line string) (Segment, string, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Segment{}, "", false
	}

	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return Segment{}, "", false
	}
	start, err := strconv.ParseUint(addrs[0], 16, 64)
	if err != nil {
		return Segment{}, "", false
	}
	end, err := strconv.ParseUint(addrs[1], 16, 64)
	if err != nil {
		return Segment{}, "", false
	}
	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return Segment{}, "", false
	}

	var path string
	if len(fields) >= 6 {
		path = strings.Join(fields[5:], " ")
	}

	return Segment{Start: start, End: end, FileOffset: offset}, path, true
}

func identityOf(path string) fileident.ID {
	major, minor, inode, gen := fileInfo(path)
	return fileident.ID{Major: major, Minor: minor, Inode: inode, Generation: gen}
}
