package squashfs

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ReadPackFile populates the writer's tree from a pack-file: newline
// separated entries of the form
//
//	file  <path> <mode> <uid> <gid> [location]
//	dir   <path> <mode> <uid> <gid>
//	nod   <path> <mode> <uid> <gid> <c|b> <major> <minor>
//	slink <path> <mode> <uid> <gid> <target>
//	pipe  <path> <mode> <uid> <gid>
//	sock  <path> <mode> <uid> <gid>
//
// '#' starts a comment; paths may be quoted to contain spaces, with
// backslash escapes inside quotes. File content is read from the location
// field, or from the image path resolved relative to baseDir.
func ReadPackFile(w *Writer, r io.Reader, baseDir string) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0

	for sc.Scan() {
		lineNo++
		fields, err := splitPackLine(sc.Text())
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		if len(fields) == 0 {
			continue
		}
		if err := packEntry(w, fields, baseDir); err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	return sc.Err()
}

func packEntry(w *Writer, fields []string, baseDir string) error {
	if len(fields) < 5 {
		return fmt.Errorf("%w: expected at least 5 fields", ErrInvalidConfig)
	}
	kind, path := fields[0], fields[1]

	mode, err := strconv.ParseUint(fields[2], 8, 16)
	if err != nil || mode > 0xfff {
		return fmt.Errorf("%w: bad mode %q", ErrInvalidConfig, fields[2])
	}
	uid, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return fmt.Errorf("%w: bad uid %q", ErrInvalidConfig, fields[3])
	}
	gid, err := strconv.ParseUint(fields[4], 10, 32)
	if err != nil {
		return fmt.Errorf("%w: bad gid %q", ErrInvalidConfig, fields[4])
	}

	n := &Node{
		UID:     uint32(uid),
		GID:     uint32(gid),
		ModTime: w.tree.DefaultModTime,
	}
	extras := fields[5:]

	switch kind {
	case "file":
		location := filepath.Join(baseDir, strings.TrimPrefix(path, "/"))
		if len(extras) >= 1 {
			location = extras[0]
			if !filepath.IsAbs(location) {
				location = filepath.Join(baseDir, location)
			}
		}
		st, err := os.Stat(location)
		if err != nil {
			return err
		}
		n.Mode = S_IFREG | uint16(mode)
		n.Size = uint64(st.Size())
		n.Content = func() (io.ReadCloser, error) {
			return os.Open(location)
		}
	case "dir":
		n.Mode = S_IFDIR | uint16(mode)
	case "slink":
		if len(extras) < 1 {
			return fmt.Errorf("%w: slink needs a target", ErrInvalidConfig)
		}
		n.Mode = S_IFLNK | uint16(mode)
		n.Target = extras[0]
	case "nod":
		if len(extras) < 3 {
			return fmt.Errorf("%w: nod needs type, major, minor", ErrInvalidConfig)
		}
		switch extras[0] {
		case "c":
			n.Mode = S_IFCHR | uint16(mode)
		case "b":
			n.Mode = S_IFBLK | uint16(mode)
		default:
			return fmt.Errorf("%w: bad device type %q", ErrInvalidConfig, extras[0])
		}
		major, err := strconv.ParseUint(extras[1], 10, 12)
		if err != nil {
			return fmt.Errorf("%w: bad major %q", ErrInvalidConfig, extras[1])
		}
		minor, err := strconv.ParseUint(extras[2], 10, 20)
		if err != nil {
			return fmt.Errorf("%w: bad minor %q", ErrInvalidConfig, extras[2])
		}
		n.Rdev = packRdev(uint32(major), uint32(minor))
	case "pipe":
		n.Mode = S_IFIFO | uint16(mode)
	case "sock":
		n.Mode = S_IFSOCK | uint16(mode)
	default:
		return fmt.Errorf("%w: unknown entry type %q", ErrInvalidConfig, kind)
	}

	return w.AddNode(path, n)
}

// packRdev packs a device number the way the kernel encodes dev_t in
// squashfs inodes.
func packRdev(major, minor uint32) uint32 {
	return (major << 8) | (minor & 0xff) | ((minor &^ 0xff) << 12)
}

// splitPackLine tokenizes one pack-file line: whitespace separated fields,
// double quotes allowing embedded spaces, backslash escapes inside quotes,
// '#' starting a comment outside quotes.
func splitPackLine(line string) ([]string, error) {
	var fields []string
	var cur strings.Builder
	inQuote := false
	inField := false

	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case inQuote:
			switch c {
			case '\\':
				i++
				if i >= len(line) {
					return nil, fmt.Errorf("%w: dangling escape", ErrInvalidConfig)
				}
				cur.WriteByte(line[i])
			case '"':
				inQuote = false
			default:
				cur.WriteByte(c)
			}
		case c == '"':
			inQuote = true
			inField = true
		case c == '#':
			if inField {
				fields = append(fields, cur.String())
			}
			return fields, nil
		case c == ' ' || c == '\t':
			if inField {
				fields = append(fields, cur.String())
				cur.Reset()
				inField = false
			}
		default:
			cur.WriteByte(c)
			inField = true
		}
	}
	if inQuote {
		return nil, fmt.Errorf("%w: unterminated quote", ErrInvalidConfig)
	}
	if inField {
		fields = append(fields, cur.String())
	}
	return fields, nil
}
