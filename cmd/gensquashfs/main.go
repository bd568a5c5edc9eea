package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio"
	"github.com/jessevdk/go-flags"

	squashfs "github.com/ulziibuyan/squashfs-tools-ng"
)

type options struct {
	PackFile string `short:"F" long:"pack-file" description:"Pack-file describing the image contents"`
	PackDir  string `short:"D" long:"pack-dir" description:"Directory tree to pack; also the base for pack-file locations"`

	Compressor string `short:"c" long:"compressor" default:"gzip" description:"Compressor: gzip, lzma, xz, zstd"`
	CompExtra  string `short:"X" long:"comp-extra" description:"Compressor options as key=value,..."`

	BlockSize    uint32 `short:"b" long:"block-size" default:"131072" description:"Data block size"`
	DevBlockSize uint32 `long:"dev-block-size" default:"4096" description:"Pad the image to this device block size"`

	NumJobs      int `short:"j" long:"num-jobs" description:"Compression worker count (default: CPUs)"`
	QueueBacklog int `long:"queue-backlog" description:"Block backlog limit (default: 10x jobs)"`

	Defaults string `long:"defaults" description:"Attributes for implicit directories: uid=,gid=,mode=,mtime="`

	KeepTime      bool `long:"keep-time" description:"Record source mtimes instead of the --defaults mtime"`
	KeepXattr     bool `long:"keep-xattr" description:"Record extended attributes"`
	OneFileSystem bool `long:"one-file-system" description:"Do not cross mount points while scanning"`

	Exportable bool `long:"exportable" description:"Emit an NFS export table"`
	Force      bool `short:"f" long:"force" description:"Overwrite the output if it exists"`
	Quiet      bool `short:"q" long:"quiet" description:"Do not print progress"`

	Args struct {
		Output string `positional-arg-name:"outfile" required:"yes"`
	} `positional-args:"yes"`
}

func main() {
	log.SetFlags(0)
	log.SetPrefix("gensquashfs: ")

	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			return
		}
		os.Exit(1)
	}

	if err := run(&opts); err != nil {
		log.Fatalf("error: %s", err)
	}
}

func run(opts *options) error {
	if opts.PackFile == "" && opts.PackDir == "" {
		return fmt.Errorf("one of --pack-file or --pack-dir is required")
	}

	if !opts.Force {
		if _, err := os.Stat(opts.Args.Output); err == nil {
			return fmt.Errorf("%s exists, use --force to overwrite", opts.Args.Output)
		}
	}

	comp, err := squashfs.ParseCompression(opts.Compressor)
	if err != nil {
		return err
	}

	wopts := []squashfs.WriterOption{
		squashfs.WithCompression(comp),
		squashfs.WithBlockSize(opts.BlockSize),
		squashfs.WithDevBlockSize(opts.DevBlockSize),
		squashfs.WithNumJobs(opts.NumJobs),
		squashfs.WithQueueBacklog(opts.QueueBacklog),
	}
	if opts.CompExtra != "" {
		extra, err := parseKeyValues(opts.CompExtra)
		if err != nil {
			return err
		}
		wopts = append(wopts, squashfs.WithCompressorOptions(extra))
	}
	if opts.Exportable {
		wopts = append(wopts, squashfs.WithExportTable())
	}
	if opts.Defaults != "" {
		defOpts, err := parseDefaults(opts.Defaults)
		if err != nil {
			return err
		}
		wopts = append(wopts, defOpts...)
	}
	if !opts.Quiet {
		wopts = append(wopts, squashfs.WithProgress(func(path string) {
			fmt.Fprintf(os.Stderr, "packing %s\n", path)
		}))
	}

	out, err := renameio.TempFile("", opts.Args.Output)
	if err != nil {
		return err
	}
	defer out.Cleanup()

	w, err := squashfs.NewWriter(out, wopts...)
	if err != nil {
		return err
	}

	if opts.PackDir != "" {
		err := squashfs.ScanDir(w, opts.PackDir, squashfs.ScanOptions{
			KeepTime:      opts.KeepTime,
			KeepXattr:     opts.KeepXattr,
			OneFileSystem: opts.OneFileSystem,
		})
		if err != nil {
			return err
		}
	}
	if opts.PackFile != "" {
		f, err := os.Open(opts.PackFile)
		if err != nil {
			return err
		}
		baseDir := opts.PackDir
		if baseDir == "" {
			baseDir = pathDir(opts.PackFile)
		}
		err = squashfs.ReadPackFile(w, f, baseDir)
		f.Close()
		if err != nil {
			return err
		}
	}

	if err := w.Finalize(); err != nil {
		return err
	}
	return out.CloseAtomicallyReplace()
}

func pathDir(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return "."
}

func parseKeyValues(s string) (map[string]string, error) {
	m := make(map[string]string)
	for _, kv := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("bad key=value pair %q", kv)
		}
		m[k] = v
	}
	return m, nil
}

func parseDefaults(s string) ([]squashfs.WriterOption, error) {
	var uid, gid uint64
	mode := uint64(0755)
	mtime := time.Now()
	haveMtime := false

	kvs, err := parseKeyValues(s)
	if err != nil {
		return nil, err
	}
	for k, v := range kvs {
		switch k {
		case "uid":
			if uid, err = strconv.ParseUint(v, 10, 32); err != nil {
				return nil, fmt.Errorf("bad uid %q", v)
			}
		case "gid":
			if gid, err = strconv.ParseUint(v, 10, 32); err != nil {
				return nil, fmt.Errorf("bad gid %q", v)
			}
		case "mode":
			if mode, err = strconv.ParseUint(v, 8, 12); err != nil {
				return nil, fmt.Errorf("bad mode %q", v)
			}
		case "mtime":
			sec, err := strconv.ParseInt(v, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("bad mtime %q", v)
			}
			mtime = time.Unix(sec, 0)
			haveMtime = true
		default:
			return nil, fmt.Errorf("unknown default %q", k)
		}
	}
	res := []squashfs.WriterOption{squashfs.WithDefaults(uint32(uid), uint32(gid), uint16(mode), mtime)}
	if haveMtime {
		res = append(res, squashfs.WithModTime(mtime))
	}
	return res, nil
}
