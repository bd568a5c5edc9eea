package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"time"

	squashfs "github.com/ulziibuyan/squashfs-tools-ng"
)

const usage = `sqfs - SquashFS CLI tool

Usage:
  sqfs ls <squashfs_file> [<path>]          List files in SquashFS (optionally in a specific path)
  sqfs cat <squashfs_file> <file>           Display contents of a file in SquashFS
  sqfs info <squashfs_file>                 Display information about a SquashFS archive
  sqfs help                                 Show this help message

Examples:
  sqfs ls archive.squashfs                  List all files at the root of archive.squashfs
  sqfs ls archive.squashfs lib              List all files in the lib directory
  sqfs cat archive.squashfs dir/file.txt    Display contents of file.txt from archive.squashfs
  sqfs info archive.squashfs                Show metadata about the SquashFS archive
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}

	var err error
	switch cmd := os.Args[1]; cmd {
	case "ls":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Error: Missing SquashFS file path")
			fmt.Println(usage)
			os.Exit(1)
		}
		dir := "."
		if len(os.Args) > 3 {
			dir = os.Args[3]
		}
		err = listFiles(os.Args[2], dir)

	case "cat":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Error: Missing SquashFS file path or target file")
			fmt.Println(usage)
			os.Exit(1)
		}
		err = catFile(os.Args[2], os.Args[3])

	case "info":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Error: Missing SquashFS file path")
			fmt.Println(usage)
			os.Exit(1)
		}
		err = showInfo(os.Args[2])

	case "help":
		fmt.Println(usage)

	default:
		fmt.Fprintf(os.Stderr, "Error: Unknown command '%s'\n", cmd)
		fmt.Println(usage)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// printFileInfo prints file information in a consistent format
func printFileInfo(p string, info fs.FileInfo) {
	typeChar := "-"
	if info.IsDir() {
		typeChar = "d"
	} else if info.Mode()&fs.ModeSymlink != 0 {
		typeChar = "l"
	}

	mode := info.Mode().String()
	permissions := mode[1:] // Skip the type character

	size := fmt.Sprintf("%8d", info.Size())
	if info.IsDir() {
		size = "       -"
	}

	timeStr := info.ModTime().Format("Jan 02 15:04")

	fmt.Printf("%s%s %s %s %s\n", typeChar, permissions, size, timeStr, p)
}

// listFiles lists files in SquashFS in the specified path
func listFiles(sqfsPath, dirPath string) error {
	sqfs, err := squashfs.Open(sqfsPath)
	if err != nil {
		return fmt.Errorf("failed to open SquashFS file: %w", err)
	}
	defer sqfs.Close()

	entries, err := fs.ReadDir(sqfs, dirPath)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			return err
		}
		printFileInfo(path.Join(dirPath, entry.Name()), info)
	}
	return nil
}

// catFile dumps the contents of a file within the archive to stdout
func catFile(sqfsPath, filePath string) error {
	sqfs, err := squashfs.Open(sqfsPath)
	if err != nil {
		return fmt.Errorf("failed to open SquashFS file: %w", err)
	}
	defer sqfs.Close()

	f, err := sqfs.Superblock.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(os.Stdout, f)
	return err
}

// showInfo prints the superblock metadata of an archive
func showInfo(sqfsPath string) error {
	sqfs, err := squashfs.Open(sqfsPath)
	if err != nil {
		return fmt.Errorf("failed to open SquashFS file: %w", err)
	}
	defer sqfs.Close()

	sb := sqfs.Superblock
	fmt.Printf("SquashFS version:  %d.%d\n", sb.VMajor, sb.VMinor)
	fmt.Printf("Compression:       %s\n", sb.Comp)
	fmt.Printf("Block size:        %d\n", sb.BlockSize)
	fmt.Printf("Inode count:       %d\n", sb.InodeCnt)
	fmt.Printf("Fragment count:    %d\n", sb.FragCount)
	fmt.Printf("Id count:          %d\n", sb.IdCount)
	fmt.Printf("Flags:             %s\n", sb.Flags)
	fmt.Printf("Created:           %s\n", time.Unix(int64(sb.ModTime), 0).Format(time.RFC1123))
	fmt.Printf("Bytes used:        %d\n", sb.BytesUsed)
	return nil
}
