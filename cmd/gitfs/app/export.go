package app

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export <origin> <dest>",
	Short: "Materialize the selected revision into a directory",
	Long: `Export copies the file tree of the resolved revision into dest, without
any git metadata. The mirror used for the export is cached according to the
usual eviction rules, so repeated exports are cheap.`,
	Args: cobra.ExactArgs(2),
	RunE: runExport,
}

func runExport(cmd *cobra.Command, args []string) error {
	origin, dest := args[0], args[1]

	start := time.Now()
	fs, err := openFS(cmd.Context(), origin)
	if err != nil {
		return err
	}
	defer func() {
		if err := fs.Close(); err != nil {
			slog.Warn("Error closing filesystem", "error", err)
		}
	}()

	files, err := copyTree(fs, ".", dest)
	if err != nil {
		return fmt.Errorf("exporting to %s: %w", dest, err)
	}

	slog.Info("Export completed",
		"repository", origin,
		"commit", fs.Resolved().Commit,
		"dest", dest,
		"files", files,
		"duration", time.Since(start).String())
	return nil
}

// copyTree copies src recursively from fsys into the local directory dest,
// returning the number of files written.
func copyTree(fsys billy.Filesystem, src, dest string) (int, error) {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return 0, err
	}

	entries, err := fsys.ReadDir(src)
	if err != nil {
		return 0, err
	}

	files := 0
	for _, entry := range entries {
		from := path.Join(src, entry.Name())
		to := filepath.Join(dest, entry.Name())

		if entry.IsDir() {
			n, err := copyTree(fsys, from, to)
			if err != nil {
				return files, err
			}
			files += n
			continue
		}

		n, err := copyFile(fsys, from, to, entry.Mode())
		if err != nil {
			return files, err
		}
		files += n
	}
	return files, nil
}

func copyFile(fsys billy.Filesystem, from, to string, mode os.FileMode) (int, error) {
	if mode&os.ModeSymlink != 0 {
		target, err := fsys.Readlink(from)
		if err != nil {
			return 0, err
		}
		return 1, os.Symlink(target, to)
	}

	in, err := fsys.Open(from)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(to, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return 0, err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return 0, err
	}
	return 1, nil
}
