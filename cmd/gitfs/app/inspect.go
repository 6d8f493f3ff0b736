package app

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <origin>",
	Short: "Print the commit the selector resolves to",
	Args:  cobra.ExactArgs(1),
	RunE:  runResolve,
}

var lsCmd = &cobra.Command{
	Use:   "ls <origin> [path]",
	Short: "List directory entries of the selected revision",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runLs,
}

var catCmd = &cobra.Command{
	Use:   "cat <origin> <path>",
	Short: "Print a file from the selected revision",
	Args:  cobra.ExactArgs(2),
	RunE:  runCat,
}

func init() {
	resolveCmd.Flags().String("format", "", "Output format (json)")
}

func runResolve(cmd *cobra.Command, args []string) error {
	fs, err := openFS(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	defer closeFS(fs)

	resolved := fs.Resolved()
	format, err := cmd.Flags().GetString("format")
	if err != nil {
		return err
	}

	if format == "json" {
		output, err := json.MarshalIndent(map[string]string{
			"commit":      resolved.Commit,
			"branch":      fs.CurrentBranch(),
			"resolved_at": resolved.ResolvedAt.Format(time.RFC3339),
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(output))
		return nil
	}

	fmt.Println(resolved.Commit)
	return nil
}

func runLs(cmd *cobra.Command, args []string) error {
	fs, err := openFS(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	defer closeFS(fs)

	dir := "."
	if len(args) > 1 {
		dir = args[1]
	}

	entries, err := fs.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		fmt.Println(name)
	}
	return nil
}

func runCat(cmd *cobra.Command, args []string) error {
	fs, err := openFS(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	defer closeFS(fs)

	f, err := fs.Open(args[1])
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(os.Stdout, f)
	return err
}

func closeFS(fs interface{ Close() error }) {
	if err := fs.Close(); err != nil {
		slog.Warn("Error closing filesystem", "error", err)
	}
}
