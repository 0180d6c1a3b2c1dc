package cmd

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/facecanvas/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetTables    bool
	resetUploads   bool
	resetSnapshots string
	resetYes       bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Database, Uploads, Snapshots)",
	Long:  "Clears recorded sessions and leftover files. By default, it resets the database and uploads. Use flags to clear specific components.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		// If no flags are set, default to clearing everything we own
		if !resetTables && !resetUploads && resetSnapshots == "" {
			resetTables = true
			resetUploads = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetTables {
			if DB == nil {
				fmt.Fprintln(os.Stderr, "⚠️  No database configured, skipping.")
			} else if confirm(reader, "⚠️  Are you sure you want to DROP all database tables?") {
				fmt.Println("🗑️  Clearing Database...")
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.ShowError("Failed to reset database", err, nil)
					return err
				}
			}
		}

		if resetUploads {
			if confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete uploaded videos in %s?", cfg.UploadDir)) {
				fmt.Println("🗑️  Clearing Uploads...")
				n := removeGlob(filepath.Join(cfg.UploadDir, "facecanvas-*"))
				fmt.Printf("   removed %d file(s)\n", n)
			}
		}

		if resetSnapshots != "" {
			if confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete %s?", resetSnapshots)) {
				fmt.Println("🗑️  Clearing Snapshots...")
				removeDir(resetSnapshots)
			}
		}

		fmt.Println("✨ System Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetTables, "tables", false, "Drop the PostgreSQL tables")
	resetCmd.Flags().BoolVar(&resetUploads, "uploads", false, "Clear videos uploaded through serve")
	resetCmd.Flags().StringVar(&resetSnapshots, "snapshots", "", "Snapshot directory written by play --snapshots")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	if resetYes {
		return true
	}
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}

func removeGlob(pattern string) int {
	matches, _ := filepath.Glob(pattern)
	removed := 0
	for _, m := range matches {
		if err := os.Remove(m); err != nil {
			fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", m, err)
			continue
		}
		removed++
	}
	return removed
}
