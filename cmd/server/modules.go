package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ashureev/aj-server/internal/seed"
	"github.com/ashureev/aj-server/internal/store"
)

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "Manage module definitions",
}

var importUserID string

var modulesImportCmd = &cobra.Command{
	Use:   "import <file.yaml>...",
	Short: "Import module definitions from YAML files",
	Long: `Parse YAML module definitions, validate their schemas and effect rules,
and upsert them for one user. Nothing is written if any file is invalid.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runModulesImport,
}

func init() {
	modulesImportCmd.Flags().StringVar(&importUserID, "user", "", "owner of the imported modules (required)")
	_ = modulesImportCmd.MarkFlagRequired("user")
}

func runModulesImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var all []*seed.File
	for _, path := range args {
		modules, err := seed.LoadFile(path)
		if err != nil {
			return err
		}
		all = append(all, &seed.File{Modules: modules})
	}

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	total := 0
	for i, f := range all {
		n, err := seed.Import(cmd.Context(), repo, importUserID, f.Modules)
		total += n
		if err != nil {
			return fmt.Errorf("%s: %w", args[i], err)
		}
	}

	slog.Info("Modules imported", "user_id", importUserID, "count", total)
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d module(s) for %s\n", total, importUserID)
	return nil
}
