package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zjrosen/orchard/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate [project-path]",
	Short: "Apply schema migrations",
	Long: `Apply schema migrations to the registry database and, when a project path
is given, to that project's database. Both are also migrated automatically on
open; this command exists for explicit upgrades and scripting.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	registry, err := store.OpenRegistryDB("")
	if err != nil {
		return err
	}
	defer func() { _ = registry.Close() }()
	fmt.Println("registry database migrated:", registry.Path())

	if len(args) == 1 {
		db, err := store.OpenProjectDB(args[0])
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		fmt.Println("project database migrated:", db.Path())
	}
	return nil
}
