// Part of the docset CLI - this file implements the 'docset migrate
// <command>' subcommands.
package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arthur-debert/docset/docset/migration"
)

var revertFlag bool

var renameFieldCmd = &cobra.Command{
	Use:   "rename-field <collection> <old-name> <new-name>",
	Short: "Rename a field across all documents of a collection",
	Args:  cobra.ExactArgs(3),
	RunE:  runRenameField,
}

var removeFieldCmd = &cobra.Command{
	Use:   "remove-field <collection> <name>",
	Short: "Remove a field from all documents of a collection",
	Long:  "Remove a field from every document of a collection. This destroys the field's data and cannot be reverted.",
	Args:  cobra.ExactArgs(2),
	RunE:  runRemoveField,
}

var setDefaultCmd = &cobra.Command{
	Use:   "set-default <collection> <name> <value>",
	Short: "Backfill a field's value on documents missing it",
	Args:  cobra.ExactArgs(3),
	RunE:  runSetDefault,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List recorded migrations",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	renameFieldCmd.Flags().BoolVar(&revertFlag, "revert", false, "undo a previously applied rename")
	setDefaultCmd.Flags().BoolVar(&revertFlag, "revert", false, "undo a previously applied backfill")
}

func runRenameField(cmd *cobra.Command, args []string) error {
	task := migration.AlterField(args[0], args[1], args[2])
	return runTask(cmd, task)
}

func runRemoveField(cmd *cobra.Command, args []string) error {
	task := migration.RemoveField(args[0], args[1])
	return runTask(cmd, task)
}

func runSetDefault(cmd *cobra.Command, args []string) error {
	task := migration.SetDefault(args[0], args[1], args[2])
	return runTask(cmd, task)
}

func runTask(cmd *cobra.Command, task migration.Task) error {
	ctx := cmd.Context()
	teardown, err := connect(ctx)
	if err != nil {
		return err
	}
	defer teardown()

	runner, err := migration.NewRunner(task)
	if err != nil {
		return err
	}
	if revertFlag {
		if err := runner.Revert(ctx, task.Name); err != nil {
			return err
		}
		fmt.Printf("Reverted %q\n", task.Name)
		return nil
	}
	report, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	switch {
	case len(report.Applied) > 0:
		fmt.Printf("Applied %q (run %s)\n", task.Name, report.RunID)
	default:
		fmt.Printf("Skipped %q: already applied\n", task.Name)
	}
	return nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	teardown, err := connect(ctx)
	if err != nil {
		return err
	}
	defer teardown()

	records, err := migration.Applied(ctx)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No migrations recorded")
		return nil
	}
	for _, rec := range records {
		fmt.Printf("%s  %s  run=%s\n", rec.AppliedAt.Format("2006-01-02 15:04:05"), rec.Name, rec.RunID)
	}
	return nil
}
