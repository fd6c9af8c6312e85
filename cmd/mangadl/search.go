package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var searchCmd = &cobra.Command{
	Use:   "search [keyword]",
	Short: "Search comics by keyword",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		page, _ := cmd.Flags().GetInt("page")
		result, err := env.client.Search(cmd.Context(), args[0], page)
		if err != nil {
			return fmt.Errorf("searching: %w", err)
		}
		if len(result.Comics) == 0 {
			fmt.Println("no results")
			return nil
		}
		for _, c := range result.Comics {
			fmt.Printf("%-10d %s\n", c.ID, c.Title)
		}
		fmt.Printf("(%d of %d total)\n", len(result.Comics), result.Total)
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("page", 1, "page number, 1-indexed")
}
