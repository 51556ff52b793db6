package main

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/chat-relay/internal/store"
)

func newHistoryCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Print the stored chat history as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return errors.Wrap(err, "load configuration")
			}

			st, err := store.Open(cmd.Context(), cfg.Store)
			if err != nil {
				return errors.Wrap(err, "open store")
			}
			defer st.Close()

			messages, err := st.ListOrdered(cmd.Context())
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(messages)
		},
	}
}
