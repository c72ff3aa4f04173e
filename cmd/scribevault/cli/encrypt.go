package cli

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"scribevault/internal/envelope"
	"scribevault/internal/store"
)

const masterKeyEnv = "SCRIBEVAULT_MASTER_KEY"

func newEncryptCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "encrypt <session> <task-type>",
		Short: "Envelope-encrypt a task's blobs in place",
		Long: "Rewrites every blob of the task as AES-256-GCM ciphertext with a " +
			"per-blob data key wrapped under the master key from " + masterKeyEnv +
			" (64 hex characters). Progress is tracked under the session's ENCRYPTION task.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tt, err := store.ParseTaskType(args[1])
			if err != nil {
				return err
			}
			masterKey, err := masterKeyFromEnv()
			if err != nil {
				return err
			}
			parallelism, _ := cmd.Flags().GetInt("parallelism")

			s, err := storeFromCmd(cmd, logger)
			if err != nil {
				return err
			}
			defer s.Close()

			enc, err := envelope.New(envelope.Config{
				MasterKey:   masterKey,
				Store:       s,
				Parallelism: parallelism,
				Logger:      logger,
			})
			if err != nil {
				return err
			}
			return enc.EncryptTask(cmd.Context(), args[0], tt)
		},
	}
	cmd.Flags().Int("parallelism", 1, "concurrent blob encryptions")
	return cmd
}

func masterKeyFromEnv() ([]byte, error) {
	raw := os.Getenv(masterKeyEnv)
	if raw == "" {
		return nil, fmt.Errorf("%s is not set", masterKeyEnv)
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", masterKeyEnv, err)
	}
	return key, nil
}
