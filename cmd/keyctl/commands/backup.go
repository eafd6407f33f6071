package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"e2ee-keyserver/pkg/keycrypto"
)

func backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Seal and open backed-up session data",
	}
	cmd.AddCommand(backupEncryptCmd(), backupDecryptCmd())
	return cmd
}

func backupEncryptCmd() *cobra.Command {
	var publicKey string
	cmd := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt session data read from --in to a backup public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if publicKey == "" {
				return fmt.Errorf("backup public key required (--public-key)")
			}
			plaintext, err := readInput(cmd)
			if err != nil {
				return err
			}
			defer keycrypto.Wipe(plaintext)

			data, err := keycrypto.EncryptBackup(publicKey, plaintext)
			if err != nil {
				return err
			}
			return printJSON(cmd, data)
		},
	}
	cmd.Flags().StringVar(&publicKey, "public-key", "", "auth_data.public_key of the backup version")
	return cmd
}

func backupDecryptCmd() *cobra.Command {
	var recoveryKey string
	cmd := &cobra.Command{
		Use:   "decrypt",
		Short: "Decrypt session_data read from --in with a recovery key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if recoveryKey == "" {
				return fmt.Errorf("recovery key required (--recovery-key)")
			}
			priv, err := keycrypto.DecodeRecoveryKey(recoveryKey)
			if err != nil {
				return err
			}
			defer keycrypto.Wipe(priv[:])

			raw, err := readInput(cmd)
			if err != nil {
				return err
			}
			var data keycrypto.BackupSessionData
			if err := json.Unmarshal(raw, &data); err != nil {
				return fmt.Errorf("invalid session_data: %w", err)
			}

			plaintext, err := keycrypto.DecryptBackup(priv, &data)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(append(plaintext, '\n'))
			return err
		},
	}
	cmd.Flags().StringVar(&recoveryKey, "recovery-key", "", "recovery key as printed by recovery-key generate")
	return cmd
}
