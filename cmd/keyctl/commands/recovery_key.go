package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"e2ee-keyserver/pkg/keycrypto"
)

// recoveryOutput is what the user keeps (recovery_key) and what they upload
// as auth_data of a new backup version
type recoveryOutput struct {
	RecoveryKey string            `json:"recovery_key"`
	Algorithm   string            `json:"algorithm"`
	AuthData    map[string]string `json:"auth_data"`
}

func recoveryKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recovery-key",
		Short: "Create backup recovery keys",
	}
	cmd.AddCommand(generateRecoveryKeyCmd(), passphraseRecoveryKeyCmd())
	return cmd
}

func generateRecoveryKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate",
		Short: "Generate a random recovery key",
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, pub, err := keycrypto.GenerateRecoveryKey()
			if err != nil {
				return err
			}
			return printJSON(cmd, recoveryOutput{
				RecoveryKey: keycrypto.EncodeRecoveryKey(priv),
				Algorithm:   keycrypto.BackupAlgorithm,
				AuthData:    map[string]string{"public_key": pub},
			})
		},
	}
}

func passphraseRecoveryKeyCmd() *cobra.Command {
	var (
		passphrase string
		salt       string
	)
	cmd := &cobra.Command{
		Use:   "from-passphrase",
		Short: "Derive a recovery key from a passphrase",
		Long: "Derive a recovery key from a passphrase with argon2id. Without --salt a new\n" +
			"salt is generated; pass the salt from auth_data to re-derive an existing key.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if passphrase == "" {
				return fmt.Errorf("passphrase required (-p)")
			}

			var saltBytes []byte
			var err error
			if salt == "" {
				saltBytes, err = keycrypto.NewSalt()
			} else {
				saltBytes, err = keycrypto.DecodeBase64(salt)
			}
			if err != nil {
				return fmt.Errorf("invalid salt: %w", err)
			}

			priv, pub, err := keycrypto.DeriveRecoveryKey(passphrase, saltBytes)
			if err != nil {
				return err
			}
			return printJSON(cmd, recoveryOutput{
				RecoveryKey: keycrypto.EncodeRecoveryKey(priv),
				Algorithm:   keycrypto.BackupAlgorithm,
				AuthData: map[string]string{
					"public_key":       pub,
					"private_key_salt": keycrypto.EncodeBase64(saltBytes),
				},
			})
		},
	}
	cmd.Flags().StringVarP(&passphrase, "passphrase", "p", "", "backup passphrase")
	cmd.Flags().StringVar(&salt, "salt", "", "base64 salt of an existing key")
	return cmd
}
