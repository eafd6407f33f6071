package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"e2ee-keyserver/internal/domain"
	"e2ee-keyserver/pkg/keycrypto"
)

// secretKeyOutput is a new storage key: the user keeps secret_key, the
// descriptor is uploaded to PUT /v1/secret_storage/keys/:key_id
type secretKeyOutput struct {
	KeyID      string                             `json:"key_id"`
	SecretKey  string                             `json:"secret_key"`
	Descriptor *domain.PutSecretStorageKeyRequest `json:"descriptor"`
}

func secretStorageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret-storage",
		Short: "Create storage keys and seal account secrets",
	}
	cmd.AddCommand(secretKeyGenerateCmd(), secretEncryptCmd(), secretDecryptCmd())
	return cmd
}

func generateSecretKey(name string) (*secretKeyOutput, error) {
	seed, err := keycrypto.NewSeed()
	if err != nil {
		return nil, err
	}
	defer keycrypto.Wipe(seed)

	check, err := keycrypto.SecretKeyCheck(seed)
	if err != nil {
		return nil, err
	}
	var key [32]byte
	copy(key[:], seed)
	defer keycrypto.Wipe(key[:])

	return &secretKeyOutput{
		KeyID:     keycrypto.SecretKeyID(seed),
		SecretKey: keycrypto.EncodeRecoveryKey(key),
		Descriptor: &domain.PutSecretStorageKeyRequest{
			Algorithm: keycrypto.SecretStorageAlgorithm,
			Name:      name,
			Check:     check,
		},
	}, nil
}

func secretKeyGenerateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "key-generate",
		Short: "Generate a secret storage key and its upload descriptor",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := generateSecretKey(name)
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "human readable key name")
	return cmd
}

// openSecretKey decodes a secret_key and returns it with its key id
func openSecretKey(encoded string) ([32]byte, string, error) {
	key, err := keycrypto.DecodeRecoveryKey(encoded)
	if err != nil {
		return key, "", err
	}
	return key, keycrypto.SecretKeyID(key[:]), nil
}

func secretEncryptCmd() *cobra.Command {
	var secretKey, name string
	cmd := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a secret read from --in under a storage key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secretKey == "" || name == "" {
				return fmt.Errorf("storage key (--key) and secret name (--name) required")
			}
			key, keyID, err := openSecretKey(secretKey)
			if err != nil {
				return err
			}
			defer keycrypto.Wipe(key[:])

			plaintext, err := readInput(cmd)
			if err != nil {
				return err
			}
			defer keycrypto.Wipe(plaintext)

			ct, err := keycrypto.EncryptSecret(key[:], name, plaintext)
			if err != nil {
				return err
			}
			return printJSON(cmd, domain.PutSecretRequest{
				Encrypted: map[string]keycrypto.SecretCiphertext{keyID: *ct},
			})
		},
	}
	cmd.Flags().StringVar(&secretKey, "key", "", "secret_key as printed by key-generate")
	cmd.Flags().StringVar(&name, "name", "", "secret name, bound into the ciphertext")
	return cmd
}

func secretDecryptCmd() *cobra.Command {
	var secretKey, name string
	cmd := &cobra.Command{
		Use:   "decrypt",
		Short: "Decrypt a stored secret read from --in",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secretKey == "" {
				return fmt.Errorf("storage key required (--key)")
			}
			key, keyID, err := openSecretKey(secretKey)
			if err != nil {
				return err
			}
			defer keycrypto.Wipe(key[:])

			raw, err := readInput(cmd)
			if err != nil {
				return err
			}
			var secret domain.StoredSecret
			if err := json.Unmarshal(raw, &secret); err != nil {
				return fmt.Errorf("invalid secret: %w", err)
			}
			if name == "" {
				name = secret.Name
			}
			ct, ok := secret.Encrypted[keyID]
			if !ok {
				return fmt.Errorf("secret is not encrypted under key %s", keyID)
			}

			plaintext, err := keycrypto.DecryptSecret(key[:], name, &ct)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(append(plaintext, '\n'))
			return err
		},
	}
	cmd.Flags().StringVar(&secretKey, "key", "", "secret_key as printed by key-generate")
	cmd.Flags().StringVar(&name, "name", "", "secret name (defaults to the name in the input)")
	return cmd
}
