package commands

import (
	"crypto/ed25519"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"e2ee-keyserver/internal/domain"
	"e2ee-keyserver/pkg/keycrypto"
)

// crossSigningOutput holds the upload body and the private seeds the client
// must store
type crossSigningOutput struct {
	Upload  domain.SetupCrossSigningRequest `json:"upload"`
	Private map[string]string               `json:"private_keys"`
}

func crossSigningCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cross-signing",
		Short: "Create cross-signing keys",
	}
	cmd.AddCommand(generateCrossSigningCmd())
	return cmd
}

func generateCrossSigningCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate master, self-signing and user-signing keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !strings.HasPrefix(userID, "@") || !strings.Contains(userID, ":") {
				return fmt.Errorf("user id must look like @user:server (--user)")
			}
			out, err := generateCrossSigning(userID)
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "owner of the keys")
	return cmd
}

func newCrossSigningKey(userID string, usage domain.CrossSigningKeyType) (*domain.CrossSigningKey, ed25519.PrivateKey, string, error) {
	pub, priv, err := keycrypto.GenerateEd25519()
	if err != nil {
		return nil, nil, "", err
	}
	encoded := keycrypto.EncodeBase64(pub)
	keyID := string(domain.AlgorithmEd25519) + ":" + encoded
	return &domain.CrossSigningKey{
		UserID: userID,
		Usage:  []string{string(usage)},
		Keys:   map[string]string{keyID: encoded},
	}, priv, keyID, nil
}

func generateCrossSigning(userID string) (*crossSigningOutput, error) {
	master, masterPriv, masterKeyID, err := newCrossSigningKey(userID, domain.KeyTypeMaster)
	if err != nil {
		return nil, err
	}
	selfSigning, selfPriv, _, err := newCrossSigningKey(userID, domain.KeyTypeSelfSigning)
	if err != nil {
		return nil, err
	}
	userSigning, userPriv, _, err := newCrossSigningKey(userID, domain.KeyTypeUserSigning)
	if err != nil {
		return nil, err
	}

	for _, sub := range []*domain.CrossSigningKey{selfSigning, userSigning} {
		sig, err := keycrypto.SignJSON(masterPriv, sub.SignedObject())
		if err != nil {
			return nil, err
		}
		sub.Signatures = domain.Signatures{}
		sub.Signatures.Add(userID, masterKeyID, sig)
	}

	return &crossSigningOutput{
		Upload: domain.SetupCrossSigningRequest{
			MasterKey:      master,
			SelfSigningKey: selfSigning,
			UserSigningKey: userSigning,
		},
		Private: map[string]string{
			string(domain.KeyTypeMaster):      keycrypto.EncodeBase64(masterPriv.Seed()),
			string(domain.KeyTypeSelfSigning): keycrypto.EncodeBase64(selfPriv.Seed()),
			string(domain.KeyTypeUserSigning): keycrypto.EncodeBase64(userPriv.Seed()),
		},
	}, nil
}
