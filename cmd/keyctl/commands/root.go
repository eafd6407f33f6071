package commands

import (
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var (
	inPath string
	pretty bool
)

// Execute runs the root command
func Execute() error {
	root := &cobra.Command{
		Use:           "keyctl",
		Short:         "Client-side key tool for the E2EE key service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVarP(&inPath, "in", "i", "-", "input file (- for stdin)")
	root.PersistentFlags().BoolVar(&pretty, "pretty", false, "indent JSON output")

	root.AddCommand(recoveryKeyCmd(), backupCmd(), crossSigningCmd(), secretStorageCmd())
	return root.Execute()
}

func readInput(cmd *cobra.Command) ([]byte, error) {
	if inPath == "" || inPath == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(inPath)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}
