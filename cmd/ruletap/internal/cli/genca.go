package cli

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ruletap/ruletap/cert"
)

func newGenCACmd() *cobra.Command {
	var keyPath, certPath string

	cmd := &cobra.Command{
		Use:   "genca",
		Short: "Generate a root private key and self-signed certificate",
		RunE: func(*cobra.Command, []string) error {
			return runGenCA(keyPath, certPath)
		},
	}
	cmd.Flags().StringVarP(&keyPath, "key", "k", "ca/private.key", "root private key file to write")
	cmd.Flags().StringVarP(&certPath, "cert", "c", "ca/cert.crt", "root certificate file to write")
	return cmd
}

func runGenCA(keyPath, certPath string) error {
	dir, err := caStoreDir(keyPath, certPath)
	if err != nil {
		return fmt.Errorf("genca: %w", err)
	}

	if err := cert.GenerateRoot(dir); err != nil {
		return fmt.Errorf("genca: generate root: %w", err)
	}
	slog.Info("generated root CA", "key", keyPath, "cert", certPath)
	return nil
}

// caStoreDir resolves the single directory cert.SelfSignCA stores its root
// key/cert pair under, requiring keyPath and certPath to share a parent
// directory (SelfSignCA's on-disk layout uses fixed filenames within one
// directory rather than two independently placed files).
func caStoreDir(keyPath, certPath string) (string, error) {
	keyDir := filepath.Dir(keyPath)
	certDir := filepath.Dir(certPath)
	if keyDir != certDir {
		return "", fmt.Errorf("key path %q and cert path %q must share a parent directory", keyPath, certPath)
	}
	return keyDir, nil
}
