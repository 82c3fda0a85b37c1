package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"filippo.io/age"
	"filippo.io/age/armor"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sekia-ai/mailwatch/internal/secrets"
)

func newSecretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage secret encryption",
	}

	cmd.AddCommand(newSecretsKeygenCmd())
	cmd.AddCommand(newSecretsEncryptCmd())
	cmd.AddCommand(newSecretsEncryptFileCmd())
	cmd.AddCommand(newSecretsDecryptCmd())

	return cmd
}

func newSecretsKeygenCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new age keypair for config encryption",
		Long: `Generates a new X25519 age keypair and writes the identity (private key) to a
file. The public key (recipient) is printed for use with
'mailwatch secrets encrypt --recipient'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := secrets.GenerateKeyPair()
			if err != nil {
				return fmt.Errorf("generate keypair: %w", err)
			}

			if output == "" {
				homeDir, _ := os.UserHomeDir()
				output = filepath.Join(homeDir, ".config", "mailwatch", secrets.DefaultKeyFilename)
			}

			if err := os.MkdirAll(filepath.Dir(output), 0700); err != nil {
				return fmt.Errorf("create directory: %w", err)
			}

			if _, err := os.Stat(output); err == nil {
				return fmt.Errorf("key file already exists: %s (remove it first to regenerate)", output)
			}

			content := fmt.Sprintf("# created: %s\n# public key: %s\n%s\n",
				time.Now().Format(time.RFC3339),
				identity.Recipient().String(),
				identity.String(),
			)
			if err := os.WriteFile(output, []byte(content), 0600); err != nil {
				return fmt.Errorf("write key file: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Key file written to: %s\n", output)
			fmt.Fprintf(cmd.OutOrStdout(), "Public key: %s\n", identity.Recipient().String())
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output path (default: ~/.config/mailwatch/age.key)")
	return cmd
}

// resolveRecipient parses key, or derives the recipient from the default
// identity when key is empty.
func resolveRecipient(key string) (age.Recipient, error) {
	if key != "" {
		r, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("parse recipient: %w", err)
		}
		return r, nil
	}

	ids, err := secrets.ResolveIdentity(viper.New())
	if err != nil {
		return nil, fmt.Errorf("resolve identity: %w", err)
	}
	if ids == nil {
		return nil, fmt.Errorf("no age key found; run 'mailwatch secrets keygen' first or use --recipient")
	}
	x25519, ok := ids[0].(*age.X25519Identity)
	if !ok {
		return nil, fmt.Errorf("default key is not an X25519 identity; use --recipient to specify a public key")
	}
	return x25519.Recipient(), nil
}

func newSecretsEncryptCmd() *cobra.Command {
	var recipientKey string

	cmd := &cobra.Command{
		Use:   "encrypt <value>",
		Short: "Encrypt a value for use in config files",
		Long: `Encrypts a plaintext value and outputs the ENC[...] string to paste into
mailwatch.toml. If --recipient is not provided, the public key is derived from
the default key file (~/.config/mailwatch/age.key).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recipient, err := resolveRecipient(recipientKey)
			if err != nil {
				return err
			}
			encrypted, err := secrets.Encrypt(args[0], recipient)
			if err != nil {
				return fmt.Errorf("encrypt: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), encrypted)
			return nil
		},
	}

	cmd.Flags().StringVar(&recipientKey, "recipient", "", "age public key (default: read from key file)")
	return cmd
}

func newSecretsEncryptFileCmd() *cobra.Command {
	var (
		recipientKey string
		output       string
	)

	cmd := &cobra.Command{
		Use:   "encrypt-file <path>",
		Short: "Encrypt a file, such as the service account key",
		Long: `Writes an ASCII-armored age file that google.credentials_file may point to
directly. The plaintext file is left in place.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recipient, err := resolveRecipient(recipientKey)
			if err != nil {
				return err
			}
			if output == "" {
				output = args[0] + ".age"
			}

			plaintext, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			f, err := os.OpenFile(output, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
			if err != nil {
				return fmt.Errorf("create %s: %w", output, err)
			}
			defer f.Close()

			if err := encryptTo(f, plaintext, recipient); err != nil {
				os.Remove(output)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Encrypted file written to: %s\n", output)
			return nil
		},
	}

	cmd.Flags().StringVar(&recipientKey, "recipient", "", "age public key (default: read from key file)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output path (default: <path>.age)")
	return cmd
}

func encryptTo(dst io.Writer, plaintext []byte, recipient age.Recipient) error {
	aw := armor.NewWriter(dst)
	w, err := age.Encrypt(aw, recipient)
	if err != nil {
		return fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return fmt.Errorf("age encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("age encrypt: %w", err)
	}
	return aw.Close()
}

func newSecretsDecryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decrypt <encrypted-value>",
		Short: "Decrypt an ENC[...] value (for debugging)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := secrets.ResolveIdentity(viper.New())
			if err != nil {
				return fmt.Errorf("resolve identity: %w", err)
			}
			if ids == nil {
				return fmt.Errorf("no age identity found; set MAILWATCH_AGE_KEY, MAILWATCH_AGE_KEY_FILE, or provide a key file at ~/.config/mailwatch/age.key")
			}

			plaintext, err := secrets.Decrypt(args[0], ids...)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), plaintext)
			return nil
		},
	}
}
