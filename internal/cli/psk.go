package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cosmos/go-bip39"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"clipmesh.dev/go/clipmesh/internal/client"
	"clipmesh.dev/go/clipmesh/internal/config"
	"clipmesh.dev/go/clipmesh/internal/keychain"
	"clipmesh.dev/go/clipmesh/internal/tui"
)

var (
	pskToFile   bool
	pskMnemonic bool
	pskWords    int
	pskStore    bool
	pskYes      bool
)

func init() {
	rootCmd.AddCommand(pskCmd)
	pskCmd.AddCommand(pskSetCmd)
	pskCmd.AddCommand(pskGenerateCmd)
	pskCmd.AddCommand(pskShowQRCmd)
	pskCmd.AddCommand(pskClearCmd)

	pskSetCmd.Flags().BoolVar(&pskToFile, "file", false, "store in a psk file in the config directory instead of the keychain")
	pskSetCmd.Flags().BoolVar(&pskMnemonic, "mnemonic", false, "require a valid BIP-39 recovery phrase")
	pskGenerateCmd.Flags().IntVar(&pskWords, "words", 24, "number of words (12 or 24)")
	pskGenerateCmd.Flags().BoolVar(&pskStore, "store", false, "store the generated key in the keychain")
	pskShowQRCmd.Flags().BoolVarP(&pskYes, "yes", "y", false, "don't ask before showing the key")
}

var pskCmd = &cobra.Command{
	Use:   "psk",
	Short: "Manage the shared key",
	Long: `Manage the pre-shared key every device in a group uses to authenticate.

The daemon reads the key, in order, from security.psk_file, $CLIPMESH_PSK,
the OS keychain, then security.psk in the config. Restart the daemon after
changing it.`,
}

var pskSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store the shared key",
	Long: `Prompt for the shared key and store it in the OS keychain.

Use --file on systems without a keychain (headless Linux); the key is
written to a 0600 file and security.psk_file is set in the config.`,
	Args: cobra.NoArgs,
	RunE: runPSKSet,
}

var pskGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new shared key",
	Long: `Generate a random shared key as a BIP-39 word list, which is easy to
type on another machine. Use 'clipmesh psk show-qr' to move it to a
device with a camera.`,
	Args: cobra.NoArgs,
	RunE: runPSKGenerate,
}

var pskShowQRCmd = &cobra.Command{
	Use:   "show-qr",
	Short: "Show the shared key as a QR code",
	Args:  cobra.NoArgs,
	RunE:  runPSKShowQR,
}

var pskClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the shared key from the keychain",
	Args:  cobra.NoArgs,
	RunE:  runPSKClear,
}

// normalizePSK trims the key and collapses runs of whitespace, so a
// word list typed with stray spaces matches the original.
func normalizePSK(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// generateMnemonic returns a random BIP-39 phrase of 12 or 24 words
func generateMnemonic(words int) (string, error) {
	var bits int
	switch words {
	case 12:
		bits = 128
	case 24:
		bits = 256
	default:
		return "", fmt.Errorf("word count must be 12 or 24, got %d", words)
	}

	entropy, err := bip39.NewEntropy(bits)
	if err != nil {
		return "", fmt.Errorf("generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// validatePSK rejects empty keys and, when mnemonic is set, phrases that
// fail the BIP-39 checksum.
func validatePSK(psk string, mnemonic bool) error {
	if psk == "" {
		return errors.New("shared key must not be empty")
	}
	if mnemonic && !bip39.IsMnemonicValid(psk) {
		return errors.New("invalid recovery phrase (check the words and their order)")
	}
	return nil
}

// pskQR renders the key as a QR code for a terminal
func pskQR(psk string) (string, error) {
	qr, err := qrcode.New(psk, qrcode.Medium)
	if err != nil {
		return "", err
	}
	return qr.ToSmallString(false), nil
}

func runPSKSet(cmd *cobra.Command, args []string) error {
	raw, err := tui.ReadSecretConfirm("Shared key: ", "Confirm: ")
	if err != nil {
		return err
	}
	psk := normalizePSK(string(raw))
	if err := validatePSK(psk, pskMnemonic); err != nil {
		return err
	}

	if pskToFile {
		path, err := storePSKFile(psk)
		if err != nil {
			return err
		}
		fmt.Printf("Shared key written to %s.\n", path)
	} else {
		if !keychain.IsAvailable() {
			return errors.New("no OS keychain available; use --file to store the key in a file")
		}
		if err := keychain.Store(psk); err != nil {
			return fmt.Errorf("store in keychain: %w", err)
		}
		fmt.Println("Shared key stored in the OS keychain.")
	}

	noteRestart()
	return nil
}

// storePSKFile writes psk next to the config and points psk_file at it
func storePSKFile(psk string) (string, error) {
	cfg, paths, err := loadConfig()
	if err != nil {
		return "", err
	}
	if err := paths.EnsureDirectories(); err != nil {
		return "", fmt.Errorf("create directories: %w", err)
	}

	path := filepath.Join(paths.ConfigDir, "psk")
	if err := os.WriteFile(path, []byte(psk+"\n"), 0600); err != nil {
		return "", fmt.Errorf("write psk file: %w", err)
	}

	if cfg.Security.PSKFile != path {
		cfg.Security.PSKFile = path
		if err := cfg.SaveTo(configPath(paths)); err != nil {
			return "", fmt.Errorf("update config: %w", err)
		}
	}
	return path, nil
}

func runPSKGenerate(cmd *cobra.Command, args []string) error {
	mnemonic, err := generateMnemonic(pskWords)
	if err != nil {
		return err
	}

	fmt.Println(tui.TitleStyle.Render("New shared key"))
	fmt.Println()
	words := strings.Fields(mnemonic)
	for i := 0; i < len(words); i += 6 {
		end := min(i+6, len(words))
		fmt.Println("  " + tui.AccentStyle.Render(strings.Join(words[i:end], " ")))
	}
	fmt.Println()

	if !pskStore {
		fmt.Println("Enter it on every device with 'clipmesh psk set'.")
		return nil
	}

	if err := keychain.Store(mnemonic); err != nil {
		return fmt.Errorf("store in keychain: %w", err)
	}
	fmt.Println("Stored in the OS keychain. Enter it on the other devices with 'clipmesh psk set'.")
	noteRestart()
	return nil
}

func runPSKShowQR(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	psk, source, err := cfg.ResolvePSK()
	if err != nil {
		return err
	}
	if source == config.PSKNone {
		return errors.New("no shared key configured; run 'clipmesh psk set' or 'clipmesh psk generate --store'")
	}

	if !pskYes && tui.IsTerminal() {
		ok, err := tui.Confirm("This shows the shared key on screen. Continue?", false)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}

	qr, err := pskQR(string(psk))
	if err != nil {
		return fmt.Errorf("render QR code: %w", err)
	}
	fmt.Print(qr)
	fmt.Println(tui.LabelStyle.Render(fmt.Sprintf("(from %s)", source)))
	return nil
}

func runPSKClear(cmd *cobra.Command, args []string) error {
	if err := keychain.Delete(); err != nil {
		return fmt.Errorf("delete from keychain: %w", err)
	}
	fmt.Println("Shared key removed from the OS keychain.")

	if cfg, _, err := loadConfig(); err == nil {
		if cfg.Security.PSKFile != "" {
			fmt.Printf("security.psk_file still points at %s.\n", cfg.Security.PSKFile)
		}
		if cfg.Security.PSK != "" {
			fmt.Println("security.psk is still set in the config.")
		}
	}
	noteRestart()
	return nil
}

func noteRestart() {
	if client.IsRunning() {
		fmt.Println("Restart the daemon to use the new key: clipmesh daemon stop && clipmesh daemon start")
	}
}
