package cmd

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wardengate/wardengate/internal/domain/auth"
)

var hashKeySHA bool

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Generate a hash for an admin API key",
	Long: `Generate a hash of an admin API key for the auth.admin_keys config list.

By default the key is hashed with Argon2id, which is what production
deployments should use. The --sha256 flag emits a "sha256:<hex>" digest
instead for compatibility with secret scanners that reject PHC strings.

Example:
  wardengate hash-key "my-secret-api-key"

Security note: the key will appear in shell history.
Consider using an environment variable:
  wardengate hash-key "$MY_API_KEY"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		if hashKeySHA {
			sum := sha256.Sum256([]byte(key))
			fmt.Printf("sha256:%s\n", hex.EncodeToString(sum[:]))
			return nil
		}
		hash, err := auth.HashAdminKey(key)
		if err != nil {
			return fmt.Errorf("hashing key: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	hashKeyCmd.Flags().BoolVar(&hashKeySHA, "sha256", false, "emit a sha256 digest instead of Argon2id")
	rootCmd.AddCommand(hashKeyCmd)
}
