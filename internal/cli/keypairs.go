// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keystore.
//
// go-keystore is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package cli

import (
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-keystore/pkg/types"
)

func (a *app) generateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate NAME",
		Short: "Generate a key pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			alg, _ := cmd.Flags().GetString("algorithm")
			size, _ := cmd.Flags().GetInt("size")
			exp, _ := cmd.Flags().GetInt64("exponent")

			var keyArgs [][]byte
			if exp != 0 {
				keyArgs = [][]byte{big.NewInt(exp).Bytes()}
			}
			a.verbose(cmd, "generating %s key (size %d)", alg, size)
			code, err := a.client.Generate(ctx(cmd), []byte(args[0]), uidFlag(cmd), alg, size, flagsFlag(cmd), keyArgs)
			return a.finish(cmd, "generate", code, err)
		},
	}
	cmd.Flags().String("algorithm", "RSA", "key algorithm (RSA, EC, Ed25519)")
	cmd.Flags().Int("size", 0, "key size in bits (0 for the algorithm default)")
	cmd.Flags().Int64("exponent", 0, "RSA public exponent (0 for 65537)")
	addUIDFlag(cmd)
	addEncryptedFlag(cmd)
	return cmd
}

func (a *app) importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import NAME FILE",
		Short: "Import a PKCS#8 private key (DER or PEM, - for stdin)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, "", args[1])
			if err != nil {
				return err
			}
			if block, _ := pem.Decode(data); block != nil {
				data = block.Bytes
			}
			code, err := a.client.Import(ctx(cmd), []byte(args[0]), data, uidFlag(cmd), flagsFlag(cmd))
			return a.finish(cmd, "import", code, err)
		},
	}
	addUIDFlag(cmd)
	addEncryptedFlag(cmd)
	return cmd
}

func (a *app) signCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign NAME",
		Short: "Sign data and print the base64 signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := dataFlags(cmd)
			if err != nil {
				return err
			}
			sig, code, err := a.client.Sign(ctx(cmd), []byte(args[0]), data)
			if err != nil {
				return err
			}
			if code != types.NoError {
				return a.failed(cmd, "sign", code)
			}
			return a.printer(cmd).PrintEncoded("signature", sig)
		},
	}
	addDataFlags(cmd)
	return cmd
}

func (a *app) verifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify NAME SIGNATURE",
		Short: "Verify a base64 signature over data",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sig, err := base64.StdEncoding.DecodeString(args[1])
			if err != nil {
				return fmt.Errorf("invalid signature encoding: %w", err)
			}
			data, err := dataFlags(cmd)
			if err != nil {
				return err
			}
			code, err := a.client.Verify(ctx(cmd), []byte(args[0]), data, sig)
			return a.finish(cmd, "verify", code, err)
		},
	}
	addDataFlags(cmd)
	return cmd
}

func (a *app) pubkeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pubkey NAME",
		Short: "Print a key pair's public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			der, code, err := a.client.GetPublicKey(ctx(cmd), []byte(args[0]))
			if err != nil {
				return err
			}
			if code != types.NoError {
				return a.failed(cmd, "get_pubkey", code)
			}
			if asPEM, _ := cmd.Flags().GetBool("pem"); asPEM {
				return pem.Encode(cmd.OutOrStdout(), &pem.Block{Type: "PUBLIC KEY", Bytes: der})
			}
			return a.printer(cmd).PrintEncoded("public_key", der)
		},
	}
	cmd.Flags().Bool("pem", false, "print PEM instead of base64 DER")
	return cmd
}

func (a *app) delKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delkey NAME",
		Short: "Delete a key pair, removing it from the keymaster device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := a.client.DeleteKeyPair(ctx(cmd), []byte(args[0]), uidFlag(cmd))
			return a.finish(cmd, "del_key", code, err)
		},
	}
	addUIDFlag(cmd)
	return cmd
}

func (a *app) hardwareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hardware KEY_TYPE",
		Short: "Report whether KEY_TYPE keys are held in hardware",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hw, err := a.client.IsHardwareBacked(ctx(cmd), args[0])
			if err != nil {
				return err
			}
			return a.printer(cmd).PrintHardware(args[0], hw)
		},
	}
}

func addDataFlags(cmd *cobra.Command) {
	cmd.Flags().String("data", "", "data to sign or verify")
	cmd.Flags().String("file", "", "read the data from a file (- for stdin)")
}

func dataFlags(cmd *cobra.Command) ([]byte, error) {
	data, _ := cmd.Flags().GetString("data")
	file, _ := cmd.Flags().GetString("file")
	return readInput(cmd, data, file)
}
