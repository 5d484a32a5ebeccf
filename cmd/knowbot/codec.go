package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/memohai/knowbot/internal/callback"
	"github.com/memohai/knowbot/internal/config"
)

// sealCmd and openCmd reproduce callback traffic by hand when debugging a
// registration against the developer console.
var sealCmd = &cobra.Command{
	Use:   "seal [plaintext]",
	Short: "Encrypt and sign a callback payload",
	Long:  `Seal reads the plaintext from the argument or stdin and prints the signed envelope as JSON.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		codec, err := loadCodec()
		if err != nil {
			return err
		}
		plaintext, err := argOrStdin(cmd, args)
		if err != nil {
			return err
		}
		env, err := codec.Encrypt(plaintext)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(env)
	},
}

var openCmd = &cobra.Command{
	Use:   "open [envelope-json]",
	Short: "Verify and decrypt a callback envelope",
	Long:  `Open reads an envelope {"msg_signature","timeStamp","nonce","encrypt"} and prints the plaintext.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		codec, err := loadCodec()
		if err != nil {
			return err
		}
		raw, err := argOrStdin(cmd, args)
		if err != nil {
			return err
		}
		var env callback.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("parse envelope: %w", err)
		}
		plaintext, err := codec.VerifyAndDecrypt(env)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(plaintext))
		return err
	},
}

func loadCodec() (*callback.Codec, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if !cfg.DingTalk.CallbackEnabled() {
		return nil, errors.New("dingtalk.callback_token and dingtalk.aes_key must be configured")
	}
	return callback.NewCodec(cfg.DingTalk.CallbackToken, cfg.DingTalk.AESKey, cfg.DingTalk.OwnerKey())
}

func argOrStdin(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 1 {
		return []byte(args[0]), nil
	}
	raw, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, errors.New("no input: pass an argument or pipe data on stdin")
	}
	return []byte(trimmed), nil
}
