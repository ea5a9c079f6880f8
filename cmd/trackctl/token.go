package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ignite/mailtrack/internal/instrument"
	"github.com/ignite/mailtrack/internal/token"
)

func codecFromConfig() (*token.Codec, error) {
	if cfg.Tracking.Secret == "" {
		return nil, errors.New("TRACKING_SECRET is required; a random secret would mint links no server accepts")
	}
	return token.NewCodec([]byte(cfg.Tracking.Secret), token.WithTTL(cfg.Tracking.TokenTTL())), nil
}

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint and inspect tracking tokens",
	}
	cmd.AddCommand(newTokenMintCmd(), newTokenInspectCmd())
	return cmd
}

func newTokenMintCmd() *cobra.Command {
	var campaign, subscriber, tenant, dest string
	var urlOnly bool

	cmd := &cobra.Command{
		Use:       "mint <open|click|unsubscribe|view>",
		Short:     "Mint a signed link",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"open", "click", "unsubscribe", "view"},
		RunE: func(cmd *cobra.Command, args []string) error {
			codec, err := codecFromConfig()
			if err != nil {
				return err
			}
			var tok, path string
			switch args[0] {
			case "open":
				if campaign == "" || subscriber == "" {
					return errors.New("--campaign and --subscriber are required")
				}
				tok, path = codec.EncodeOpen(campaign, subscriber), instrument.OpenPath
			case "click":
				if campaign == "" || subscriber == "" || dest == "" {
					return errors.New("--campaign, --subscriber and --url are required")
				}
				tok, path = codec.EncodeClick(campaign, subscriber, dest), instrument.ClickPath
			case "unsubscribe":
				if subscriber == "" || tenant == "" {
					return errors.New("--subscriber and --tenant are required")
				}
				tok, path = codec.EncodeUnsubscribe(subscriber, tenant), instrument.UnsubscribePath
			case "view":
				if campaign == "" || subscriber == "" || tenant == "" {
					return errors.New("--campaign, --subscriber and --tenant are required")
				}
				tok, path = codec.EncodeWebVersion(campaign, subscriber, tenant), instrument.WebVersionPath
			default:
				return fmt.Errorf("unknown token kind %q", args[0])
			}

			if urlOnly {
				fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(cfg.Tracking.BaseURL, "/")+path+tok)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&campaign, "campaign", "", "campaign ID")
	cmd.Flags().StringVar(&subscriber, "subscriber", "", "subscriber ID")
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant ID")
	cmd.Flags().StringVar(&dest, "url", "", "click destination")
	cmd.Flags().BoolVar(&urlOnly, "link", false, "print the full tracking URL instead of the bare token")
	return cmd
}

func newTokenInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <token>",
		Short: "Verify a token and print its fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			codec, err := codecFromConfig()
			if err != nil {
				return err
			}
			fields, err := codec.Fields(args[0])
			if err != nil {
				return err
			}
			data, _ := codec.Validate(args[0])
			ms, _ := strconv.ParseInt(data[strings.LastIndex(data, ":")+1:], 10, 64)
			out := struct {
				Fields    []string  `json:"fields"`
				ExpiresAt time.Time `json:"expires_at"`
			}{fields, time.UnixMilli(ms).UTC()}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}
