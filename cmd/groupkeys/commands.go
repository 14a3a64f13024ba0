package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	groupkeys "github.com/groupkeys/client-go"
)

// cli carries the flags and streams shared by every command.
type cli struct {
	cfg Config

	configPath string
	envFile    string
	baseURL    string
	userID     string
	deviceID   string
	dataDir    string

	settings *settings
}

func newRootCommand(cfg Config) *cobra.Command {
	c := &cli{cfg: cfg}

	root := &cobra.Command{
		Use:           "groupkeys",
		Short:         "Manage a device's group messaging keys",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(c.configPath, c.envFile)
			if err != nil {
				return err
			}
			override(&s.BaseURL, c.baseURL)
			override(&s.UserID, c.userID)
			override(&s.DeviceID, c.deviceID)
			if c.dataDir != "" {
				dir, err := homedir.Expand(c.dataDir)
				if err != nil {
					return err
				}
				s.DataDir = dir
			}
			c.settings = s
			return nil
		},
	}

	root.PersistentFlags().StringVar(&c.configPath, "config", defaultConfigPath, "config file")
	root.PersistentFlags().StringVar(&c.envFile, "env-file", defaultEnvFile, "dotenv file with GROUPKEYS_* overrides")
	root.PersistentFlags().StringVar(&c.baseURL, "url", "", "key service base URL")
	root.PersistentFlags().StringVar(&c.userID, "user", "", "user ID")
	root.PersistentFlags().StringVar(&c.deviceID, "device", "", "device ID")
	root.PersistentFlags().StringVar(&c.dataDir, "data-dir", "", "key store directory (default ~/.groupkeys/data)")

	root.AddCommand(
		c.identityCmd(),
		c.registerCmd(),
		c.syncCmd(),
		c.epochCmd(),
		c.distributeCmd(),
		c.safetyNumberCmd(),
	)
	return root
}

// open creates a client for the configured device. Background delivery is
// off; commands drain and flush explicitly.
func (c *cli) open(ctx context.Context) (*groupkeys.Client, error) {
	s := c.settings
	if s.UserID == "" || s.DeviceID == "" {
		return nil, errors.New("user and device are required (config userId/deviceId, GROUPKEYS_USER/GROUPKEYS_DEVICE, or --user/--device)")
	}

	logger := logrus.New()
	logger.SetOutput(c.cfg.Stderr)
	if level, err := logrus.ParseLevel(s.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	opts := []groupkeys.Option{
		groupkeys.WithDataDir(s.DataDir),
		groupkeys.WithDeliveryStrategy(groupkeys.StrategyNone),
		groupkeys.WithOutboxRetryInterval(0),
		groupkeys.WithLogger(logger),
	}
	if s.BaseURL != "" {
		opts = append(opts, groupkeys.WithBaseURL(s.BaseURL))
	}
	if s.AuthToken != "" {
		opts = append(opts, groupkeys.WithAuthToken(s.AuthToken))
	}
	return groupkeys.New(ctx, s.UserID, s.DeviceID, opts...)
}

// withClient opens the client, runs fn and closes it.
func (c *cli) withClient(cmd *cobra.Command, fn func(context.Context, *groupkeys.Client) error) error {
	ctx := cmd.Context()
	client, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(ctx, client)
}

// identityOutput is the public view of the device identity.
type identityOutput struct {
	UserID                string `json:"userId"`
	DeviceID              string `json:"deviceId"`
	IdentityPublicKey     string `json:"identityPublicKey"`
	SignedPreKey          string `json:"signedPreKey"`
	SignedPreKeySignature string `json:"signedPreKeySignature"`
	CreatedAt             string `json:"createdAt"`
}

func (c *cli) identityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Print this device's public identity, generating it on first use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withClient(cmd, func(ctx context.Context, client *groupkeys.Client) error {
				id, err := client.Identity(ctx)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(identityOutput{
					UserID:                id.UserID,
					DeviceID:              id.DeviceID,
					IdentityPublicKey:     base64.StdEncoding.EncodeToString(id.IdentityPublicKey),
					SignedPreKey:          base64.StdEncoding.EncodeToString(id.SignedPreKey),
					SignedPreKeySignature: base64.StdEncoding.EncodeToString(id.SignedPreKeySignature),
					CreatedAt:             id.CreatedAt.Format(time.RFC3339),
				})
			})
		},
	}
}

func (c *cli) registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Publish this device's key bundle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withClient(cmd, func(ctx context.Context, client *groupkeys.Client) error {
				if err := client.Register(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Registered %s/%s\n", client.UserID(), client.DeviceID())
				return nil
			})
		},
	}
}

func (c *cli) syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Drain queued key updates and retry undelivered sender keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withClient(cmd, func(ctx context.Context, client *groupkeys.Client) error {
				if err := client.Register(ctx); err != nil {
					return err
				}
				stored, err := client.FetchQueued(ctx)
				if err != nil {
					return err
				}
				delivered, err := client.FlushOutbox(ctx)
				if err != nil {
					return err
				}
				left, err := client.OutboxSize(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Stored %d key(s), delivered %d, %d still queued\n", stored, delivered, left)
				return nil
			})
		},
	}
}

func (c *cli) epochCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "epoch",
		Short: "Inspect and rotate group epochs",
	}

	printEpoch := func(cmd *cobra.Command, ep *groupkeys.GroupEpoch) {
		fmt.Fprintln(cmd.OutOrStdout(), ep.String())
	}

	initCmd := &cobra.Command{
		Use:   "init <group>",
		Short: "Initialize a group at its first epoch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withClient(cmd, func(ctx context.Context, client *groupkeys.Client) error {
				ep, err := client.InitGroup(ctx, args[0])
				if err != nil {
					return err
				}
				printEpoch(cmd, ep)
				return nil
			})
		},
	}

	getCmd := &cobra.Command{
		Use:   "get <group>",
		Short: "Print a group's current epoch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withClient(cmd, func(ctx context.Context, client *groupkeys.Client) error {
				ep, err := client.GetEpoch(ctx, args[0])
				if err != nil {
					return err
				}
				printEpoch(cmd, ep)
				return nil
			})
		},
	}

	var reason string
	advanceCmd := &cobra.Command{
		Use:   "advance <group>",
		Short: "Rotate a group to a new epoch and distribute the new key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withClient(cmd, func(ctx context.Context, client *groupkeys.Client) error {
				ep, err := client.AdvanceEpoch(ctx, args[0], reason)
				if err != nil {
					return err
				}
				printEpoch(cmd, ep)
				return nil
			})
		},
	}
	advanceCmd.Flags().StringVar(&reason, "reason", "manual", "advisory reason recorded with the epoch")

	cmd.AddCommand(initCmd, getCmd, advanceCmd)
	return cmd
}

func (c *cli) distributeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "distribute <group> [epoch]",
		Short: "Send this device's sender key to every member device",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withClient(cmd, func(ctx context.Context, client *groupkeys.Client) error {
				group := args[0]
				var epoch uint64
				if len(args) == 2 {
					e, err := strconv.ParseUint(args[1], 10, 64)
					if err != nil {
						return fmt.Errorf("invalid epoch %q: %w", args[1], err)
					}
					epoch = e
				} else {
					ep, err := client.GetEpoch(ctx, group)
					if err != nil {
						return err
					}
					if ep.State != groupkeys.EpochActive {
						return fmt.Errorf("%w: %s", groupkeys.ErrGroupNotInitialized, group)
					}
					epoch = ep.Epoch
				}

				report, err := client.Distribute(ctx, group, epoch)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s@%d: %d recipient(s), %d uploaded, %d failed\n",
					group, epoch, report.Recipients, report.Uploaded, report.Failed)
				for _, e := range report.Errors {
					fmt.Fprintf(out, "  %v\n", e)
				}
				return nil
			})
		},
	}
}

func (c *cli) safetyNumberCmd() *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "safety-number <user> <device>",
		Short: "Print the safety number shared with another device",
		Long: "Print the safety number shared with another device. With --offline the two\n" +
			"arguments are base64 identity public keys and nothing is contacted.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if offline {
				a, err := base64.StdEncoding.DecodeString(args[0])
				if err != nil {
					return fmt.Errorf("decode first key: %w", err)
				}
				b, err := base64.StdEncoding.DecodeString(args[1])
				if err != nil {
					return fmt.Errorf("decode second key: %w", err)
				}
				number, err := groupkeys.ComputeSafetyNumber(a, b)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), number)
				return nil
			}

			return c.withClient(cmd, func(ctx context.Context, client *groupkeys.Client) error {
				number, err := client.SafetyNumberFor(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), number)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "compute locally from two base64 identity keys")
	return cmd
}
