package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/lindad"
	lindaclient "pkt.systems/lindad/client"
)

const (
	clientServerKey  = "client.server"
	clientTimeoutKey = "client.timeout"
)

func newClientCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "client",
		Aliases: []string{"cli"},
		Short:   "Issue requests against a running lindad server",
	}
	flags := cmd.PersistentFlags()
	flags.StringP("server", "s", lindad.DefaultListen, "server address (host:port)")
	flags.Duration("timeout", 0, "per-request timeout (0 waits indefinitely, which RD, IN and EX may need)")
	if err := v.BindPFlag(clientServerKey, flags.Lookup("server")); err != nil {
		panic(err)
	}
	if err := v.BindPFlag(clientTimeoutKey, flags.Lookup("timeout")); err != nil {
		panic(err)
	}

	cmd.AddCommand(
		newClientWriteCommand(v),
		newClientReadCommand(v),
		newClientInCommand(v),
		newClientExchangeCommand(v),
		newClientRawCommand(v),
	)
	return cmd
}

// withClient dials the configured server, runs fn and closes the connection.
func withClient(cmd *cobra.Command, v *viper.Viper, fn func(ctx context.Context, c *lindaclient.Client) error) error {
	cmd.SilenceUsage = true
	ctx := cmd.Context()
	if timeout := v.GetDuration(clientTimeoutKey); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	addr := strings.TrimSpace(v.GetString(clientServerKey))
	if addr == "" {
		addr = lindad.DefaultListen
	}
	c, err := lindaclient.Dial(ctx, addr)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

func newClientWriteCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "wr KEY VALUE",
		Short: "Append VALUE to the tuples stored under KEY",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, v, func(ctx context.Context, c *lindaclient.Client) error {
				if err := c.Write(ctx, args[0], args[1]); err != nil {
					return err
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "OK")
				return err
			})
		},
	}
}

func newClientReadCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "rd KEY",
		Short: "Print the oldest value under KEY without removing it, waiting for one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, v, func(ctx context.Context, c *lindaclient.Client) error {
				value, err := c.Read(ctx, args[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), value)
				return err
			})
		},
	}
}

func newClientInCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "in KEY",
		Short: "Remove and print the oldest value under KEY, waiting for one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, v, func(ctx context.Context, c *lindaclient.Client) error {
				value, err := c.In(ctx, args[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), value)
				return err
			})
		},
	}
}

func newClientExchangeCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "ex IN OUT SERVICE",
		Short: "Take a value from IN, apply SERVICE (upper|reverse|length or an id) and write the result to OUT",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			service, err := parseServiceArg(args[2])
			if err != nil {
				return err
			}
			return withClient(cmd, v, func(ctx context.Context, c *lindaclient.Client) error {
				if err := c.Exchange(ctx, args[0], args[1], service); err != nil {
					return err
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "OK")
				return err
			})
		},
	}
}

func newClientRawCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "raw LINE...",
		Short: "Send one protocol line verbatim and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, v, func(ctx context.Context, c *lindaclient.Client) error {
				reply, err := c.Do(ctx, strings.Join(args, " "))
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), reply)
				return err
			})
		},
	}
}

var serviceNames = map[string]uint32{
	"upper":   lindaclient.ServiceUpper,
	"reverse": lindaclient.ServiceReverse,
	"length":  lindaclient.ServiceLength,
}

func parseServiceArg(raw string) (uint32, error) {
	raw = strings.TrimSpace(raw)
	if id, ok := serviceNames[strings.ToLower(raw)]; ok {
		return id, nil
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid service %q (want upper, reverse, length or a numeric id)", raw)
	}
	return uint32(id), nil
}
