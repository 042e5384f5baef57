package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/gridbroker/internal/shard"
)

// methodValue parses --method while flags are read, before the app starts.
type methodValue shard.Method

func (m *methodValue) String() string { return shard.Method(*m).String() }

func (m *methodValue) Set(s string) error {
	method, err := shard.ParseMethod(s)
	if err != nil {
		return err
	}
	*m = methodValue(method)
	return nil
}

func (m *methodValue) Type() string { return "method" }

// targetFlags selects the queue a command works on.
type targetFlags struct {
	service  string
	shards   []string
	method   methodValue
	priority int
	dims     []int
	key      string
}

func (f *targetFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.service, "service", "", "service name (required)")
	flags.StringSliceVar(&f.shards, "shards", nil, "shard names, highest priority first (required)")
	flags.Var(&f.method, "method", "shard selection method: FIRST, RANDOM, ROUND_ROBIN, HASH, LEAST_FILLED, LOOKUP, BALANCE")
	flags.IntVar(&f.priority, "priority", 0, "priority group to select from")
	flags.IntSliceVar(&f.dims, "dims", nil, "number of shards in each priority group")
	flags.StringVar(&f.key, "key", "", "hashing key for HASH, LOOKUP and BALANCE")
	_ = cmd.MarkFlagRequired("service")
	_ = cmd.MarkFlagRequired("shards")
}

func (f *targetFlags) request() shard.Request {
	return shard.Request{
		Service:            f.service,
		Shards:             f.shards,
		Method:             shard.Method(f.method),
		PriorityDimensions: f.dims,
		Priority:           f.priority,
		HashingKey:         f.key,
	}
}

func newSendCmd() *cobra.Command {
	var target targetFlags
	cmd := &cobra.Command{
		Use:   "send MESSAGE...",
		Short: "Send one message per argument",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			req := target.request()
			for _, msg := range args {
				tier, err := appInstance.Broker().Send(cmd.Context(), req, []byte(msg))
				if err != nil {
					return fmt.Errorf("send: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "sent %d bytes via %s\n", len(msg), tier)
			}
			return nil
		},
	}
	target.register(cmd)
	return cmd
}

func newReceiveCmd() *cobra.Command {
	var (
		target  targetFlags
		timeout time.Duration
		count   int
		keep    bool
	)
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Receive and print messages",
		Long: `Receives up to --count messages, printing one payload per line. With
--keep each message is rejected after printing, so it stays queued. The local
tier removes messages on receive and cannot requeue them; use peek there.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			req := target.request()
			b := appInstance.Broker()
			for range count {
				env, err := b.Receive(cmd.Context(), req, timeout, !keep)
				if err != nil {
					return fmt.Errorf("receive: %w", err)
				}
				if env == nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "no message before timeout")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(env.Payload))
				if keep {
					if err := b.RejectEnvelope(cmd.Context(), env); err != nil {
						return fmt.Errorf("requeue: %w", err)
					}
				}
			}
			return nil
		},
	}
	target.register(cmd)
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to wait for each message; 0 waits forever")
	cmd.Flags().IntVar(&count, "count", 1, "maximum number of messages")
	cmd.Flags().BoolVar(&keep, "keep", false, "requeue each message after printing it")
	return cmd
}

func newAvailableCmd() *cobra.Command {
	var target targetFlags
	cmd := &cobra.Command{
		Use:   "available",
		Short: "Print the ready message count of the selected queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			req := target.request()
			a, err := appInstance.Broker().Available(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("available: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%s\n", a.Queue, a.Count, a.Tier)
			return nil
		},
	}
	target.register(cmd)
	return cmd
}

func newPeekCmd() *cobra.Command {
	var (
		target targetFlags
		count  int
	)
	cmd := &cobra.Command{
		Use:   "peek",
		Short: "Print up to --count messages without consuming them",
		Long: `Peek receives messages and sends them back. It is not atomic: concurrent
consumers may observe the gap, and restored messages lose their order.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			req := target.request()
			envs, err := appInstance.Broker().Peek(cmd.Context(), req, count)
			if err != nil {
				return fmt.Errorf("peek: %w", err)
			}
			for _, env := range envs {
				fmt.Fprintln(cmd.OutOrStdout(), string(env.Payload))
			}
			return nil
		},
	}
	target.register(cmd)
	cmd.Flags().IntVar(&count, "count", 10, "maximum number of messages")
	return cmd
}

func newClearCmd() *cobra.Command {
	var target targetFlags
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop the ready messages of the selected queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			req := target.request()
			tier, err := appInstance.Broker().Clear(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("clear: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared on %s\n", tier)
			return nil
		},
	}
	target.register(cmd)
	return cmd
}
