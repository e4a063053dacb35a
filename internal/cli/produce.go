package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/rill/internal/eventlog"
	"github.com/roach88/rill/internal/ir"
)

// produceTimeout bounds one append against the broker.
const produceTimeout = 10 * time.Second

// ProduceOptions holds flags for the produce command.
type ProduceOptions struct {
	*RootOptions
	Brokers   []string
	Tombstone bool
}

// ProduceResult reports where the record landed.
type ProduceResult struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
	Offset    int64  `json:"offset"`
}

// NewProduceCommand creates the produce command.
func NewProduceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProduceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "produce <topic> <key> [json-object]",
		Short: "Append one record to a Kafka topic",
		Long: `Append a record to a topic of the configured Kafka-protocol broker.
The value must be a JSON object with no floating point numbers; with
--tombstone the record has no value and deletes its key downstream.

Examples:
  rill produce clicks u1 '{"device":"A"}' --brokers localhost:9092
  rill produce user_updates u1 --tombstone`,
		Args:          cobra.RangeArgs(2, 3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProduce(opts, args, cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Brokers, "brokers", nil, "Kafka seed brokers (default from config)")
	cmd.Flags().BoolVar(&opts.Tombstone, "tombstone", false, "append a tombstone for key")

	return cmd
}

// produceValue checks the command arguments and returns the record value.
func produceValue(args []string, tombstone bool) ([]byte, error) {
	switch {
	case tombstone && len(args) == 3:
		return nil, NewExitError(ExitCommandError, "a tombstone takes no value")
	case tombstone:
		return nil, nil
	case len(args) < 3:
		return nil, NewExitError(ExitCommandError, "value is required unless --tombstone is set")
	}
	if _, err := ir.DecodeRow([]byte(args[2])); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid value", err)
	}
	return []byte(args[2]), nil
}

func runProduce(opts *ProduceOptions, args []string, cmd *cobra.Command) error {
	value, err := produceValue(args, opts.Tombstone)
	if err != nil {
		return err
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	brokers := cfg.Log.Brokers
	if len(opts.Brokers) > 0 {
		brokers = opts.Brokers
	}
	if len(brokers) == 0 {
		return NewExitError(ExitCommandError, "no brokers: set --brokers or log.brokers in the config")
	}

	log, err := eventlog.NewKafka(eventlog.KafkaOptions{
		Brokers:          brokers,
		ClientID:         cfg.Log.ClientID,
		AutoCreateTopics: true,
		Logger:           opts.newLogger(cmd.ErrOrStderr()),
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect to event log", err)
	}
	defer log.Close()

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, produceTimeout)
	defer cancel()

	off, err := log.Append(ctx, args[0], []byte(args[1]), value)
	if err != nil {
		return WrapExitError(ExitCommandError, "append failed", err)
	}

	result := ProduceResult{Topic: args[0], Partition: off.Partition, Offset: off.Offset}
	if opts.Format == "json" {
		return opts.formatter(cmd).Success(result)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s[%d]@%d\n", result.Topic, result.Partition, result.Offset)
	return nil
}
