package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/devlikebear/aiapps-sub000/internal/domain"
	"github.com/devlikebear/aiapps-sub000/internal/kafka"
	"github.com/devlikebear/aiapps-sub000/services/processor"
	"github.com/devlikebear/aiapps-sub000/services/processor/config"
)

var submitCmd = &cobra.Command{
	Use:   "submit <job-type> [params-json]",
	Short: "Publish a job submission to the Kafka intake topic",
	Long: `Publish a job submission to the intake topic consumed by a running
"jobqueue serve" instance. Params default to {}.

Example:
  jobqueue submit tweet-generate '{"topic":"launch day"}' --priority 8`,
	Args: cobra.RangeArgs(1, 2),
	PreRun: func(cmd *cobra.Command, _ []string) {
		bindFlag("kafka_brokers", cmd.Flags(), "kafka-brokers")
		bindFlag("kafka_intake_topic", cmd.Flags(), "kafka-intake-topic")
	},
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().Int("priority", 0, "job priority 1-10; 0 uses the server default")
	submitCmd.Flags().Int("max-retries", -1, "retry bound; negative uses the server default")
	submitCmd.Flags().String("kafka-brokers", "", "comma-separated Kafka broker addresses")
	submitCmd.Flags().String("kafka-intake-topic", "", "intake topic")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	cfg := config.Load(viper.GetViper())
	if cfg.KafkaIntakeTopic == "" || len(cfg.Brokers()) == 0 {
		return fmt.Errorf("kafka_brokers and kafka_intake_topic are required")
	}

	sub, err := buildSubmission(args)
	if err != nil {
		return err
	}
	if p, _ := cmd.Flags().GetInt("priority"); p > 0 {
		sub.Priority = &p
	}
	if n, _ := cmd.Flags().GetInt("max-retries"); n >= 0 {
		sub.MaxRetries = &n
	}

	value, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("encode submission: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := kafka.Submit(ctx, cfg.Brokers(), cfg.KafkaIntakeTopic, uuid.New().String(), value); err != nil {
		return fmt.Errorf("publish submission: %w", err)
	}

	fmt.Printf("submitted %s to %s\n", sub.Type, cfg.KafkaIntakeTopic)
	return nil
}

func buildSubmission(args []string) (processor.Submission, error) {
	jt, err := domain.ParseJobType(args[0])
	if err != nil {
		return processor.Submission{}, err
	}
	sub := processor.Submission{Type: jt, Params: json.RawMessage(`{}`)}
	if len(args) > 1 {
		if !json.Valid([]byte(args[1])) {
			return processor.Submission{}, fmt.Errorf("params must be valid JSON")
		}
		sub.Params = json.RawMessage(args[1])
	}
	return sub, nil
}
