// Package cli implements the epsdatastore operational command line.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/NHSDigital/eps-spine-shared-sub000/store"
)

// envPrefix prefixes the environment variables read for every flag.
const envPrefix = "eps_datastore"

var (
	// RootCmd is the base command when called without any subcommands.
	RootCmd = &cobra.Command{
		Use:   "epsdatastore",
		Short: "Inspect and maintain the EPS prescription datastore",
		Long: `epsdatastore reads prescription records, documents, worklists and
batch claims from the datastore table and runs the maintenance queries used
by the batch jobs.

Every flag can also be set from the environment, e.g. --table-name as
EPS_DATASTORE_TABLE_NAME. .env and .env.local are loaded when present.`,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}

	ddbClient *dynamodb.Client
	dataStore *store.Store
	logger    *slog.Logger
	registry  *prometheus.Registry
)

func init() {
	cobra.OnInitialize(initConfig)

	flags := RootCmd.PersistentFlags()
	flags.String("table-name", store.DefaultConfig().TableName, "datastore table name")
	flags.String("region", store.DefaultRegion, "AWS region")
	flags.String("endpoint", "", "DynamoDB endpoint override, e.g. http://localhost:8000")
	flags.String("role-arn", "", "role to assume for cross-account access")
	flags.String("role-session-name", "", "session name used when assuming the role")
	flags.String("sts-endpoint", "", "STS endpoint used when assuming the role")
	flags.Int("partitions", store.DefaultConfig().NextActivityPartitions, "shard count for sharded index attributes")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("internal-id", "", "correlation id attached to log lines (generated when empty)")
	flags.Bool("metrics", false, "print collected metrics to stderr on exit")

	RootCmd.AddCommand(tableCmd)
	RootCmd.AddCommand(recordCmd)
	RootCmd.AddCommand(documentCmd)
	RootCmd.AddCommand(worklistCmd)
	RootCmd.AddCommand(claimCmd)
	RootCmd.AddCommand(claimsCmd)
	RootCmd.AddCommand(sequenceCmd)
	RootCmd.AddCommand(dueCmd)
	RootCmd.AddCommand(modifiedCmd)
}

// initConfig loads env files and sets up environment lookups.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// setup builds the logger, client and store shared by every command.
func setup(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	internalID := viper.GetString("internal-id")
	if internalID == "" {
		internalID = uuid.New().String()
	}
	ctx := store.WithInternalID(cmd.Context(), internalID)
	cmd.SetContext(ctx)

	var err error
	ddbClient, err = store.NewDynamoClient(ctx, store.ClientConfig{
		Region:          viper.GetString("region"),
		Endpoint:        viper.GetString("endpoint"),
		RoleARN:         viper.GetString("role-arn"),
		RoleSessionName: viper.GetString("role-session-name"),
		STSEndpoint:     viper.GetString("sts-endpoint"),
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	partitions := viper.GetInt("partitions")
	dataStore = store.New(ddbClient, store.Config{
		TableName:                viper.GetString("table-name"),
		NextActivityPartitions:   partitions,
		ReleaseVersionPartitions: partitions,
		LastModifiedPartitions:   partitions,
	})
	dataStore.SetLogger(logger)

	registry = prometheus.NewRegistry()
	dataStore.SetMetrics(store.NewMetrics(registry))
	return nil
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	ctx := context.Background()
	err := RootCmd.ExecuteContext(ctx)
	if viper.GetBool("metrics") && registry != nil {
		if dumpErr := writeMetrics(os.Stderr, registry); dumpErr != nil && logger != nil {
			logger.Warn("failed to write metrics", "error", dumpErr)
		}
	}
	if err != nil {
		os.Exit(1)
	}
}
