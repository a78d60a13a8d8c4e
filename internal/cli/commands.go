package cli

import (
	"errors"
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/spf13/cobra"

	"github.com/NHSDigital/eps-spine-shared-sub000/store"
)

var (
	tableCmd = &cobra.Command{
		Use:   "table",
		Short: "Manage the datastore table",
	}
	tableCreateCmd = &cobra.Command{
		Use:   "create",
		Short: "Create the datastore table with its indexes and enable TTL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			table := dataStore.Config().TableName

			if _, err := ddbClient.CreateTable(ctx, store.CreateTableInput(table)); err != nil {
				return fmt.Errorf("create table %s: %w", table, err)
			}
			wait, _ := cmd.Flags().GetDuration("wait")
			waiter := dynamodb.NewTableExistsWaiter(ddbClient)
			if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)}, wait); err != nil {
				return fmt.Errorf("wait for table %s: %w", table, err)
			}
			_, err := ddbClient.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
				TableName: aws.String(table),
				TimeToLiveSpecification: &types.TimeToLiveSpecification{
					AttributeName: aws.String(store.AttrExpireAt),
					Enabled:       aws.Bool(true),
				},
			})
			if err != nil {
				return fmt.Errorf("enable ttl on %s: %w", table, err)
			}
			logger.Info("table created", "table", table, "indexCount", len(store.GSIs()))
			return nil
		},
	}

	recordCmd = &cobra.Command{
		Use:   "record",
		Short: "Read prescription records",
	}
	recordGetCmd = &cobra.Command{
		Use:   "get [prescriptionID]",
		Short: "Print a prescription record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			record, err := dataStore.GetRecord(cmd.Context(), args[0], true)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"value":          record.Value,
				"recordType":     record.RecordType,
				"releaseVersion": record.ReleaseVersion,
				"scn":            record.SCN,
			})
		},
	}

	documentCmd = &cobra.Command{
		Use:   "document",
		Short: "Read documents",
	}
	documentGetCmd = &cobra.Command{
		Use:   "get [key]",
		Short: "Print a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			document, err := dataStore.GetDocument(cmd.Context(), args[0], true)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), document)
		},
	}

	worklistCmd = &cobra.Command{
		Use:   "worklist",
		Short: "Read worklists",
	}
	worklistGetCmd = &cobra.Command{
		Use:   "get [messageID]",
		Short: "Print a worklist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workList, err := dataStore.GetWorkList(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if workList == nil {
				return fmt.Errorf("worklist %s: %w", args[0], store.ErrNotFound)
			}
			return printJSON(cmd.OutOrStdout(), workList)
		},
	}

	claimCmd = &cobra.Command{
		Use:   "claim",
		Short: "Read batch claims",
	}
	claimGetCmd = &cobra.Command{
		Use:   "get [batchClaimID]",
		Short: "Print a batch claim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			claim, err := dataStore.FetchBatchClaim(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if claim == nil {
				return fmt.Errorf("batch claim %s: %w", args[0], store.ErrNotFound)
			}
			return printJSON(cmd.OutOrStdout(), claim)
		},
	}

	claimsCmd = &cobra.Command{
		Use:   "claims",
		Short: "Search batch claims and claim notifications",
	}
	claimsBySequenceCmd = &cobra.Command{
		Use:   "by-sequence [sequenceNumber]",
		Short: "List batch claims stored with a sequence number",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("sequenceNumber must be a number: %w", err)
			}
			nwssp, _ := cmd.Flags().GetBool("nwssp")
			ids, err := dataStore.BatchClaimIDsBySequenceNumber(cmd.Context(), seq, nwssp)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ids)
		},
	}
	claimsContainingCmd = &cobra.Command{
		Use:   "containing [claimID]",
		Short: "List batch claims that include a claim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := dataStore.BatchClaimsContaining(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ids)
		},
	}
	claimsNotificationsCmd = &cobra.Command{
		Use:   "notifications [start] [end]",
		Short: "List claim notifications stored between two YYYYMMDDHHMMSS times",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := dataStore.ClaimNotificationIDsBetween(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			ids, err := store.CollectKeys(keys)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ids)
		},
	}

	sequenceCmd = &cobra.Command{
		Use:   "sequence",
		Short: "Work with claim sequence counters",
	}
	sequenceNextCmd = &cobra.Command{
		Use:   "next",
		Short: "Allocate, or with --read-only show, the next claim sequence number",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			maxValue, _ := cmd.Flags().GetInt("max")
			readOnly, _ := cmd.Flags().GetBool("read-only")
			nwssp, _ := cmd.Flags().GetBool("nwssp")

			next := dataStore.FetchNextSequenceNumber
			if nwssp {
				next = dataStore.FetchNextSequenceNumberNWSSP
			}
			n, err := next(cmd.Context(), maxValue, readOnly)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), n)
		},
	}

	dueCmd = &cobra.Command{
		Use:   "due [start] [end]",
		Short: "List records whose next activity is due, e.g. due delete_20240101 delete_20240131",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			shards, err := dataStore.DueForNextActivity(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printShards(cmd, shards)
		},
	}

	modifiedCmd = &cobra.Command{
		Use:   "modified [from] [to]",
		Short: "List items last modified between two RFC 3339 times",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := time.Parse(time.RFC3339, args[0])
			if err != nil {
				return fmt.Errorf("from: %w", err)
			}
			to, err := time.Parse(time.RFC3339, args[1])
			if err != nil {
				return fmt.Errorf("to: %w", err)
			}
			return printShards(cmd, dataStore.LastModifiedBetween(cmd.Context(), from, to))
		},
	}
)

func init() {
	tableCreateCmd.Flags().Duration("wait", 2*time.Minute, "how long to wait for the table to become active")
	tableCmd.AddCommand(tableCreateCmd)

	recordCmd.AddCommand(recordGetCmd)
	documentCmd.AddCommand(documentGetCmd)
	worklistCmd.AddCommand(worklistGetCmd)
	claimCmd.AddCommand(claimGetCmd)

	claimsBySequenceCmd.Flags().Bool("nwssp", false, "search the NWSSP sequence numbers")
	claimsCmd.AddCommand(claimsBySequenceCmd, claimsContainingCmd, claimsNotificationsCmd)

	sequenceNextCmd.Flags().Int("max", 99999, "largest sequence number before wrapping to 1")
	sequenceNextCmd.Flags().Bool("read-only", false, "show the current number without allocating")
	sequenceNextCmd.Flags().Bool("nwssp", false, "use the NWSSP counter")
	sequenceCmd.AddCommand(sequenceNextCmd)
}

// printShards prints the keys of every shard in turn. A failing shard is
// logged and the remaining shards are still printed.
func printShards(cmd *cobra.Command, shards iter.Seq[store.KeySeq]) error {
	var keys []string
	var errs []error
	shard := 0
	for seq := range shards {
		for key, err := range seq {
			if err != nil {
				logger.Warn("shard query failed", "shard", shard, "error", err)
				errs = append(errs, err)
				break
			}
			keys = append(keys, key)
		}
		shard++
	}
	if err := printJSON(cmd.OutOrStdout(), keys); err != nil {
		return err
	}
	return errors.Join(errs...)
}
