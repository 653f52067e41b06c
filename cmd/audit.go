package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mooses23/gemachhub/internal/audit"
	"github.com/mooses23/gemachhub/pkg/db"
	"github.com/mooses23/gemachhub/pkg/logger"
	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Print the audit trail",
	Long:  `Print audit entries as JSON lines, oldest first, filtered by entity and action.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printAuditTrail(cmd.Context())
	},
}

var (
	auditEntityType string
	auditEntityID   int64
	auditAction     string
	auditLimit      int
)

func printAuditTrail(ctx context.Context) error {
	switch auditEntityType {
	case "", audit.EntityPayment, audit.EntityTransaction, audit.EntityInventory:
	default:
		return fmt.Errorf("unknown entity type %q", auditEntityType)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	client, err := db.Open(db.Options{DSN: cfg.Database.GetDSN(), MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		return err
	}
	defer client.Close()

	f := audit.Filter{EntityType: auditEntityType, Action: auditAction, Limit: auditLimit}
	if auditEntityID > 0 {
		f.EntityID = &auditEntityID
	}

	logs, err := audit.NewRecorder(client.DB(), logger.L()).List(ctx, f)
	if err != nil {
		return fmt.Errorf("list audit entries: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	for _, entry := range logs {
		if err := enc.Encode(entry); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	auditCmd.Flags().StringVar(&auditEntityType, "entity-type", "", "payment, transaction or inventory")
	auditCmd.Flags().Int64Var(&auditEntityID, "entity-id", 0, "Only entries for this entity id")
	auditCmd.Flags().StringVar(&auditAction, "action", "", "Only entries with this action, e.g. deposit.refunded")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 100, "Maximum entries to print (at most 500)")

	rootCmd.AddCommand(auditCmd)
}
