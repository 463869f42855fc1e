package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/claimlens/claimlens/internal/model"
	"github.com/claimlens/claimlens/internal/ocr"
	"github.com/claimlens/claimlens/internal/pipeline"
	"github.com/claimlens/claimlens/internal/store"
)

var billsCmd = &cobra.Command{
	Use:   "bills",
	Short: "Inspect and manage uploaded bills",
}

var (
	flagBillsStatus   string
	flagBillsHospital string
	flagBillsLimit    int
	flagBillsDeleted  bool
)

var billsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List uploaded bills",
	Args:  cobra.NoArgs,
	RunE:  runBillsList,
}

var billsShowCmd = &cobra.Command{
	Use:   "show <upload_id>",
	Short: "Show one bill's full state",
	Args:  cobra.ExactArgs(1),
	RunE:  runBillsShow,
}

var billsVerifyCmd = &cobra.Command{
	Use:   "verify <upload_id>",
	Short: "Re-run verification for a completed bill",
	Long: `Re-verifies an already extracted bill against the current catalog,
applying any saved line-item edits. Useful after a catalog update or a
manual correction.`,
	Args: cobra.ExactArgs(1),
	RunE: runBillsVerify,
}

var (
	flagDeletePermanent bool
	flagDeletedBy       string
)

var billsDeleteCmd = &cobra.Command{
	Use:   "delete <upload_id>",
	Short: "Soft-delete a bill (or purge it with --permanent)",
	Args:  cobra.ExactArgs(1),
	RunE:  runBillsDelete,
}

var billsRestoreCmd = &cobra.Command{
	Use:   "restore <upload_id>",
	Short: "Restore a soft-deleted bill",
	Args:  cobra.ExactArgs(1),
	RunE:  runBillsRestore,
}

func init() {
	billsListCmd.Flags().StringVar(&flagBillsStatus, "status", "",
		"filter by status: PENDING, PROCESSING, COMPLETED, FAILED")
	billsListCmd.Flags().StringVar(&flagBillsHospital, "hospital", "",
		"filter by hospital name")
	billsListCmd.Flags().IntVar(&flagBillsLimit, "limit", 0,
		"maximum rows to return")
	billsListCmd.Flags().BoolVar(&flagBillsDeleted, "deleted", false,
		"include soft-deleted bills")
	billsDeleteCmd.Flags().BoolVar(&flagDeletePermanent, "permanent", false,
		"remove the record and staged files immediately")
	billsDeleteCmd.Flags().StringVar(&flagDeletedBy, "by", "",
		"who requested the deletion")
	billsCmd.AddCommand(billsListCmd, billsShowCmd, billsVerifyCmd,
		billsDeleteCmd, billsRestoreCmd)
	rootCmd.AddCommand(billsCmd)
}

func requireUploadID(arg string) (string, error) {
	id := strings.TrimSpace(arg)
	if !model.IsValidUploadID(id) {
		return "", usageErrorf("invalid upload_id %q", arg)
	}
	return id, nil
}

func runBillsList(cmd *cobra.Command, args []string) error {
	logger := setupLogger()
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	filter := store.ListFilter{
		Status:         strings.ToUpper(flagBillsStatus),
		Hospital:       flagBillsHospital,
		IncludeDeleted: flagBillsDeleted,
		Limit:          flagBillsLimit,
	}
	records, err := st.ListUploads(ctx, filter)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No bills found")
		return nil
	}

	for _, rec := range records {
		total := ""
		if rec.Extracted != nil {
			total = fmt.Sprintf("%.2f", rec.Extracted.GrandTotal)
		}
		deleted := ""
		if rec.IsDeleted {
			deleted = " [deleted]"
		}
		fmt.Printf("%s  %-10s %-12s %-30s %10s  %s%s\n",
			rec.UploadID,
			strings.ToLower(rec.ReportedStatus()),
			rec.Stage(),
			truncateCol(rec.HospitalName, 30),
			total,
			rec.UpdatedAt.Local().Format("2006-01-02 15:04"),
			deleted)
	}
	fmt.Printf("\n%d bills\n", len(records))
	return nil
}

func truncateCol(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func runBillsShow(cmd *cobra.Command, args []string) error {
	logger := setupLogger()
	ctx := cmd.Context()

	id, err := requireUploadID(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	rec, err := st.GetUpload(ctx, id)
	if err != nil {
		return err
	}

	fmt.Printf("Upload:        %s\n", rec.UploadID)
	fmt.Printf("Employee:      %s\n", rec.EmployeeID)
	fmt.Printf("Hospital:      %s\n", rec.HospitalName)
	if rec.InvoiceDate != "" {
		fmt.Printf("Invoice date:  %s\n", rec.InvoiceDate)
	}
	fmt.Printf("File:          %s (%d bytes)\n", rec.OriginalFilename, rec.FileSizeBytes)
	fmt.Printf("Status:        %s (stage %s)\n", rec.ReportedStatus(), rec.Stage())
	fmt.Printf("Verification:  %s\n", rec.VerificationStatus)
	if rec.QueuePosition > 0 {
		fmt.Printf("Queue pos:     %d\n", rec.QueuePosition)
	}
	if rec.ErrorMessage != "" {
		fmt.Printf("Error:         %s\n", rec.ErrorMessage)
	}
	if rec.IsDeleted && rec.DeletedAt != nil {
		fmt.Printf("Deleted:       %s", rec.DeletedAt.Local().Format(time.RFC3339))
		if rec.DeletedBy != "" {
			fmt.Printf(" by %s", rec.DeletedBy)
		}
		fmt.Println()
	}
	fmt.Printf("Updated:       %s\n", rec.UpdatedAt.Local().Format(time.RFC3339))

	if rec.Extracted != nil {
		fmt.Printf("\nExtracted %d categories, grand total %.2f\n",
			len(rec.Extracted.Categories), rec.Extracted.GrandTotal)
	}
	if len(rec.Edits) > 0 {
		fmt.Printf("%d saved line-item edits\n", len(rec.Edits))
	}
	if rec.ResultText != "" {
		fmt.Printf("\n%s\n", rec.ResultText)
	}
	return nil
}

func runBillsVerify(cmd *cobra.Command, args []string) error {
	logger := setupLogger()
	ctx := cmd.Context()

	id, err := requireUploadID(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	embedder := newEmbedder(cfg, logger)
	cat, err := loadCatalog(ctx, cfg, embedder, logger)
	if err != nil {
		return err
	}
	pipe := pipeline.New(pipeline.Options{
		Store:                st,
		Catalog:              cat,
		Engine:               ocr.NewClient(cfg.OcrEndpoint, ocrTimeout, logger),
		Verifier:             newVerifier(ctx, cfg, embedder, logger),
		UploadsDir:           cfg.UploadsDir,
		LeaseTTL:             cfg.LeaseTTL,
		ReconcileInterval:    cfg.ReconcileInterval,
		StaleProcessingAfter: cfg.StaleProcessingAfter,
		Logger:               logger,
	})

	rec, err := pipe.VerifyAgain(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("Verification %s for %s\n\n", strings.ToLower(rec.VerificationStatus), rec.UploadID)
	fmt.Println(rec.ResultText)
	return nil
}

func runBillsDelete(cmd *cobra.Command, args []string) error {
	logger := setupLogger()
	ctx := cmd.Context()

	id, err := requireUploadID(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if flagDeletePermanent {
		if err := st.PermanentDelete(ctx, id); err != nil {
			return err
		}
		if err := os.RemoveAll(filepath.Join(cfg.UploadsDir, id)); err != nil {
			logger.Warn("staging cleanup failed", "upload_id", id, "error", err)
		}
		fmt.Printf("Bill %s permanently deleted\n", id)
		return nil
	}

	if err := st.SoftDelete(ctx, id, flagDeletedBy); err != nil {
		return err
	}
	fmt.Printf("Bill %s deleted\n", id)
	return nil
}

func runBillsRestore(cmd *cobra.Command, args []string) error {
	logger := setupLogger()
	ctx := cmd.Context()

	id, err := requireUploadID(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Restore(ctx, id); err != nil {
		return err
	}
	rec, err := st.GetUpload(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("Bill %s restored (status %s", id, rec.Status)
	if rec.QueuePosition > 0 {
		fmt.Printf(", queue position %d", rec.QueuePosition)
	}
	fmt.Println(")")
	return nil
}
