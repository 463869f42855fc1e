package main

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/claimlens/claimlens/internal/catalog"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect and update the tie-up rate catalog",
}

var catalogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List loaded hospitals and their item counts",
	Args:  cobra.NoArgs,
	RunE:  runCatalogList,
}

var catalogValidateCmd = &cobra.Command{
	Use:   "validate <sheet.json>...",
	Short: "Validate rate sheet files without installing them",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCatalogValidate,
}

var flagReloadAddr string

var catalogReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Ask a running server to reload its catalog",
	Args:  cobra.NoArgs,
	RunE:  runCatalogReload,
}

var catalogImportCmd = &cobra.Command{
	Use:   "import <bundle.tar.gz>",
	Short: "Install rate sheets from a local catalog bundle",
	Args:  cobra.ExactArgs(1),
	RunE:  runCatalogImport,
}

var catalogUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Fetch and install the latest published catalog bundle",
	Long: `Downloads the newest catalog bundle release from the configured
publisher repository, verifies its signature when a signing key is
pinned, and installs the contained rate sheets.`,
	Args: cobra.NoArgs,
	RunE: runCatalogUpdate,
}

func init() {
	catalogReloadCmd.Flags().StringVar(&flagReloadAddr, "addr", "",
		"server address (defaults to the configured listen address)")
	catalogCmd.AddCommand(catalogListCmd, catalogValidateCmd, catalogReloadCmd,
		catalogImportCmd, catalogUpdateCmd)
	rootCmd.AddCommand(catalogCmd)
}

func runCatalogList(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	svc, err := loadCatalog(cmd.Context(), cfg, newEmbedder(cfg, logger), logger)
	if err != nil {
		return err
	}

	cat := svc.Current()
	if cat.Len() == 0 {
		fmt.Printf("No rate sheets in %s\n", cfg.CatalogDir)
		return nil
	}
	for _, h := range cat.Hospitals() {
		fmt.Printf("%-40s %4d items  %2d categories\n", h.Name, len(h.Items), len(h.Categories))
	}
	fmt.Printf("\n%d hospitals, %d items (built %s)\n",
		cat.Len(), cat.ItemCount(), cat.BuiltAt().Format(time.RFC3339))
	return nil
}

func runCatalogValidate(cmd *cobra.Command, args []string) error {
	setupLogger()

	bad := 0
	for _, path := range args {
		sheet, err := catalog.LoadSheet(path)
		if err != nil {
			bad++
			fmt.Printf("FAIL  %s: %v\n", path, err)
			continue
		}
		items := 0
		for _, c := range sheet.Categories {
			items += len(c.Items)
		}
		fmt.Printf("ok    %s: %s (%d categories, %d items)\n",
			path, sheet.HospitalName, len(sheet.Categories), items)
	}
	if bad > 0 {
		return fmt.Errorf("%d of %d sheets failed validation", bad, len(args))
	}
	return nil
}

func runCatalogReload(cmd *cobra.Command, args []string) error {
	setupLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	addr := flagReloadAddr
	if addr == "" {
		addr = cfg.ListenAddr
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}

	url := strings.TrimRight(addr, "/") + "/api/v1/catalog/reload"
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("is the server running? %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reload failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

func runCatalogImport(cmd *cobra.Command, args []string) error {
	setupLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sheets, err := catalog.ImportBundle(args[0], cfg.CatalogDir)
	if err != nil {
		return err
	}
	for _, name := range sheets {
		fmt.Printf("installed %s\n", name)
	}
	fmt.Printf("%d sheets imported into %s\n", len(sheets), cfg.CatalogDir)
	fmt.Println("Reload a running server with 'claimlens catalog reload'.")
	return nil
}

func runCatalogUpdate(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	updater, err := catalog.NewUpdater(cfg, logger)
	if err != nil {
		return err
	}
	svc, err := loadCatalog(cmd.Context(), cfg, newEmbedder(cfg, logger), logger)
	if err != nil {
		return err
	}

	res, err := updater.Update(cmd.Context(), svc)
	if err != nil {
		return err
	}
	fmt.Printf("Updated to %s (%s)\n", res.Tag, res.Asset)
	if res.Verified {
		fmt.Println("Signature verified")
	} else {
		fmt.Println("Signature not verified: no signing key pinned")
	}
	for _, name := range res.Sheets {
		fmt.Printf("installed %s\n", name)
	}
	cat := svc.Current()
	fmt.Printf("%d hospitals, %d items loaded\n", cat.Len(), cat.ItemCount())
	return nil
}
