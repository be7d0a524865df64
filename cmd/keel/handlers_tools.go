package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/keel/internal/registry"
	"github.com/haasonsaas/keel/internal/tools"
	"github.com/haasonsaas/keel/pkg/models"
)

// =============================================================================
// Tools Command Handlers
// =============================================================================

func runToolsList(cmd *cobra.Command, configPath string, asJSON bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Catalog only: manifests are enough to list, no handlers bound.
	reg := registry.New()
	for _, builtin := range tools.Builtins(tools.Config{Workspace: cfg.Runtime.Workspace}) {
		if err := reg.Register(builtin.Manifest); err != nil {
			return err
		}
	}
	if cfg.Runtime.ManifestDir != "" {
		if _, err := reg.LoadFromDirectory(cfg.Runtime.ManifestDir); err != nil {
			return err
		}
	}

	manifests := reg.List()
	out := cmd.OutOrStdout()
	if asJSON {
		raw, err := json.MarshalIndent(manifests, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(raw))
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tVERSION\tMODES\tSCOPES\tDESCRIPTION")
	for _, m := range manifests {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			m.Name, m.Version, modeSummary(m.Supports),
			strings.Join(m.Permissions, ","), truncate(m.Description, 56))
	}
	return w.Flush()
}

func modeSummary(s models.ModeSupport) string {
	var modes []string
	if s.Real {
		modes = append(modes, "real")
	}
	if s.DryRun {
		modes = append(modes, "dry_run")
	}
	if s.Mock {
		modes = append(modes, "mock")
	}
	if len(modes) == 0 {
		return "-"
	}
	return strings.Join(modes, ",")
}
