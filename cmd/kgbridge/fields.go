package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/portside-labs/kgbridge/internal/fieldmap"
	"github.com/portside-labs/kgbridge/internal/ui"
)

var fieldsCmd = &cobra.Command{
	Use:     "fields",
	GroupID: "ops",
	Short:   "Show the field-to-graph mapping rules",
	Long: `Show the active mapping rules: which document field produces which
graph node, and which relationship ties it to the document.

The rules come from the configured rules file, or the built-in logistics
rules when none is configured. Fields not listed here are ignored by the
sync engine.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fatalf("%v", err)
		}
		reg, err := loadRegistry(cfg)
		if err != nil {
			fatalf("%v", err)
		}

		origin := cfg.Rules.Path
		if origin == "" {
			origin = "built-in"
		}
		fmt.Println(ui.KeyValue("rules", origin))
		fmt.Println(ui.KeyValue("version", reg.Version()))

		var rows [][]string
		for _, field := range reg.Fields() {
			for _, rule := range reg.Rules(field) {
				if rule.DocProp != "" {
					rows = append(rows, []string{field, "-", "-", "-", rule.DocProp})
					continue
				}
				rel := rule.RelType
				if rel == "" {
					rel = "-"
				} else if rule.Direction == fieldmap.ToDocument {
					rel = "<-" + rel
				}
				rows = append(rows, []string{field, rule.Label, rule.KeyProp, rel, "-"})
			}
		}
		fmt.Println(ui.Table([]string{"FIELD", "LABEL", "KEY", "RELATIONSHIP", "DOC PROPERTY"}, rows))

		links := reg.CrossLinks()
		if len(links) == 0 {
			return
		}
		fmt.Println(ui.RenderAccent("Cross links"))
		for _, link := range links {
			fmt.Printf("  (%s)-[%s]->(%s)\n", link.SourceLabel, link.RelType, link.TargetLabel)
		}
	},
}

func init() {
	rootCmd.AddCommand(fieldsCmd)
}
