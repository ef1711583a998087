package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	crawler "github.com/andrewkchan/crawler"
)

func init() {
	resetCommand.Flags().BoolVarP(&resetContent,
		"content", "C", false, "also delete stored content artifacts")
	UtilCommand.AddCommand(&resetCommand)
}

var resetContent bool

var resetCommand = cobra.Command{
	Use:   "reset",
	Short: "Wipe a crawl's persisted state",
	Long: `Reset deletes the pod KV stores, the frontier files and the seen-set
checkpoint for the configured crawl, returning it to a fresh start. Stored
content artifacts are kept unless --content is passed.

Never run this against a live crawl.
`,
	Run: resetFunc,
}

func resetFunc(cmd *cobra.Command, args []string) {
	if ConfigPath != "" {
		crawler.MustReadConfigFile(ConfigPath)
	}
	if err := crawler.AssertConfigInvariants(); err != nil {
		panic(err.Error())
	}

	for i, pod := range crawler.Config.Fabric.Pods {
		if err := os.Remove(pod.KVPath); err != nil && !os.IsNotExist(err) {
			panic(fmt.Sprintf("Failed removing KV store for pod %d: %v", i, err))
		}
		// The seen checkpoint lives beside the coordination pod's KV store.
		seen := filepath.Join(filepath.Dir(pod.KVPath), "seen.bloom")
		if err := os.Remove(seen); err != nil && !os.IsNotExist(err) {
			panic(fmt.Sprintf("Failed removing seen checkpoint: %v", err))
		}
	}

	if err := os.RemoveAll(crawler.Config.Fabric.FrontierDir); err != nil {
		panic(fmt.Sprintf("Failed removing frontier directory: %v", err))
	}

	if resetContent {
		for _, dir := range crawler.Config.Fabric.DataDirs {
			if err := os.RemoveAll(filepath.Join(dir, "content")); err != nil {
				panic(fmt.Sprintf("Failed removing content under %v: %v", dir, err))
			}
		}
	}
}
