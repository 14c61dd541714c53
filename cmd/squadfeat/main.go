// squadfeat converts SQuAD corpora into cached model features, and runs the augmentation worker
// together with a data provider that consumes its datasets.
//
// Examples:
//
//	squadfeat build --data-dir ~/squad --tokenizer ~/models/bert-base-uncased --task squad2
//	squadfeat augment --data-dir ~/squad --tokenizer ~/models/bert-base-uncased --pipeline augment.yaml --epochs 10
//
// Every flag can also be set in a config file (--config) or with a SQUADFEAT_ environment variable,
// e.g. SQUADFEAT_MAX_SEQ_LENGTH=256.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "squadfeat",
		Short: "SQuAD feature extraction and data augmentation",
		Long: `squadfeat converts SQuAD v1.1/v2.0 corpora into fixed-length features for extractive question
answering, splitting long passages into overlapping windows.

Available commands:
  build   - Convert a corpus split into features, stored in the feature cache
  augment - Run the augmentation worker and consume its datasets for a number of epochs`,
		SilenceUsage: true,
	}

	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(klogFlags)
	rootCmd.PersistentFlags().String("config", "", "Config file (yaml, json or toml) with the values of the flags")

	rootCmd.AddCommand(newBuildCmd())
	rootCmd.AddCommand(newAugmentCmd())
	return rootCmd
}

func main() {
	defer klog.Flush()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		klog.Errorf("%+v", err)
		klog.Flush()
		os.Exit(1)
	}
}
