package cmd

import (
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/snafus/zipspy/archive"
)

var listBucket, listKey string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the members of a ZIP archive in S3",
	RunE: func(cmd *cobra.Command, args []string) error {
		if listBucket == "" || listKey == "" {
			return cmd.Usage()
		}
		ctx := context.Background()
		sess, err := openSession(ctx, listBucket, listKey, archive.Read)
		if err != nil {
			log.WithError(err).Error("failed to open archive")
			return err
		}
		entries, st := sess.List(ctx)
		if !st.IsOK() {
			log.WithError(st).Error("failed to list archive")
			return st
		}
		for _, e := range entries {
			fmt.Fprintf(os.Stdout, "%12d  %s\n", e.UncompressedSize, e.Name)
		}
		return closeSession(ctx, sess)
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringVarP(&listBucket, "bucket", "b", "", "(required) name of the S3 bucket")
	listCmd.Flags().StringVarP(&listKey, "key", "k", "", "(required) name of the S3 key (object)")
}
