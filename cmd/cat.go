package cmd

import (
	"context"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/snafus/zipspy/archive"
)

const catChunkSize = 1 << 20

var catBucket, catKey, catFile string

var catCmd = &cobra.Command{
	Use:   "cat",
	Short: "Stream a single member of an S3 ZIP archive to stdout",
	Long: `Like extract, but never buffers the whole member in memory -- each
chunk is written to stdout as soon as it's decompressed.

	ex:
	zipspy cat -b myBucket -k myKey -f plan.txt`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if catBucket == "" || catKey == "" || catFile == "" {
			return cmd.Usage()
		}

		ctx := context.Background()
		sess, err := openSession(ctx, catBucket, catKey, archive.Read)
		if err != nil {
			log.WithError(err).Error("failed to open archive")
			return err
		}

		entries, st := sess.List(ctx)
		if !st.IsOK() {
			return st
		}
		var size uint64
		var found bool
		for _, e := range entries {
			if e.Name == catFile {
				size, found = e.UncompressedSize, true
				break
			}
		}
		if !found {
			log.WithField("file", catFile).Error("member not found in archive")
			return cmd.Usage()
		}

		if st := openMember(ctx, sess, catFile); !st.IsOK() {
			return st
		}

		var relOff uint64
		for relOff < size {
			want := uint32(catChunkSize)
			if remaining := size - relOff; uint64(want) > remaining {
				want = uint32(remaining)
			}
			type result struct {
				st   *archive.Status
				data []byte
			}
			done := make(chan result, 1)
			if st := sess.Read(ctx, relOff, want, timeout, func(st *archive.Status, data []byte) {
				done <- result{st, data}
			}); !st.IsOK() {
				return st
			}
			r := <-done
			if !r.st.IsOK() {
				return r.st
			}
			if len(r.data) == 0 {
				break
			}
			if _, err := os.Stdout.Write(r.data); err != nil {
				return err
			}
			relOff += uint64(len(r.data))
		}
		return closeSession(ctx, sess)
	},
}

func init() {
	rootCmd.AddCommand(catCmd)
	catCmd.Flags().StringVarP(&catBucket, "bucket", "b", "", "(required) name of the S3 bucket")
	catCmd.Flags().StringVarP(&catKey, "key", "k", "", "(required) name of the S3 key (object)")
	catCmd.Flags().StringVarP(&catFile, "file", "f", "", "(required) name of the member to stream")
}
