package cmd

import (
	"context"
	"hash/crc32"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/snafus/zipspy/archive"
)

const appendChunkSize = 4 << 20

var appendBucket, appendKey, appendLocalPath, appendMemberName string

var appendCmd = &cobra.Command{
	Use:   "append",
	Short: "Append a local file as a new stored member of an S3 ZIP archive",
	Long: `Opens the archive for update, stages a new member sized and
CRC32'd from the local file up front (members are written uncompressed),
streams the file's bytes, and rewrites the central directory on close.

	ex:
	zipspy append -b myBucket -k myKey -i ./local/plan.txt -n plan.txt`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if appendBucket == "" || appendKey == "" || appendLocalPath == "" || appendMemberName == "" {
			return cmd.Usage()
		}

		f, err := os.Open(appendLocalPath)
		if err != nil {
			log.WithError(err).WithField("file", appendLocalPath).Error("failed to open local file")
			return err
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return err
		}
		size := uint64(info.Size())

		sum, err := crc32Of(f)
		if err != nil {
			return err
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}

		ctx := context.Background()
		sess, err := openSession(ctx, appendBucket, appendKey, archive.Update)
		if err != nil {
			log.WithError(err).Error("failed to open archive")
			return err
		}

		done := make(chan *archive.Status, 1)
		if st := sess.OpenFile(ctx, appendMemberName, archive.New, size, sum, timeout, func(st *archive.Status) {
			done <- st
		}); !st.IsOK() {
			return st
		}
		if st := <-done; !st.IsOK() {
			return st
		}

		buf := make([]byte, appendChunkSize)
		for {
			n, readErr := f.Read(buf)
			if n > 0 {
				wdone := make(chan *archive.Status, 1)
				if st := sess.Write(ctx, buf[:n], timeout, func(st *archive.Status) {
					wdone <- st
				}); !st.IsOK() {
					return st
				}
				if st := <-wdone; !st.IsOK() {
					return st
				}
			}
			if readErr == io.EOF {
				break
			}
			if readErr != nil {
				return readErr
			}
		}

		return closeSession(ctx, sess)
	},
}

func crc32Of(r io.Reader) (uint32, error) {
	h := crc32.NewIEEE()
	if _, err := io.Copy(h, r); err != nil {
		return 0, err
	}
	return h.Sum32(), nil
}

func init() {
	rootCmd.AddCommand(appendCmd)
	appendCmd.Flags().StringVarP(&appendBucket, "bucket", "b", "", "(required) name of the S3 bucket")
	appendCmd.Flags().StringVarP(&appendKey, "key", "k", "", "(required) name of the S3 key (object)")
	appendCmd.Flags().StringVarP(&appendLocalPath, "in", "i", "", "(required) path to the local file to append")
	appendCmd.Flags().StringVarP(&appendMemberName, "name", "n", "", "(required) name the member should have inside the archive")
}
