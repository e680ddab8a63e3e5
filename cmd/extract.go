package cmd

import (
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/snafus/zipspy/archive"
)

const extractChunkSize = 4 << 20 // bytes pulled per Session.Read call while draining a member

var files, outFiles []string
var bucket, key string

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract one or more files from an S3 ZIP archive",
	Long: `Downloads range(s) of bytes from an S3 ZIP archive containing the
compressed file(s), then decompresses the data.

	ex:
	zipspy extract -b myBucket -k myKey -f plan.txt
	zipspy extract -b myBucket -k myKey -f plan.txt -o my/directory/plan.txt
	zipspy extract -b myBucket -k myKey -f plan1.txt -f plan2.txt -o plan1.txt -o plan2.txt`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(files) == 0 || bucket == "" || key == "" {
			return cmd.Usage()
		}
		if len(outFiles) > 1 && len(outFiles) != len(files) {
			log.Error("must specify one output file for every -f, or none at all")
			return cmd.Usage()
		}

		ctx := context.Background()
		sess, err := openSession(ctx, bucket, key, archive.Read)
		if err != nil {
			log.WithError(err).Error("failed to open archive")
			return err
		}

		entries, st := sess.List(ctx)
		if !st.IsOK() {
			return st
		}
		sizes := make(map[string]uint64, len(entries))
		for _, e := range entries {
			sizes[e.Name] = e.UncompressedSize
		}

		for i, name := range files {
			size, ok := sizes[name]
			if !ok {
				log.WithField("file", name).Error("member not found in archive")
				continue
			}
			if st := openMember(ctx, sess, name); !st.IsOK() {
				return st
			}
			data, err := readAll(ctx, sess, name, size, extractChunkSize)
			if err != nil {
				return err
			}
			if err := deliver(data, outFiles, i); err != nil {
				return err
			}
		}
		return closeSession(ctx, sess)
	},
}

// openMember issues OpenFile for an existing, read-only member and
// blocks until the handler fires, mirroring openSession's pattern.
func openMember(ctx context.Context, sess *archive.Session, name string) *archive.Status {
	done := make(chan *archive.Status, 1)
	st := sess.OpenFile(ctx, name, archive.Read, 0, 0, timeout, func(st *archive.Status) {
		done <- st
	})
	if !st.IsOK() {
		return st
	}
	return <-done
}

func deliver(data []byte, outFiles []string, idx int) error {
	if len(outFiles) == 0 {
		fmt.Println(string(data))
		return nil
	}
	path := outFiles[0]
	if len(outFiles) > 1 {
		path = outFiles[idx]
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.WithError(err).WithField("file", path).Error("failed to open output file")
		return err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		log.WithError(err).WithField("file", path).Error("failed to write output file")
		return err
	}
	return nil
}

func init() {
	rootCmd.AddCommand(extractCmd)
	extractCmd.Flags().StringVarP(&key, "key", "k", "", "(required) name of the S3 key (object)")
	extractCmd.Flags().StringVarP(&bucket, "bucket", "b", "", "(required) name of the S3 bucket")
	extractCmd.Flags().StringSliceVarP(&outFiles, "out", "o", []string{}, "name(s) of the file(s) to write output to")
	extractCmd.Flags().StringSliceVarP(&files, "file", "f", []string{}, "(required) names of the files to extract")
}
