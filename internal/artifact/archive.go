package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
)

// Archive writes every directory and regular file of src to w as a zip
// archive compressed at the best level. Paths are relative to the root of src.
// Other file types are skipped.
func Archive(ctx context.Context, src billy.Filesystem, w io.Writer) error {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})

	err := util.Walk(src, ".", func(name string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if name == "." {
			return nil
		}
		name = filepath.ToSlash(name)

		switch {
		case info.IsDir():
			_, err := zw.Create(name + "/")
			return err
		case info.Mode().IsRegular():
			return addFile(zw, src, name, info)
		default:
			return nil
		}
	})
	if err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}

func addFile(zw *zip.Writer, src billy.Filesystem, name string, info os.FileInfo) error {
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("header of %s: %w", name, err)
	}
	hdr.Name = name
	hdr.Method = zip.Deflate

	dst, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("adding %s: %w", name, err)
	}
	f, err := src.Open(name)
	if err != nil {
		return fmt.Errorf("opening %s: %w", name, err)
	}
	defer func() {
		_ = f.Close()
	}()
	if _, err := io.Copy(dst, f); err != nil {
		return fmt.Errorf("compressing %s: %w", name, err)
	}
	return nil
}
