// Package sinf injects per-device signature blobs and store metadata into
// a downloaded package archive.
package sinf

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"
	"howett.net/plist"

	"github.com/and161185/ipakeeper/internal/model"
)

// MetadataName is the archive-root entry carrying store metadata.
const MetadataName = "iTunesMetadata.plist"

// ErrNoBundle means the archive has no Payload/<name>.app directory.
var ErrNoBundle = errors.New("no application bundle in archive")

type manifest struct {
	SinfPaths []string `plist:"SinfPaths"`
}

type infoPlist struct {
	Executable string `plist:"CFBundleExecutable"`
}

// Inject rewrites the archive at file so it carries sigs and, when
// non-empty, metadata. The file is replaced only once the rewrite succeeded.
func Inject(file string, sigs []model.Signature, metadata []byte) (err error) {
	if len(sigs) == 0 {
		return errors.New("no signatures to inject")
	}
	src, err := zip.OpenReader(file)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer src.Close()

	extra, err := plan(&src.Reader, sigs)
	if err != nil {
		return err
	}
	if len(metadata) > 0 {
		extra[MetadataName] = metadata
	}

	tmp := file + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	if err := rewrite(out, &src.Reader, extra); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := src.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, file)
}

// plan returns the entries to add, keyed by archive path.
func plan(r *zip.Reader, sigs []model.Signature) (map[string][]byte, error) {
	bundle, err := bundleDir(r)
	if err != nil {
		return nil, err
	}
	files := make(map[string]*zip.File, len(r.File))
	for _, f := range r.File {
		files[f.Name] = f
	}

	extra := map[string][]byte{}
	if f, ok := files[bundle+"SC_Info/Manifest.plist"]; ok {
		var m manifest
		if err := decodePlist(f, &m); err != nil {
			return nil, fmt.Errorf("read sinf manifest: %w", err)
		}
		if len(m.SinfPaths) > 0 {
			if len(sigs) < len(m.SinfPaths) {
				return nil, fmt.Errorf("manifest lists %d signatures, have %d", len(m.SinfPaths), len(sigs))
			}
			for i, p := range m.SinfPaths {
				extra[bundle+p] = sigs[i].Data
			}
			return extra, nil
		}
	}

	f, ok := files[bundle+"Info.plist"]
	if !ok {
		return nil, fmt.Errorf("%s: missing Info.plist", bundle)
	}
	var info infoPlist
	if err := decodePlist(f, &info); err != nil {
		return nil, fmt.Errorf("read Info.plist: %w", err)
	}
	if info.Executable == "" {
		return nil, fmt.Errorf("%s: CFBundleExecutable not set", bundle)
	}
	extra[bundle+"SC_Info/"+info.Executable+".sinf"] = sigs[0].Data
	return extra, nil
}

// bundleDir finds "Payload/<name>.app/".
func bundleDir(r *zip.Reader) (string, error) {
	for _, f := range r.File {
		rest, ok := strings.CutPrefix(f.Name, "Payload/")
		if !ok {
			continue
		}
		name, _, ok := strings.Cut(rest, "/")
		if ok && strings.HasSuffix(name, ".app") {
			return "Payload/" + name + "/", nil
		}
	}
	return "", ErrNoBundle
}

func decodePlist(f *zip.File, v any) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	_, err = plist.Unmarshal(b, v)
	return err
}

// rewrite copies every entry of r raw, except those replaced by extra, then
// appends extra in a stable order.
func rewrite(w io.Writer, r *zip.Reader, extra map[string][]byte) error {
	zw := zip.NewWriter(w)
	for _, f := range r.File {
		if _, replaced := extra[f.Name]; replaced {
			continue
		}
		if err := zw.Copy(f); err != nil {
			return fmt.Errorf("copy %s: %w", f.Name, err)
		}
	}
	names := make([]string, 0, len(extra))
	for name := range extra {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: path.Clean(name), Method: zip.Deflate})
		if err != nil {
			return err
		}
		if _, err := fw.Write(extra[name]); err != nil {
			return err
		}
	}
	return zw.Close()
}
