package archive

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func readArchive(t *testing.T, path string) map[string]*tar.Header {
	t.Helper()
	// #nosec G304 -- test reads its own temp output.
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gz)
	out := map[string]*tar.Header{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		out[hdr.Name] = hdr
	}
	return out
}

func TestPackageNormalizesOwnershipUnderStem(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "debug", "wget.log"), "log line\n")
	writeFile(t, filepath.Join(root, "wget_saved", "example.org", "index.html"), "<html></html>")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "certificates"), 0o750))

	dest := filepath.Join(t.TempDir(), "job-1-us.tar.gz")
	stats, err := New(nil).Package(context.Background(), root, "job-1-us", dest)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Files)
	require.Equal(t, int64(len("log line\n")+len("<html></html>")), stats.InputBytes)
	require.Positive(t, stats.ArchiveBytes)

	entries := readArchive(t, dest)
	names := make([]string, 0, len(entries))
	for name, hdr := range entries {
		names = append(names, name)
		require.Equal(t, "user", hdr.Uname)
		require.Equal(t, "group", hdr.Gname)
		require.Zero(t, hdr.Uid)
		require.Zero(t, hdr.Gid)
	}
	sort.Strings(names)
	require.Equal(t, []string{
		"job-1-us/",
		"job-1-us/certificates/",
		"job-1-us/debug/",
		"job-1-us/debug/wget.log",
		"job-1-us/wget_saved/",
		"job-1-us/wget_saved/example.org/",
		"job-1-us/wget_saved/example.org/index.html",
	}, names)
}

func TestPackageRejectsBadInputs(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	a := New(nil)
	_, err := a.Package(context.Background(), root, "job/1", filepath.Join(t.TempDir(), "x.tar.gz"))
	require.Error(t, err)
	_, err = a.Package(context.Background(), root, "job-1", filepath.Join(root, "inside.tar.gz"))
	require.Error(t, err)
	_, err = a.Package(context.Background(), filepath.Join(root, "missing"), "job-1", filepath.Join(t.TempDir(), "x.tar.gz"))
	require.Error(t, err)
}

func fakeOpenSSL(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "openssl")
	// #nosec G306 -- test helper must be executable.
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func TestNormalizeCertificates(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "certificates")
	writeFile(t, filepath.Join(src, "AAAA.crt"), "PEM-A")
	writeFile(t, filepath.Join(src, "BBBB.crt"), "PEM-B")
	writeFile(t, filepath.Join(src, "notes.txt"), "ignored")

	a := New(nil)
	a.OpenSSL = fakeOpenSSL(t, `while [ $# -gt 0 ]; do if [ "$1" = "-in" ]; then shift; f="$1"; fi; shift; done
echo "Certificate:"
cat "$f"
`)
	n, err := a.NormalizeCertificates(context.Background(), src, dst)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// #nosec G304 -- test reads its own temp output.
	body, err := os.ReadFile(filepath.Join(dst, "AAAA.crt.text"))
	require.NoError(t, err)
	require.Equal(t, "Certificate:\nPEM-A", string(body))
}

func TestNormalizeCertificatesNoneCaptured(t *testing.T) {
	t.Parallel()

	n, err := New(nil).NormalizeCertificates(context.Background(), filepath.Join(t.TempDir(), "absent"), t.TempDir())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestNormalizeCertificatesToolFailure(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "AAAA.crt"), "garbage")
	a := New(nil)
	a.OpenSSL = fakeOpenSSL(t, "echo 'unable to load certificate' >&2\nexit 1\n")
	_, err := a.NormalizeCertificates(context.Background(), src, t.TempDir())
	require.ErrorContains(t, err, "unable to load certificate")
}
